package kargs

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostimage/hostctl/internal/deploy"
)

func TestParseQuotes(t *testing.T) {
	c := Parse(`  root=UUID=abc  console="ttyS0 115200" quiet foo="internal"quotes"are"ok"  `)
	require.Len(t, c, 4)
	assert.Equal(t, "root", c[0].Key)
	assert.Equal(t, "UUID=abc", c[0].Value)
	assert.Equal(t, "ttyS0 115200", c[1].Value)
	assert.Equal(t, `console="ttyS0 115200"`, c[1].Raw)
	assert.False(t, c[2].HasValue)
	assert.Equal(t, `internal"quotes"are"ok`, c[3].Value)
}

func TestParseEmpty(t *testing.T) {
	assert.Empty(t, Parse(""))
	assert.Empty(t, Parse(" \t\n"))
}

func TestParseKeepsQuotesInKeys(t *testing.T) {
	c := Parse(`"""`)
	require.Len(t, c, 1)
	assert.Equal(t, `"""`, c[0].Key)
}

func TestParamsCompareDashAndUnderscoreAlike(t *testing.T) {
	c := Parse("rd.break some-flag=1 other_flag=2")
	require.Len(t, c, 3)
	assert.True(t, c[1].Equal(ParseParam("some_flag=1")))
	assert.True(t, c[2].Equal(ParseParam("other-flag=2")))
	assert.False(t, c[1].Equal(ParseParam("some_flag=2")))
	assert.False(t, c[0].Equal(ParseParam("rd.break=")))

	v, ok := c.ValueOf("some_flag")
	require.True(t, ok)
	assert.Equal(t, "1", v)
	v, ok = c.ValueOf("other-flag")
	require.True(t, ok)
	assert.Equal(t, "2", v)
	_, ok = c.ValueOf("some")
	assert.False(t, ok)
	_, ok = c.ValueOf("rd.break")
	assert.False(t, ok, "a bare switch has no value")
}

func TestParseDropIn(t *testing.T) {
	d, err := ParseDropIn("10-console.toml", []byte(`
kargs = ["console=ttyS0", "mitigations=auto,nosmt"]
match-architectures = ["x86_64"]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"console=ttyS0", "mitigations=auto,nosmt"}, d.Kargs)
	assert.True(t, d.Applies("x86_64"))
	assert.False(t, d.Applies("aarch64"))
}

func TestParseDropInRejectsUnknownKeys(t *testing.T) {
	_, err := ParseDropIn("bad.toml", []byte(`kargs = ["a"]
karg = "typo"`))
	require.Error(t, err)
	assert.True(t, deploy.IsKind(err, deploy.KindConfig))
	assert.Contains(t, err.Error(), "karg")
}

func TestParseDropInRejectsMalformed(t *testing.T) {
	_, err := ParseDropIn("bad.toml", []byte(`kargs = [`))
	require.Error(t, err)
	assert.True(t, deploy.IsKind(err, deploy.KindConfig))
}

func TestLoadDirSortsAndSkips(t *testing.T) {
	fsys := fstest.MapFS{
		"usr/lib/bootc/kargs.d/20-b.toml":  {Data: []byte(`kargs = ["b"]`)},
		"usr/lib/bootc/kargs.d/10-a.toml":  {Data: []byte(`kargs = ["a"]`)},
		"usr/lib/bootc/kargs.d/README.md":  {Data: []byte("ignored")},
		"usr/lib/bootc/kargs.d/30-c.toml~": {Data: []byte("ignored")},
	}
	dropIns, err := LoadDir(fsys, "/usr/lib/bootc/kargs.d")
	require.NoError(t, err)
	require.Len(t, dropIns, 2)
	assert.Equal(t, "10-a.toml", dropIns[0].Name)
	assert.Equal(t, "20-b.toml", dropIns[1].Name)

	missing, err := LoadDir(fsys, "etc/bootc/kargs.d")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestMergePrecedenceTable(t *testing.T) {
	in := Inputs{
		Inherited: []string{"root=UUID=1", "rd.luks.uuid=2"},
		Image: []DropIn{
			{Name: "20-image.toml", Kargs: []string{"console=tty0"}},
			{Name: "10-image.toml", Kargs: []string{"quiet"}},
		},
		Admin:    []DropIn{{Name: "10-admin.toml", Kargs: []string{"console=ttyS0"}}},
		Explicit: []string{"debug"},
		Arch:     "x86_64",
	}
	assert.Equal(t, []string{
		"root=UUID=1", "rd.luks.uuid=2", "quiet", "console=tty0", "console=ttyS0", "debug",
	}, Merge(in))
}

func TestMergeDuplicateKeysAcrossTiers(t *testing.T) {
	tests := []struct {
		name string
		in   Inputs
		want []string
	}{
		{
			name: "different values for one key are both kept in tier order",
			in: Inputs{
				Image: []DropIn{{Name: "a.toml", Kargs: []string{"console=tty0"}}},
				Admin: []DropIn{{Name: "a.toml", Kargs: []string{"console=ttyS0"}}},
			},
			want: []string{"console=tty0", "console=ttyS0"},
		},
		{
			name: "exact duplicate keeps the later tier position",
			in: Inputs{
				Image:    []DropIn{{Name: "a.toml", Kargs: []string{"quiet", "console=tty0"}}},
				Admin:    []DropIn{{Name: "b.toml", Kargs: []string{"quiet"}}},
				Explicit: []string{"console=tty0"},
			},
			want: []string{"quiet", "console=tty0"},
		},
		{
			name: "dash and underscore spellings are duplicates",
			in: Inputs{
				Image:    []DropIn{{Name: "a.toml", Kargs: []string{"some-flag=1"}}},
				Explicit: []string{"some_flag=1"},
			},
			want: []string{"some_flag=1"},
		},
		{
			name: "bare switch and empty value differ",
			in: Inputs{
				Image:    []DropIn{{Name: "a.toml", Kargs: []string{"nomodeset"}}},
				Explicit: []string{"nomodeset="},
			},
			want: []string{"nomodeset", "nomodeset="},
		},
		{
			name: "explicit flag overrides admin positionally",
			in: Inputs{
				Admin:    []DropIn{{Name: "a.toml", Kargs: []string{"loglevel=3"}}},
				Explicit: []string{"loglevel=7"},
			},
			want: []string{"loglevel=3", "loglevel=7"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.Arch = "x86_64"
			assert.Equal(t, tt.want, Merge(tt.in))
		})
	}
}

func TestMergeFiltersArchitecture(t *testing.T) {
	in := Inputs{
		Image: []DropIn{
			{Name: "a.toml", Kargs: []string{"x86only"}, MatchArchitectures: []string{"x86_64"}},
			{Name: "b.toml", Kargs: []string{"armonly"}, MatchArchitectures: []string{"aarch64"}},
		},
		Arch: "aarch64",
	}
	assert.Equal(t, []string{"armonly"}, Merge(in))
}

func TestMergeIsDeterministicAndIdempotent(t *testing.T) {
	in := Inputs{
		Inherited: []string{"root=UUID=1", "rootflags=subvol=root"},
		Image:     []DropIn{{Name: "10.toml", Kargs: []string{"quiet console=tty0", "quiet"}}},
		Admin:     []DropIn{{Name: "10.toml", Kargs: []string{"console=ttyS0"}}},
		Explicit:  []string{"quiet", "debug"},
		Arch:      "x86_64",
	}
	first := Merge(in)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Merge(in))
	}

	again := in
	again.Inherited = first
	assert.Equal(t, first, Merge(again))
}

func TestFilterRoot(t *testing.T) {
	got := FilterRoot([]string{
		"root=UUID=1", "ro", "rootflags=subvol=root", "rd.luks.uuid=x", "rd.", "quiet", "rootwait", "root",
	})
	assert.Equal(t, []string{"root=UUID=1", "rootflags=subvol=root", "rd.luks.uuid=x"}, got)
}

func TestRemove(t *testing.T) {
	got := Remove([]string{"quiet", "console=tty0", "console=ttyS0"}, []string{"console=tty0"})
	assert.Equal(t, []string{"quiet", "console=ttyS0"}, got)
}
