package reboot

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostimage/hostctl/internal/logging"
)

func fakeSystemctl(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "systemctl")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func TestSystemctlPassesVerb(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(&buf, logging.LevelDebug)
	s := NewSystemctl(fakeSystemctl(t, `echo "verb=$1"`), logger)

	require.NoError(t, s.Reboot(context.Background(), true))
	assert.Contains(t, buf.String(), "verb=soft-reboot")

	buf.Reset()
	require.NoError(t, s.Reboot(context.Background(), false))
	assert.Contains(t, buf.String(), "verb=reboot")
}

func TestSystemctlFailure(t *testing.T) {
	var buf bytes.Buffer
	s := NewSystemctl(fakeSystemctl(t, `echo "not allowed" >&2; exit 3`), logging.NewLogger(&buf, logging.LevelInfo))
	err := s.Reboot(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reboot failed")
	assert.Contains(t, buf.String(), "not allowed")
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.Reboot(context.Background(), false))
	require.NoError(t, r.Reboot(context.Background(), true))
	assert.Equal(t, []bool{false, true}, r.Calls)

	r.Err = errors.New("boom")
	require.Error(t, r.Reboot(context.Background(), true))
}
