// Package kargs parses kernel command lines and computes the kernel argument list of a new deployment
// from drop-in fragments, inherited root arguments and explicit flags.
package kargs

import (
	"strings"
)

// Param is a single kernel command line parameter: either a bare switch ("quiet") or key=value.
type Param struct {
	// Key is the parameter name exactly as written.
	Key string
	// Value is the value with its outermost double quotes removed.
	Value string
	// HasValue distinguishes "key=" from "key".
	HasValue bool
	// Raw is the parameter as it appeared on the command line.
	Raw string
}

// String returns the parameter in command line form.
func (p Param) String() string {
	return p.Raw
}

// NormalizedKey returns the key with dashes folded to underscores; the kernel treats both alike.
func (p Param) NormalizedKey() string {
	return normalizeKey(p.Key)
}

// Equal compares two parameters with dash/underscore-insensitive keys and exact values.
func (p Param) Equal(other Param) bool {
	return p.NormalizedKey() == other.NormalizedKey() && p.HasValue == other.HasValue && p.Value == other.Value
}

func normalizeKey(key string) string {
	return strings.ReplaceAll(key, "-", "_")
}

// ParseParam parses one parameter. Only the first and last double quotes of a value are stripped;
// quotes inside the key are kept.
func ParseParam(raw string) Param {
	p := Param{Key: raw, Raw: raw}
	key, value, ok := strings.Cut(raw, "=")
	if !ok {
		return p
	}
	value = strings.TrimPrefix(value, `"`)
	value = strings.TrimSuffix(value, `"`)
	p.Key, p.Value, p.HasValue = key, value, true
	return p
}

// Cmdline is a parsed kernel command line.
type Cmdline []Param

// Parse splits a command line on whitespace outside double quotes.
func Parse(line string) Cmdline {
	var out Cmdline
	rest := line
	for {
		rest = strings.TrimLeft(rest, " \t\n\r\f\v")
		if rest == "" {
			return out
		}
		inQuotes := false
		end := len(rest)
		for i, c := range rest {
			if c == '"' {
				inQuotes = !inQuotes
				continue
			}
			if !inQuotes && isSpace(c) {
				end = i
				break
			}
		}
		out = append(out, ParseParam(rest[:end]))
		rest = rest[end:]
	}
}

func isSpace(c rune) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

// ParseAll parses each entry as a command line fragment and concatenates the results.
func ParseAll(entries []string) Cmdline {
	var out Cmdline
	for _, e := range entries {
		out = append(out, Parse(e)...)
	}
	return out
}

// ValueOf returns the value of the first parameter named key. Dashes and underscores in key match
// each other.
func (c Cmdline) ValueOf(key string) (string, bool) {
	want := normalizeKey(key)
	for _, p := range c {
		if p.NormalizedKey() == want {
			return p.Value, p.HasValue
		}
	}
	return "", false
}

// Strings returns the raw form of every parameter.
func (c Cmdline) Strings() []string {
	out := make([]string, 0, len(c))
	for _, p := range c {
		out = append(out, p.Raw)
	}
	return out
}

// String joins the parameters with single spaces.
func (c Cmdline) String() string {
	return strings.Join(c.Strings(), " ")
}
