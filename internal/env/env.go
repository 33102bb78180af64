// Package env composes the extra environment handed to the supervised daemon.
package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Layers accumulates KEY=VALUE entries; later entries override earlier ones with the same key.
type Layers struct {
	keys []string // first-seen order
	vals map[string]string
	base func(string) (string, bool)
}

// New returns empty layers whose ${VAR} references fall back to the supervisor environment.
func New() *Layers {
	return &Layers{vals: map[string]string{}, base: os.LookupEnv}
}

// WithBase replaces the fallback lookup used for ${VAR} references. Used by tests.
func (l *Layers) WithBase(lookup func(string) (string, bool)) *Layers {
	l.base = lookup
	return l
}

// Set assigns k=v. Empty keys are ignored.
func (l *Layers) Set(k, v string) {
	if k == "" {
		return
	}
	if _, ok := l.vals[k]; !ok {
		l.keys = append(l.keys, k)
	}
	l.vals[k] = v
}

// Add applies "KEY=VALUE" pairs. Entries without '=' or with an empty key are rejected.
func (l *Layers) Add(pairs []string) error {
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("invalid env entry %q", kv)
		}
		l.Set(strings.TrimSpace(k), v)
	}
	return nil
}

// AddFile applies the entries of a .env file.
func (l *Layers) AddFile(path string) error {
	pairs, err := ParseFile(path)
	if err != nil {
		return err
	}
	return l.Add(pairs)
}

// Entries returns the composed entries in first-seen key order with ${VAR} references
// expanded against earlier layers, then the supervisor environment. Unknown references expand
// to the empty string. Expansion is single pass; a value is never re-expanded.
func (l *Layers) Entries() []string {
	if len(l.keys) == 0 {
		return nil
	}
	out := make([]string, 0, len(l.keys))
	for _, k := range l.keys {
		out = append(out, k+"="+l.expand(l.vals[k], k))
	}
	return out
}

func (l *Layers) expand(s, self string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		b.WriteString(l.lookup(name, self))
		s = s[i+2+j+1:]
	}
	b.WriteString(s)
	return b.String()
}

func (l *Layers) lookup(name, self string) string {
	// a variable referring to itself extends the inherited value, as in PATH=${PATH}:/opt/bin
	if name != self {
		if v, ok := l.vals[name]; ok {
			return v
		}
	}
	if l.base != nil {
		if v, ok := l.base(name); ok {
			return v
		}
	}
	return ""
}

// ParseFile reads a .env file: KEY=VALUE per line, blank lines and # comments skipped,
// surrounding quotes on the value removed.
func ParseFile(path string) ([]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var out []string
	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", path, n)
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		out = append(out, strings.TrimSpace(k)+"="+v)
	}
	return out, sc.Err()
}
