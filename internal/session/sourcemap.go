package session

import (
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/spyglass-dap/spyglass/internal/backend"
)

// mapEntry is one source remap rule as configured. A nil Local means
// sources matching From are suppressed rather than remapped.
type mapEntry struct {
	From  string
	Local *string
}

type mapRule struct {
	re    *regexp.Regexp
	local *string
}

type cacheKey struct {
	dir  string
	name string
}

// sourceMap resolves backend-reported file locations to local paths
// through the ordered remap rules, first match wins. Results are cached
// per (directory, filename) for the life of the session; reconfiguring
// the rules does not invalidate existing entries.
type sourceMap struct {
	rules           []mapRule
	cache           map[cacheKey]*string // nil value = suppressed
	suppressMissing bool
	fileExists      func(string) bool
}

func newSourceMap() *sourceMap {
	return &sourceMap{
		cache: make(map[cacheKey]*string),
		fileExists: func(p string) bool {
			st, err := os.Stat(p)
			return err == nil && !st.IsDir()
		},
	}
}

// Configure replaces the rule list.
func (m *sourceMap) Configure(entries []mapEntry) {
	m.rules = m.rules[:0]
	for _, e := range entries {
		m.rules = append(m.rules, mapRule{re: globToRegexp(e.From), local: e.Local})
	}
}

// Resolve maps a backend file spec to a local path. ok=false means the
// source must not be shown; callers fall back to a disassembly view.
func (m *sourceMap) Resolve(spec backend.FileSpec) (string, bool) {
	key := cacheKey{dir: spec.Dir, name: spec.Name}
	if cached, hit := m.cache[key]; hit {
		if cached == nil {
			return "", false
		}
		return *cached, true
	}
	resolved, ok := m.resolve(spec.Path())
	if !ok {
		m.cache[key] = nil
		return "", false
	}
	m.cache[key] = &resolved
	return resolved, true
}

func (m *sourceMap) resolve(p string) (string, bool) {
	norm := normalizePath(p)
	for _, r := range m.rules {
		loc := r.re.FindStringIndex(norm)
		if loc == nil {
			continue
		}
		if r.local == nil {
			return "", false
		}
		mapped := normalizePath(*r.local + norm[loc[1]:])
		if m.suppressMissing && !m.fileExists(mapped) {
			return "", false
		}
		return mapped, true
	}
	if m.suppressMissing && !m.fileExists(norm) {
		return "", false
	}
	return norm, true
}

// normalizePath puts backend and client paths in one comparable form.
func normalizePath(p string) string {
	return path.Clean(strings.ReplaceAll(p, "\\", "/"))
}

// globToRegexp compiles a path glob into a prefix-anchored regexp. `**`
// crosses directory separators, `*` and `?` do not.
func globToRegexp(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	g := strings.ReplaceAll(glob, "\\", "/")
	for i := 0; i < len(g); {
		switch {
		case strings.HasPrefix(g[i:], "**"):
			b.WriteString(".*")
			i += 2
		case g[i] == '*':
			b.WriteString("[^/]*")
			i++
		case g[i] == '?':
			b.WriteString("[^/]")
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(g[i])))
			i++
		}
	}
	return regexp.MustCompile(b.String())
}
