package session

import (
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spyglass-dap/spyglass/internal/backend"
)

func TestSourceMapRemap(t *testing.T) {
	m := newSourceMap()
	m.Configure([]mapEntry{{From: "/build/*", Local: lo.ToPtr("/home/user/src")}})

	got, ok := m.Resolve(backend.FileSpec{Dir: "/build/proj", Name: "main.c"})
	require.True(t, ok)
	assert.Equal(t, "/home/user/src/main.c", got)
}

func TestSourceMapSuppression(t *testing.T) {
	m := newSourceMap()
	m.Configure([]mapEntry{{From: "/usr/lib/**", Local: nil}})

	_, ok := m.Resolve(backend.FileSpec{Dir: "/usr/lib/libc", Name: "malloc.c"})
	assert.False(t, ok, "nil local suppresses the source")

	got, ok := m.Resolve(backend.FileSpec{Dir: "/home/user", Name: "main.c"})
	require.True(t, ok)
	assert.Equal(t, "/home/user/main.c", got, "unmatched paths pass through")
}

func TestSourceMapFirstMatchWins(t *testing.T) {
	m := newSourceMap()
	m.Configure([]mapEntry{
		{From: "/build/vendor/**", Local: nil},
		{From: "/build/**", Local: lo.ToPtr("/src")},
	})

	_, ok := m.Resolve(backend.FileSpec{Dir: "/build/vendor/zlib", Name: "inflate.c"})
	assert.False(t, ok)

	got, ok := m.Resolve(backend.FileSpec{Dir: "/build/app", Name: "main.c"})
	require.True(t, ok)
	assert.Equal(t, "/src/app/main.c", got)
}

func TestSourceMapWindowsPaths(t *testing.T) {
	m := newSourceMap()
	m.Configure([]mapEntry{{From: `C:\work\*`, Local: lo.ToPtr("/mnt/work")}})

	got, ok := m.Resolve(backend.FileSpec{Dir: `C:\work\proj`, Name: "main.c"})
	require.True(t, ok)
	assert.Equal(t, "/mnt/work/proj/main.c", got, "backslashes normalize before matching")
}

func TestSourceMapCacheSurvivesReconfigure(t *testing.T) {
	m := newSourceMap()
	m.Configure([]mapEntry{{From: "/build/**", Local: lo.ToPtr("/src")}})

	spec := backend.FileSpec{Dir: "/build/app", Name: "main.c"}
	got, ok := m.Resolve(spec)
	require.True(t, ok)
	require.Equal(t, "/src/app/main.c", got)

	// Reconfiguring does not invalidate entries already handed out;
	// clients hold on to resolved paths for the session's lifetime.
	m.Configure([]mapEntry{{From: "/build/**", Local: lo.ToPtr("/elsewhere")}})
	got, ok = m.Resolve(spec)
	require.True(t, ok)
	assert.Equal(t, "/src/app/main.c", got)

	fresh, ok := m.Resolve(backend.FileSpec{Dir: "/build/app", Name: "util.c"})
	require.True(t, ok)
	assert.Equal(t, "/elsewhere/app/util.c", fresh, "new specs see the new rules")
}

func TestSourceMapSuppressMissing(t *testing.T) {
	m := newSourceMap()
	m.Configure([]mapEntry{{From: "/build/**", Local: lo.ToPtr("/src")}})
	m.suppressMissing = true

	var asked []string
	exists := map[string]bool{"/src/app/main.c": true}
	m.fileExists = func(p string) bool {
		asked = append(asked, p)
		return exists[p]
	}

	got, ok := m.Resolve(backend.FileSpec{Dir: "/build/app", Name: "main.c"})
	require.True(t, ok)
	assert.Equal(t, "/src/app/main.c", got)

	_, ok = m.Resolve(backend.FileSpec{Dir: "/build/app", Name: "gone.c"})
	assert.False(t, ok, "missing files are suppressed when configured")
	assert.Equal(t, []string{"/src/app/main.c", "/src/app/gone.c"}, asked)

	// Unmatched paths are checked too.
	_, ok = m.Resolve(backend.FileSpec{Dir: "/other", Name: "x.c"})
	assert.False(t, ok)
}

func TestGlobToRegexp(t *testing.T) {
	tests := []struct {
		glob  string
		path  string
		match bool
	}{
		{"/a/*/c", "/a/b/c", true},
		{"/a/*/c", "/a/b/d/c", false},
		{"/a/**/c", "/a/b/d/c", true},
		{"/a/?.c", "/a/x.c", true},
		{"/a/?.c", "/a/xy.c", false},
		{"/a/?.c", "/a//.c", false},
		{"/pre", "/prefix/file.c", true},
		{"/a/b.c", "/x/a/b.c", false},
	}
	for _, tt := range tests {
		re := globToRegexp(tt.glob)
		assert.Equal(t, tt.match, re.FindStringIndex(tt.path) != nil,
			"glob %q against %q", tt.glob, tt.path)
	}
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "C:/work/proj/main.c", normalizePath(`C:\work\proj\main.c`))
	assert.Equal(t, "/a/b", normalizePath("/a//b/"))
	assert.Equal(t, "/a/c", normalizePath("/a/b/../c"))
}
