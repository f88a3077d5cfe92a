package settings

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	s := Settings{
		"runscript": Settings{
			"shebang":         "#!/bin/bash",
			"stdout_redirect": true,
		},
		"run": map[string]any{
			"nodes": 4,
		},
	}

	tests := []struct {
		name   string
		path   string
		want   any
		wantOK bool
	}{
		{name: "top-level branch", path: "runscript", want: s["runscript"], wantOK: true},
		{name: "nested leaf", path: "runscript.shebang", want: "#!/bin/bash", wantOK: true},
		{name: "nested through plain map", path: "run.nodes", want: 4, wantOK: true},
		{name: "missing key", path: "runscript.queue", wantOK: false},
		{name: "path through leaf", path: "runscript.shebang.deeper", wantOK: false},
		{name: "missing root", path: "nope.nope", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.Get(tt.path)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestGetStringAndBool(t *testing.T) {
	s := New()
	s.Set("runscript.shebang", "#!/bin/sh")
	s.Set("runscript.stdout_redirect", true)
	s.Set("count", 7)

	assert.Equal(t, "#!/bin/sh", s.GetString("runscript.shebang", "fallback"))
	assert.Equal(t, "fallback", s.GetString("missing", "fallback"))
	assert.Equal(t, "fallback", s.GetString("count", "fallback"), "non-string leaf falls back")
	assert.True(t, s.GetBool("runscript.stdout_redirect", false))
	assert.False(t, s.GetBool("missing", false))
}

func TestSetCreatesBranches(t *testing.T) {
	s := New()
	s.Set("a.b.c", 1)

	v, ok := s.Get("a.b.c")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// Setting a sibling must not disturb the existing leaf.
	s.Set("a.b.d", 2)
	v, ok = s.Get("a.b.c")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestMergeIsSoft(t *testing.T) {
	s := Settings{
		"runscript": Settings{"shebang": "#!/bin/bash"},
		"save":      "all",
	}
	defaults := Settings{
		"runscript": Settings{
			"shebang":         "#!/bin/sh",
			"stdout_redirect": true,
		},
		"save": "none",
		"run":  Settings{"queue": "short"},
	}

	s.Merge(defaults)

	assert.Equal(t, "#!/bin/bash", s.GetString("runscript.shebang", ""), "existing leaf kept")
	assert.True(t, s.GetBool("runscript.stdout_redirect", false), "missing leaf filled in")
	assert.Equal(t, "all", s["save"], "existing leaf kept")
	assert.Equal(t, "short", s.GetString("run.queue", ""), "missing branch copied")

	// The copied branch must be independent of the source.
	s.Set("run.queue", "long")
	assert.Equal(t, "short", defaults.GetString("run.queue", ""))
}

func TestCopyIsDeep(t *testing.T) {
	s := Settings{
		"branch": Settings{"leaf": "original"},
		"list":   []any{1, 2, 3},
	}

	dup := s.Copy()
	dup.Set("branch.leaf", "changed")
	dup["list"].([]any)[0] = 99

	assert.Equal(t, "original", s.GetString("branch.leaf", ""))
	assert.Equal(t, 1, s["list"].([]any)[0])
}

func TestCanonicalIsStable(t *testing.T) {
	a := Settings{"b": 1, "a": Settings{"y": 2, "x": 3}}
	b := Settings{"a": map[string]any{"x": 3, "y": 2}, "b": 1}

	ca, err := a.Canonical()
	require.NoError(t, err)
	cb, err := b.Canonical()
	require.NoError(t, err)

	assert.Equal(t, string(ca), string(cb), "key order and branch type must not affect the rendition")
}

func TestLoadSaveRoundTrip(t *testing.T) {
	s := Settings{
		"runscript": Settings{"shebang": "#!/bin/sh"},
		"save":      "all",
	}

	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, s.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh", loaded.GetString("runscript.shebang", ""))
	assert.Equal(t, "all", loaded.GetString("save", ""))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
