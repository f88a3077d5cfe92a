package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func runFinishedJob(t *testing.T, m *Manager, name string) *SingleJob {
	t.Helper()
	j := newStubJob(name, "echo payload")
	Run(context.Background(), j, newSerialRunner(), m).Wait()
	require.Equal(t, StatusOK, j.Status())
	return j
}

func TestLoadRestoresJob(t *testing.T) {
	m1 := newTestManager(t, testManagerConfig())
	original := runFinishedJob(t, m1, "calc")
	snapFile := filepath.Join(original.Path(), "calc.job")
	require.FileExists(t, snapFile)

	m2 := newTestManager(t, testManagerConfig())
	restored, err := m2.Load(snapFile)
	require.NoError(t, err)

	assert.Equal(t, "calc", restored.Name())
	assert.Equal(t, original.Path(), restored.Path())
	assert.Equal(t, StatusOK, restored.Status())
	assert.Equal(t, original.Hash(), restored.Hash(), "digest survives without the program adapter")
	assert.True(t, restored.OK(), "restored jobs are terminal immediately")
	assert.Contains(t, restored.Results().Files(), "calc.out")
	assert.Contains(t, m2.Jobs(), restored)
}

func TestLoadedJobFeedsDedupCache(t *testing.T) {
	m1 := newTestManager(t, testManagerConfig())
	original := runFinishedJob(t, m1, "calc")

	m2 := newTestManager(t, testManagerConfig())
	restored, err := m2.Load(filepath.Join(original.Path(), "calc.job"))
	require.NoError(t, err)

	rerun := NewSingleJob("calc", &stubProgram{input: "input for calc", script: "echo payload"}, nil, arbor.NewLogger())
	Run(context.Background(), rerun, newSerialRunner(), m2).Wait()

	assert.Equal(t, StatusOK, rerun.Status())
	assert.Same(t, restored.Results(), rerun.Results(), "identical job reuses the restored results")
}

func TestLoadRefreshDropsMissingFiles(t *testing.T) {
	m1 := newTestManager(t, testManagerConfig())
	original := runFinishedJob(t, m1, "calc")
	require.NoError(t, os.Remove(filepath.Join(original.Path(), "calc.out")))

	m2 := newTestManager(t, testManagerConfig())
	restored, err := m2.Load(filepath.Join(original.Path(), "calc.job"))
	require.NoError(t, err)

	assert.NotContains(t, restored.Results().Files(), "calc.out")
	assert.Contains(t, restored.Results().Files(), "calc.in")
}

func TestLoadMissingFile(t *testing.T) {
	m := newTestManager(t, testManagerConfig())
	_, err := m.Load(filepath.Join(t.TempDir(), "absent.job"))
	assert.Error(t, err)
}

func TestLoadCorruptSnapshot(t *testing.T) {
	m := newTestManager(t, testManagerConfig())
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{name: "not yaml", content: ":::{{not yaml"},
		{name: "wrong version", content: "version: 99\nkind: single\nname: calc\n"},
		{name: "missing name", content: "version: 1\nkind: single\n"},
		{name: "missing kind", content: "version: 1\nname: calc\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := filepath.Join(dir, "calc.job")
			require.NoError(t, os.WriteFile(file, []byte(tt.content), 0644))
			_, err := m.Load(file)
			assert.Error(t, err)
		})
	}
	assert.Empty(t, m.Jobs(), "broken snapshots register nothing")
}

func TestLoadAllSkipsBrokenSnapshots(t *testing.T) {
	m1 := newTestManager(t, testManagerConfig())
	runFinishedJob(t, m1, "good")
	runFinishedJob(t, m1, "alsogood")

	brokenDir := filepath.Join(m1.Workdir, "broken")
	require.NoError(t, os.Mkdir(brokenDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(brokenDir, "broken.job"), []byte(":::"), 0644))

	m2 := newTestManager(t, testManagerConfig())
	restored := m2.LoadAll(m1.Workdir)

	require.Len(t, restored, 2)
	names := []string{restored[0].Name(), restored[1].Name()}
	assert.ElementsMatch(t, []string{"good", "alsogood"}, names)
}

func TestLoadMultiJobRecursesChildren(t *testing.T) {
	m1 := newTestManager(t, testManagerConfig())
	mj := newTestMultiJob("batch", map[string]string{"a": "true", "b": "true"})
	Run(context.Background(), mj, newSerialRunner(), m1).Wait()
	require.Equal(t, StatusOK, mj.Status())

	m2 := newTestManager(t, testManagerConfig())
	restored, err := m2.Load(filepath.Join(mj.Path(), "batch.job"))
	require.NoError(t, err)

	parent, ok := restored.(*MultiJob)
	require.True(t, ok)
	assert.Equal(t, StatusOK, parent.Status())

	children := parent.Children()
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, StatusOK, child.Status())
		assert.Same(t, parent, child.Parent())
		assert.True(t, child.OK())
	}
}
