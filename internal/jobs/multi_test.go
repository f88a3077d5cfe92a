package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newTestMultiJob(name string, bodies map[string]string) *MultiJob {
	mj := NewMultiJob(name, nil, arbor.NewLogger())
	mj.Prerun = func(ctx context.Context, j *MultiJob) ([]Job, error) {
		names := make([]string, 0, len(bodies))
		for child := range bodies {
			names = append(names, child)
		}
		// Deterministic child order.
		sort.Strings(names)
		children := make([]Job, 0, len(names))
		for _, child := range names {
			children = append(children, newStubJob(child, bodies[child]))
		}
		return children, nil
	}
	return mj
}

func TestMultiJobAllChildrenOK(t *testing.T) {
	m := newTestManager(t, testManagerConfig())
	r := newSerialRunner()

	mj := newTestMultiJob("batch", map[string]string{"a": "true", "b": "true"})
	Run(context.Background(), mj, r, m).Wait()

	require.Equal(t, StatusOK, mj.Status())
	children := mj.Children()
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, StatusOK, child.Status())
		assert.Equal(t, mj, child.Parent())
		assert.Equal(t, filepath.Join(mj.Path(), child.Name()), child.Path(), "children nest under the parent folder")
	}
	assert.FileExists(t, filepath.Join(mj.Path(), "batch.job"))
}

func TestMultiJobFailingChildFailsParent(t *testing.T) {
	m := newTestManager(t, testManagerConfig())
	r := newSerialRunner()

	mj := newTestMultiJob("batch", map[string]string{"good": "true", "bad": "exit 1"})
	Run(context.Background(), mj, r, m).Wait()

	assert.Equal(t, StatusFailed, mj.Status())
	assert.False(t, mj.OK())
}

func TestMultiJobPrerunError(t *testing.T) {
	m := newTestManager(t, testManagerConfig())
	r := newSerialRunner()

	mj := NewMultiJob("batch", nil, arbor.NewLogger())
	mj.Prerun = func(ctx context.Context, j *MultiJob) ([]Job, error) {
		return nil, errors.New("cannot build children")
	}
	Run(context.Background(), mj, r, m).Wait()

	assert.Equal(t, StatusCrashed, mj.Status())
}

func TestMultiJobPostrunError(t *testing.T) {
	m := newTestManager(t, testManagerConfig())
	r := newSerialRunner()

	mj := newTestMultiJob("batch", map[string]string{"a": "true"})
	mj.Postrun = func(ctx context.Context, j *MultiJob) error {
		return errors.New("aggregation failed")
	}
	Run(context.Background(), mj, r, m).Wait()

	assert.Equal(t, StatusCrashed, mj.Status())
}

func TestMultiJobPostrunSeesFinishedChildren(t *testing.T) {
	m := newTestManager(t, testManagerConfig())
	r := newSerialRunner()

	var seen []Status
	mj := newTestMultiJob("batch", map[string]string{"a": "true", "b": "true"})
	mj.Postrun = func(ctx context.Context, j *MultiJob) error {
		for _, child := range j.Children() {
			seen = append(seen, child.Status())
		}
		return nil
	}
	Run(context.Background(), mj, r, m).Wait()

	assert.Equal(t, []Status{StatusOK, StatusOK}, seen)
}

func TestMultiJobHash(t *testing.T) {
	mkChild := func(input string) *SingleJob {
		j := NewSingleJob("c", &stubProgram{input: input, script: "true"}, nil, arbor.NewLogger())
		j.mu.Lock()
		j.hashing = "input+runscript"
		j.mu.Unlock()
		return j
	}

	a := NewMultiJob("batch", nil, arbor.NewLogger())
	a.children = []Job{mkChild("x"), mkChild("y")}
	b := NewMultiJob("batch", nil, arbor.NewLogger())
	b.children = []Job{mkChild("x"), mkChild("y")}
	c := NewMultiJob("batch", nil, arbor.NewLogger())
	c.children = []Job{mkChild("y"), mkChild("x")}

	assert.NotEmpty(t, a.Hash())
	assert.Equal(t, a.Hash(), b.Hash(), "same children, same digest")
	assert.NotEqual(t, a.Hash(), c.Hash(), "child order matters")

	empty := NewMultiJob("batch", nil, arbor.NewLogger())
	assert.Empty(t, empty.Hash(), "no children, no digest")

	optedOut := NewMultiJob("batch", nil, arbor.NewLogger())
	optedOut.children = []Job{mkChild("x"), NewSingleJob("c", nil, nil, arbor.NewLogger())}
	assert.Empty(t, optedOut.Hash(), "one opted-out child opts the composite out")
}
