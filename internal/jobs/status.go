package jobs

// Status represents the state of a job in its lifecycle.
type Status string

const (
	StatusCreated    Status = "created"
	StatusRegistered Status = "registered"
	StatusRunning    Status = "running"
	StatusOK         Status = "ok"
	StatusFailed     Status = "failed"
	StatusCrashed    Status = "crashed"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusOK, StatusFailed, StatusCrashed:
		return true
	}
	return false
}
