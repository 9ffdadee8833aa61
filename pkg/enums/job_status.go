package enums

import "fmt"

// JobStatus is the queue state of a delayed job.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusDead    JobStatus = "dead"
)

var validJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusRunning,
	JobStatusDone,
	JobStatusDead,
}

// String implements fmt.Stringer.
func (v JobStatus) String() string {
	return string(v)
}

// IsValid reports whether the value is a known JobStatus.
func (v JobStatus) IsValid() bool {
	for _, candidate := range validJobStatuses {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseJobStatus converts raw input into a JobStatus.
func ParseJobStatus(value string) (JobStatus, error) {
	for _, candidate := range validJobStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid job status %q", value)
}
