package models

// JobStatus is the lifecycle state of a RemoteJob.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Terminal reports whether the status will not change again.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// RemoteJob is a submit-then-poll unit of work hosted by a remote service.
// Output is set when the service returned the payload inline; OutputURI when
// it has to be fetched separately.
type RemoteJob struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	Output    *Media    `json:"-"`
	OutputURI string    `json:"output_uri,omitempty"`
	Error     string    `json:"error,omitempty"`
}
