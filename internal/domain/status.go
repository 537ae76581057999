package domain

import "slices"

// JobStatus is the lifecycle state of a generation job
type JobStatus string

// Job status constants
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusProcessed  JobStatus = "processed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusNoCredits  JobStatus = "no_credits"
)

// transitionSources lists, per target status, the statuses a job may be in
// when that target is written. Self-edges keep replays idempotent.
var transitionSources = map[JobStatus][]JobStatus{
	JobStatusProcessing: {JobStatusQueued, JobStatusProcessing},
	JobStatusNoCredits:  {JobStatusQueued, JobStatusNoCredits},
	JobStatusProcessed:  {JobStatusProcessing, JobStatusProcessed},
	JobStatusFailed:     {JobStatusQueued, JobStatusProcessing, JobStatusProcessed, JobStatusFailed},
}

// IsValid reports whether s is a known status
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusProcessed, JobStatusFailed, JobStatusNoCredits:
		return true
	}
	return false
}

// IsTerminal reports whether no further automatic transition occurs from s.
// A processed job can still be demoted to failed if its debit is refused.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusProcessed || s == JobStatusFailed || s == JobStatusNoCredits
}

// SourcesFor returns the statuses from which a transition to target is allowed
func SourcesFor(target JobStatus) []JobStatus {
	return slices.Clone(transitionSources[target])
}

// SourcesForSQL returns SourcesFor(target) as plain strings for use in queries
func SourcesForSQL(target JobStatus) []string {
	sources := transitionSources[target]
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = string(s)
	}
	return out
}

// CanTransition reports whether a job in status from may move to status to
func CanTransition(from, to JobStatus) bool {
	return slices.Contains(transitionSources[to], from)
}
