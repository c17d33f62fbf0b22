package api

import "github.com/mercuryim/mercury/internal/job"

// JobService is the facade over the background job queue.
type JobService struct {
	queue *job.Queue
}

// NewJobService wires the facade.
func NewJobService(queue *job.Queue) *JobService {
	return &JobService{queue: queue}
}

// Submit offers a job to the queue. False means a job with the same
// identity is already queued or running.
func (s *JobService) Submit(j job.Job) bool {
	return s.queue.Submit(j)
}

// Cancel stops a queued or running job. False means the id is unknown.
func (s *JobService) Cancel(jobID string) bool {
	return s.queue.Cancel(jobID)
}

// Find returns the current view of a job, or nil.
func (s *JobService) Find(jobID string) (*job.Snapshot, error) {
	return s.queue.FindByID(jobID)
}
