// Package jobstore is the in-memory, crash-recoverable Job registry
// (component C3). It keeps the authoritative copy of every Job in a
// map guarded by a mutex, and write-throughs every mutation to disk via
// storage.Storage so a restart can recover in-flight state.
package jobstore

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bobarin/renderqueue/internal/jobmodel"
	"github.com/bobarin/renderqueue/internal/storage"
)

// RestartInterruptedCode is the error code assigned to any job found
// queued or processing at startup — it is never retried automatically.
const RestartInterruptedCode = "RESTART_INTERRUPTED"

// Store is the in-memory job registry.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]*jobmodel.Job
	storage *storage.Storage
}

// New recovers any job documents on disk and marks interrupted ones
// failed before returning a ready Store.
func New(s *storage.Storage) (*Store, error) {
	loaded, err := s.LoadJobs()
	if err != nil {
		return nil, fmt.Errorf("jobstore: failed to load job documents: %w", err)
	}

	store := &Store{
		jobs:    make(map[string]*jobmodel.Job, len(loaded)),
		storage: s,
	}

	recovered := 0
	for id, job := range loaded {
		if job.Status == jobmodel.StatusQueued || job.Status == jobmodel.StatusProcessing {
			job.Status = jobmodel.StatusFailed
			job.Phase = jobmodel.PhaseError
			job.Progress = 100
			job.Error = jobmodel.Error{
				Code:    jobmodel.StrPtr(RestartInterruptedCode),
				Message: jobmodel.StrPtr("server restarted while this job was in flight"),
			}
			job.UpdatedAt = time.Now()
			if err := store.storage.WriteJob(job); err != nil {
				log.Printf("[JobStore] failed to persist restart-interrupted job %s: %v", id, err)
			}
			recovered++
		}
		store.jobs[id] = job
	}

	if recovered > 0 {
		log.Printf("[JobStore] marked %d in-flight job(s) as restart-interrupted on startup", recovered)
	}

	return store, nil
}

// Upsert stores job (overwriting any previous copy) and writes it
// through to disk.
func (s *Store) Upsert(job *jobmodel.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.JobID] = job
	return s.storage.WriteJob(job)
}

// Get returns a deep-enough copy of the job, or false if it doesn't
// exist. Callers never receive a pointer aliasing the internal map.
func (s *Store) Get(jobID string) (*jobmodel.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// List returns a copy of every job, in no particular order — callers
// that need ordering (e.g. history, newest first) sort the result.
func (s *Store) List() []*jobmodel.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*jobmodel.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	return out
}

// Delete removes a job from memory and disk.
func (s *Store) Delete(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, jobID)
	return s.storage.DeleteJob(jobID)
}

// ClearCompleted removes every completed job (and, when includeFailed is
// true, every failed job too) from memory and disk. Queued and
// processing jobs are never removed — clearing history must never drop
// active work. Returns the count removed.
func (s *Store) ClearCompleted(includeFailed bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.Status != jobmodel.StatusCompleted && !(includeFailed && job.Status == jobmodel.StatusFailed) {
			continue
		}
		if err := s.storage.DeleteJob(id); err != nil {
			return removed, fmt.Errorf("jobstore: failed to delete job %s: %w", id, err)
		}
		delete(s.jobs, id)
		removed++
	}
	return removed, nil
}
