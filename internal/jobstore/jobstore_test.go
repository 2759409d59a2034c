package jobstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bobarin/renderqueue/internal/jobmodel"
	"github.com/bobarin/renderqueue/internal/storage"
)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.New(filepath.Join(dir, "data"), filepath.Join(dir, "comfy-input"))
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	return s
}

func newJob(jobID string, status jobmodel.Status) *jobmodel.Job {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &jobmodel.Job{
		JobID:     jobID,
		Status:    status,
		Phase:     jobmodel.PhaseQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestUpsertAndGetRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	store, err := New(s)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	job := newJob("job-1", jobmodel.StatusQueued)
	if err := store.Upsert(job); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, ok := store.Get("job-1")
	if !ok {
		t.Fatalf("expected job-1 to be found")
	}
	if got.Status != jobmodel.StatusQueued {
		t.Errorf("expected status queued, got %s", got.Status)
	}
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	s := newTestStorage(t)
	store, err := New(s)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	job := newJob("job-1", jobmodel.StatusQueued)
	job.ImageFilename = jobmodel.StrPtr("original.jpg")
	if err := store.Upsert(job); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, _ := store.Get("job-1")
	*got.ImageFilename = "mutated.jpg"

	got2, _ := store.Get("job-1")
	if *got2.ImageFilename != "original.jpg" {
		t.Errorf("expected internal state to be unaffected by caller mutation, got %s", *got2.ImageFilename)
	}
}

func TestNewMarksInFlightJobsRestartInterrupted(t *testing.T) {
	s := newTestStorage(t)

	queuedJob := newJob("queued-job", jobmodel.StatusQueued)
	processingJob := newJob("processing-job", jobmodel.StatusProcessing)
	completedJob := newJob("completed-job", jobmodel.StatusCompleted)

	for _, j := range []*jobmodel.Job{queuedJob, processingJob, completedJob} {
		if err := s.WriteJob(j); err != nil {
			t.Fatalf("WriteJob() error = %v", err)
		}
	}

	store, err := New(s)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, id := range []string{"queued-job", "processing-job"} {
		job, ok := store.Get(id)
		if !ok {
			t.Fatalf("expected %s to be recovered", id)
		}
		if job.Status != jobmodel.StatusFailed {
			t.Errorf("expected %s to be marked failed, got %s", id, job.Status)
		}
		if job.Error.Code == nil || *job.Error.Code != RestartInterruptedCode {
			t.Errorf("expected %s to carry RESTART_INTERRUPTED code", id)
		}
	}

	completed, ok := store.Get("completed-job")
	if !ok {
		t.Fatalf("expected completed-job to be recovered")
	}
	if completed.Status != jobmodel.StatusCompleted {
		t.Errorf("expected completed-job to remain completed, got %s", completed.Status)
	}
}

func TestClearCompletedLeavesActiveJobsByDefault(t *testing.T) {
	s := newTestStorage(t)
	store, err := New(s)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := store.Upsert(newJob("completed", jobmodel.StatusCompleted)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := store.Upsert(newJob("failed", jobmodel.StatusFailed)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := store.Upsert(newJob("queued", jobmodel.StatusQueued)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	count, err := store.ClearCompleted(false)
	if err != nil {
		t.Fatalf("ClearCompleted() error = %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 job cleared, got %d", count)
	}

	if _, ok := store.Get("completed"); ok {
		t.Errorf("expected completed job to be removed")
	}
	if _, ok := store.Get("failed"); !ok {
		t.Errorf("expected failed job to remain without include_failed")
	}
	if _, ok := store.Get("queued"); !ok {
		t.Errorf("expected queued job to remain")
	}
}

func TestClearCompletedIncludingFailed(t *testing.T) {
	s := newTestStorage(t)
	store, err := New(s)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := store.Upsert(newJob("completed", jobmodel.StatusCompleted)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := store.Upsert(newJob("failed", jobmodel.StatusFailed)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := store.Upsert(newJob("queued", jobmodel.StatusQueued)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	count, err := store.ClearCompleted(true)
	if err != nil {
		t.Fatalf("ClearCompleted() error = %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 jobs cleared, got %d", count)
	}
	if _, ok := store.Get("queued"); !ok {
		t.Errorf("expected queued job to remain")
	}
}
