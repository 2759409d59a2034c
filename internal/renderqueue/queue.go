package renderqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/renderqueue/internal/comfy"
	"github.com/bobarin/renderqueue/internal/jobmodel"
	"github.com/bobarin/renderqueue/internal/jobstore"
	"github.com/bobarin/renderqueue/internal/storage"
)

// renderer is the subset of comfy.Client that the queue worker depends
// on; it exists so tests can substitute a fake inference backend.
type renderer interface {
	Render(ctx context.Context, imageFilename, cacheKey, renderDir string, timeout time.Duration, onPhase comfy.PhaseFunc, onSampling comfy.SamplingFunc) (videoPath, thumbPath string, err error)
}

// Service is the single-worker FIFO render queue. Exactly one
// goroutine drains the pending list and drives each job through the
// inference client, so two renders never run concurrently.
type Service struct {
	store   *jobstore.Store
	storage *storage.Storage
	comfy   renderer

	workflowVersion string
	renderPreset    string
	renderTimeout   time.Duration
	estimatedJobSec int

	mu      sync.Mutex
	pending []string
	wake    chan struct{}

	wg sync.WaitGroup
}

// New constructs a Service. Call Start to launch the worker goroutine.
func New(store *jobstore.Store, s *storage.Storage, client renderer, workflowVersion, renderPreset string, renderTimeout time.Duration, estimatedJobSec int) *Service {
	return &Service{
		store:           store,
		storage:         s,
		comfy:           client,
		workflowVersion: workflowVersion,
		renderPreset:    renderPreset,
		renderTimeout:   renderTimeout,
		estimatedJobSec: estimatedJobSec,
		wake:            make(chan struct{}),
	}
}

// Start launches the single worker goroutine. It also re-enqueues no
// jobs on its own — jobstore.New already resolved any in-flight job
// left over from a prior run into RESTART_INTERRUPTED, per spec.
func (q *Service) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(ctx)
	}()
}

// Stop blocks until the worker goroutine has exited. Callers cancel
// the context passed to Start first.
func (q *Service) Stop() {
	q.wg.Wait()
}

func (q *Service) run(ctx context.Context) {
	for {
		jobID, ok := q.dequeue(ctx)
		if !ok {
			return
		}
		q.process(ctx, jobID)
	}
}

func (q *Service) enqueue(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, jobID)
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Service) dequeue(ctx context.Context) (string, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			id := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return id, true
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return "", false
		}
	}
}

// queuePosition returns the 1-based position of jobID in the pending
// list, or 0 if it is not currently waiting (already processing, or
// not queued at all).
func (q *Service) queuePosition(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, id := range q.pending {
		if id == jobID {
			return i + 1
		}
	}
	return 0
}

// CreateRequest is the client-supplied payload for a new render.
type CreateRequest struct {
	TrackID        string
	Title          string
	Artist         string
	AlbumID        *string
	AlbumArtURL    string
	YoutubeVideoID *string
}

// CreateJob resolves the cache-hit fast path or enqueues a new render.
// When the client supplies an album identity, the cache is checked
// against that identity before any network fetch of the artwork —
// the whole point of the fast path is to skip the fetch on a hit.
// cacheHit reports whether the job was satisfied immediately from an
// existing cache entry rather than queued for a new render.
func (q *Service) CreateJob(ctx context.Context, req CreateRequest) (job *jobmodel.Job, cacheHit bool, err error) {
	track := jobmodel.Track{
		TrackID:        req.TrackID,
		Title:          req.Title,
		Artist:         req.Artist,
		AlbumID:        req.AlbumID,
		AlbumArtURL:    req.AlbumArtURL,
		YoutubeVideoID: req.YoutubeVideoID,
	}

	var albumIdentity string
	if req.AlbumID != nil {
		albumIdentity = *req.AlbumID
	}

	if albumIdentity != "" {
		cacheKey := storage.ComputeCacheKey(nil, q.workflowVersion, q.renderPreset, albumIdentity)
		if q.storage.CacheExists(cacheKey) {
			return q.newCacheHitJob(track, cacheKey)
		}
	}

	artBytes, ext, downloadErr := q.storage.DownloadAlbumArt(ctx, req.AlbumArtURL)
	if downloadErr != nil {
		return nil, false, downloadErr
	}

	cacheKey := storage.ComputeCacheKey(artBytes, q.workflowVersion, q.renderPreset, albumIdentity)
	if q.storage.CacheExists(cacheKey) {
		return q.newCacheHitJob(track, cacheKey)
	}

	imageFilename, persistErr := q.storage.PersistAlbumArt(artBytes, cacheKey, ext)
	if persistErr != nil {
		return nil, false, persistErr
	}
	track.AlbumArtURL = q.storage.StagedInputURL(imageFilename)

	now := time.Now()
	newJob := &jobmodel.Job{
		JobID:         uuid.NewString(),
		Status:        jobmodel.StatusQueued,
		Phase:         jobmodel.PhaseQueued,
		Progress:      PhaseProgress[jobmodel.PhaseQueued],
		Track:         track,
		CacheKey:      cacheKey,
		ImageFilename: &imageFilename,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := q.store.Upsert(newJob); err != nil {
		return nil, false, fmt.Errorf("renderqueue: failed to persist new job: %w", err)
	}
	q.enqueue(newJob.JobID)

	return newJob.Clone(), false, nil
}

func (q *Service) newCacheHitJob(track jobmodel.Track, cacheKey string) (*jobmodel.Job, bool, error) {
	videoURL, thumbURL := q.storage.ResultURLs(cacheKey)
	now := time.Now()
	job := &jobmodel.Job{
		JobID:     uuid.NewString(),
		Status:    jobmodel.StatusCompleted,
		Phase:     jobmodel.PhaseDone,
		Progress:  PhaseProgress[jobmodel.PhaseDone],
		Track:     track,
		CacheKey:  cacheKey,
		CreatedAt: now,
		UpdatedAt: now,
		Result: jobmodel.Result{
			VideoURL:     &videoURL,
			ThumbnailURL: &thumbURL,
			CacheKey:     &cacheKey,
		},
	}

	if err := q.store.Upsert(job); err != nil {
		return nil, false, fmt.Errorf("renderqueue: failed to persist cache-hit job: %w", err)
	}
	return job.Clone(), true, nil
}

// process drives a single queued job through the inference client,
// updating job state on every phase/sampling callback.
func (q *Service) process(ctx context.Context, jobID string) {
	job, ok := q.store.Get(jobID)
	if !ok {
		log.Printf("[RenderQueue] job %s vanished before processing started", jobID)
		return
	}

	job.Status = jobmodel.StatusProcessing
	job.UpdatedAt = time.Now()
	if err := q.store.Upsert(job); err != nil {
		log.Printf("[RenderQueue] failed to mark job %s processing: %v", jobID, err)
	}

	imageFilename := ""
	if job.ImageFilename != nil {
		imageFilename = *job.ImageFilename
	}
	renderDir := q.storage.RenderDir(job.CacheKey)

	onPhase := func(phase jobmodel.Phase) {
		current, ok := q.store.Get(jobID)
		if !ok {
			return
		}
		ApplyPhase(current, phase)
		if err := q.store.Upsert(current); err != nil {
			log.Printf("[RenderQueue] failed to persist phase update for job %s: %v", jobID, err)
		}
	}
	onSampling := func(ratio float64) {
		current, ok := q.store.Get(jobID)
		if !ok {
			return
		}
		ApplySamplingRatio(current, ratio)
		if err := q.store.Upsert(current); err != nil {
			log.Printf("[RenderQueue] failed to persist sampling progress for job %s: %v", jobID, err)
		}
	}

	start := time.Now()
	videoPath, thumbPath, err := q.comfy.Render(ctx, imageFilename, job.CacheKey, renderDir, q.renderTimeout, onPhase, onSampling)

	final, ok := q.store.Get(jobID)
	if !ok {
		return
	}

	if err != nil {
		code, message := describeRenderError(err)
		Fail(final, code, message)
		if upsertErr := q.store.Upsert(final); upsertErr != nil {
			log.Printf("[RenderQueue] failed to persist failed job %s: %v", jobID, upsertErr)
		}
		log.Printf("[RenderQueue] job %s failed: %s", jobID, message)
		return
	}

	meta := storage.MetaDoc{
		Track:           final.Track,
		CacheKey:        final.CacheKey,
		VideoPath:       videoPath,
		ThumbPath:       thumbPath,
		ElapsedSec:      time.Since(start).Seconds(),
		WorkflowVersion: q.workflowVersion,
		RenderPreset:    q.renderPreset,
		CreatedAt:       start.UTC().Format(time.RFC3339),
	}
	if err := q.storage.WriteMeta(final.CacheKey, meta); err != nil {
		log.Printf("[RenderQueue] failed to write meta document for job %s: %v", jobID, err)
	}

	videoURL, thumbURL := q.storage.ResultURLs(final.CacheKey)
	cacheKey := final.CacheKey
	Complete(final, jobmodel.Result{
		VideoURL:     &videoURL,
		ThumbnailURL: &thumbURL,
		CacheKey:     &cacheKey,
	})
	if err := q.store.Upsert(final); err != nil {
		log.Printf("[RenderQueue] failed to persist completed job %s: %v", jobID, err)
	}
}

func describeRenderError(err error) (code, message string) {
	var comfyErr *comfy.Error
	if errors.As(err, &comfyErr) {
		return string(comfyErr.Code), comfyErr.Message
	}
	return "COMFY_EXEC_ERROR", err.Error()
}

// GetJob returns a snapshot of a job plus, when it is still waiting in
// the pending list, its 1-based queue position and a rough estimated
// wait in seconds.
func (q *Service) GetJob(jobID string) (job *jobmodel.Job, queuePosition int, estimatedWaitSec int, ok bool) {
	job, ok = q.store.Get(jobID)
	if !ok {
		return nil, 0, 0, false
	}

	position := q.queuePosition(jobID)
	if position > 0 {
		estimatedWaitSec = position * q.estimatedJobSec
	}
	return job, position, estimatedWaitSec, true
}

// ListHistory returns up to limit completed jobs (and, when
// includeFailed is true, failed jobs too) sorted by (updated_at,
// created_at) descending, newest first. Queued and processing jobs are
// never included — history is a record of finished work. A limit
// below 1 falls back to 6; a limit above 50 is capped at 50.
func (q *Service) ListHistory(limit int, includeFailed bool) []*jobmodel.Job {
	switch {
	case limit < 1:
		limit = 6
	case limit > 50:
		limit = 50
	}

	jobs := q.store.List()
	filtered := jobs[:0]
	for _, job := range jobs {
		keep := job.Status == jobmodel.StatusCompleted || (includeFailed && job.Status == jobmodel.StatusFailed)
		if !keep {
			continue
		}
		filtered = append(filtered, job)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].UpdatedAt.Equal(filtered[j].UpdatedAt) {
			return filtered[i].UpdatedAt.After(filtered[j].UpdatedAt)
		}
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}

// ClearHistory removes completed jobs (and, when includeFailed is true,
// failed jobs too) from history. Queued and processing jobs are never
// removed. Returns the count removed.
func (q *Service) ClearHistory(includeFailed bool) (int, error) {
	return q.store.ClearCompleted(includeFailed)
}
