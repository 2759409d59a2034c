// Package jobmodel defines the render Job data model shared across the
// storage, job-store, and queue-service layers.
package jobmodel

import "time"

// Status is the coarse lifecycle state of a Job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Phase is the fine-grained worker stage. Each phase maps to a fixed
// progress value — see renderqueue.PhaseProgress.
type Phase string

const (
	PhaseQueued         Phase = "queued"
	PhasePreparing      Phase = "preparing"
	PhasePrompting      Phase = "prompting"
	PhaseSampling       Phase = "sampling"
	PhaseAssembling     Phase = "assembling"
	PhasePostprocessing Phase = "postprocessing"
	PhaseDone           Phase = "done"
	PhaseError          Phase = "error"
)

// Track is the client-supplied descriptor for a render. It is opaque to
// the core subsystem.
type Track struct {
	TrackID         string  `json:"track_id"`
	Title           string  `json:"title"`
	Artist          string  `json:"artist"`
	AlbumID         *string `json:"album_id,omitempty"`
	AlbumArtURL     string  `json:"album_art_url"`
	YoutubeVideoID  *string `json:"youtube_video_id,omitempty"`
}

// Result carries the location of the rendered artifacts once a job
// completes.
type Result struct {
	VideoURL     *string `json:"video_url,omitempty"`
	ThumbnailURL *string `json:"thumbnail_url,omitempty"`
	CacheKey     *string `json:"cache_key,omitempty"`
}

// Error carries the taxonomy code and message for a failed job.
type Error struct {
	Code    *string `json:"code,omitempty"`
	Message *string `json:"message,omitempty"`
}

// Job is a unit of rendering work. See spec.md §3 for the invariants
// that every mutation of a Job must preserve.
type Job struct {
	JobID         string    `json:"job_id"`
	Status        Status    `json:"status"`
	Phase         Phase     `json:"phase"`
	Progress      int       `json:"progress"`
	Track         Track     `json:"track"`
	Result        Result    `json:"result"`
	Error         Error     `json:"error"`
	CacheKey      string    `json:"cache_key"`
	ImageFilename *string   `json:"image_filename"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a deep-enough copy of the Job safe to hand to a caller
// without risking later mutation of the internal, lock-protected copy.
func (j *Job) Clone() *Job {
	cp := *j
	if j.ImageFilename != nil {
		v := *j.ImageFilename
		cp.ImageFilename = &v
	}
	if j.Track.AlbumID != nil {
		v := *j.Track.AlbumID
		cp.Track.AlbumID = &v
	}
	if j.Track.YoutubeVideoID != nil {
		v := *j.Track.YoutubeVideoID
		cp.Track.YoutubeVideoID = &v
	}
	if j.Result.VideoURL != nil {
		v := *j.Result.VideoURL
		cp.Result.VideoURL = &v
	}
	if j.Result.ThumbnailURL != nil {
		v := *j.Result.ThumbnailURL
		cp.Result.ThumbnailURL = &v
	}
	if j.Result.CacheKey != nil {
		v := *j.Result.CacheKey
		cp.Result.CacheKey = &v
	}
	if j.Error.Code != nil {
		v := *j.Error.Code
		cp.Error.Code = &v
	}
	if j.Error.Message != nil {
		v := *j.Error.Message
		cp.Error.Message = &v
	}
	return &cp
}

// StrPtr is a small convenience used throughout the package to build
// optional string fields inline.
func StrPtr(s string) *string { return &s }
