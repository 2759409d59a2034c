package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/bobarin/renderqueue/internal/jobmodel"
	"github.com/bobarin/renderqueue/internal/renderqueue"
)

// CreateRenderRequest is the body of POST /renders.
type CreateRenderRequest struct {
	TrackID        string  `json:"track_id" validate:"required"`
	Title          string  `json:"title" validate:"required"`
	Artist         string  `json:"artist" validate:"required"`
	AlbumID        *string `json:"album_id,omitempty"`
	AlbumArtURL    string  `json:"album_art_url" validate:"required,url"`
	YoutubeVideoID *string `json:"youtube_video_id,omitempty"`
}

// CreateRenderResponse is the body of a successful POST /renders.
type CreateRenderResponse struct {
	JobID    string          `json:"job_id"`
	Status   jobmodel.Status `json:"status"`
	CacheHit bool            `json:"cache_hit"`
	PollURL  string          `json:"poll_url"`
}

// RenderStatusResponse is the body of GET /renders/{job_id}.
type RenderStatusResponse struct {
	JobID            string          `json:"job_id"`
	Status           jobmodel.Status `json:"status"`
	Phase            jobmodel.Phase  `json:"phase"`
	Progress         int             `json:"progress"`
	Track            jobmodel.Track  `json:"track"`
	Result           jobmodel.Result `json:"result"`
	Error            jobmodel.Error  `json:"error"`
	QueuePosition    int             `json:"queue_position"`
	EstimatedWaitSec int             `json:"estimated_wait_sec"`
}

// HistoryResponse is the body of GET /renders/history.
type HistoryResponse struct {
	Items []*jobmodel.Job `json:"items"`
}

// Handler wires HTTP requests onto the render queue service.
type Handler struct {
	queue    *renderqueue.Service
	validate *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(q *renderqueue.Service) *Handler {
	return &Handler{
		queue:    q,
		validate: validator.New(),
	}
}

// CreateRender handles POST /renders.
func (h *Handler) CreateRender(w http.ResponseWriter, r *http.Request) {
	var req CreateRenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	job, cacheHit, err := h.queue.CreateJob(r.Context(), renderqueue.CreateRequest{
		TrackID:        req.TrackID,
		Title:          req.Title,
		Artist:         req.Artist,
		AlbumID:        req.AlbumID,
		AlbumArtURL:    req.AlbumArtURL,
		YoutubeVideoID: req.YoutubeVideoID,
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, "failed to create render job: "+err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, CreateRenderResponse{
		JobID:    job.JobID,
		Status:   job.Status,
		CacheHit: cacheHit,
		PollURL:  "/renders/" + job.JobID,
	})
}

// GetRender handles GET /renders/{job_id}.
func (h *Handler) GetRender(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	job, queuePosition, estimatedWaitSec, ok := h.queue.GetJob(jobID)
	if !ok {
		respondError(w, http.StatusNotFound, "render job not found")
		return
	}

	respondJSON(w, http.StatusOK, RenderStatusResponse{
		JobID:            job.JobID,
		Status:           job.Status,
		Phase:            job.Phase,
		Progress:         job.Progress,
		Track:            job.Track,
		Result:           job.Result,
		Error:            job.Error,
		QueuePosition:    queuePosition,
		EstimatedWaitSec: estimatedWaitSec,
	})
}

// ListRenderHistory handles GET /renders/history?limit=1..50&include_failed=bool.
func (h *Handler) ListRenderHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	includeFailed, _ := strconv.ParseBool(r.URL.Query().Get("include_failed"))

	jobs := h.queue.ListHistory(limit, includeFailed)
	respondJSON(w, http.StatusOK, HistoryResponse{Items: jobs})
}

// ClearRenderHistory handles DELETE /renders/history?include_failed=bool.
func (h *Handler) ClearRenderHistory(w http.ResponseWriter, r *http.Request) {
	includeFailed, _ := strconv.ParseBool(r.URL.Query().Get("include_failed"))

	count, err := h.queue.ClearHistory(includeFailed)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to clear history: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"deleted_count": count})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
