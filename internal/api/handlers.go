package api

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/facadeworks/elevsync/internal/db"
	"github.com/facadeworks/elevsync/internal/jobs"
	"github.com/facadeworks/elevsync/internal/logger"
	"github.com/facadeworks/elevsync/internal/storage"
	"github.com/go-chi/chi/v5"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

type submitResponse struct {
	JobID string     `json:"job_id"`
	State jobs.State `json:"state"`
}

func (s *Server) handleSubmitSync(w http.ResponseWriter, r *http.Request) {
	busy, err := s.syncer.SyncInProgress(r.Context())
	if err != nil {
		logger.Ctx(r.Context()).Error("failed to check sync lock", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to submit job")
		return
	}
	if busy {
		respondError(w, http.StatusConflict, "A sync is already running")
		return
	}

	job, err := s.runner.Submit(jobs.KindSync, "", func(ctx context.Context) (any, error) {
		return s.syncer.SyncAll(ctx)
	})
	if err != nil {
		s.respondSubmitError(w, r, err)
		return
	}
	logger.Ctx(r.Context()).Info("sync submitted", "job_id", job.ID)
	respondJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, State: job.State})
}

func (s *Server) handleSubmitParse(w http.ResponseWriter, r *http.Request) {
	id, ok := elevationID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetElevationWithGlass(r.Context(), id); err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	job, err := s.runner.Submit(jobs.KindParse, strconv.FormatInt(id, 10), func(ctx context.Context) (any, error) {
		res, err := s.parser.Parse(ctx, id)
		if res == nil {
			return nil, err
		}
		if err == nil && !res.Success {
			err = errors.New(res.Error)
		}
		return res, err
	})
	if err != nil {
		s.respondSubmitError(w, r, err)
		return
	}
	logger.Ctx(r.Context()).Info("parse submitted", "job_id", job.ID, "elevation_id", id)
	respondJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, State: job.State})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.runner.Get(chi.URLParam(r, "jobId"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"jobs": s.runner.List()})
}

func (s *Server) handleListSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.store.ListSyncRuns(r.Context(), limit)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetSyncRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetSyncRun(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetElevation(w http.ResponseWriter, r *http.Request) {
	id, ok := elevationID(w, r)
	if !ok {
		return
	}
	e, err := s.store.GetElevationWithGlass(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (s *Server) handleGetThumbnail(w http.ResponseWriter, r *http.Request) {
	id, ok := elevationID(w, r)
	if !ok {
		return
	}
	e, err := s.store.GetElevationWithGlass(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	if s.opts.Thumbnails == nil || e.ThumbnailKey == nil {
		respondError(w, http.StatusNotFound, "Thumbnail not found")
		return
	}

	data, err := s.opts.Thumbnails.Download(r.Context(), *e.ThumbnailKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			respondError(w, http.StatusNotFound, "Thumbnail not found")
			return
		}
		logger.Ctx(r.Context()).Error("failed to read thumbnail", "error", err, "key", *e.ThumbnailKey)
		respondError(w, http.StatusBadGateway, "Failed to read thumbnail")
		return
	}

	contentType := mime.TypeByExtension(path.Ext(*e.ThumbnailKey))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func elevationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "Invalid elevation id")
		return 0, false
	}
	return id, true
}

func (s *Server) respondSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobs.ErrSyncRunning):
		respondError(w, http.StatusConflict, "A sync is already running")
	case errors.Is(err, jobs.ErrTargetBusy):
		respondError(w, http.StatusConflict, "A parse of this elevation is already running")
	case errors.Is(err, jobs.ErrShuttingDown):
		respondError(w, http.StatusServiceUnavailable, "Server is shutting down")
	default:
		logger.Ctx(r.Context()).Error("failed to submit job", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to submit job")
	}
}

func (s *Server) respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, db.ErrElevationNotFound):
		respondError(w, http.StatusNotFound, "Elevation not found")
	case errors.Is(err, db.ErrSyncRunNotFound):
		respondError(w, http.StatusNotFound, "Sync run not found")
	default:
		logger.Ctx(r.Context()).Error("store query failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}
