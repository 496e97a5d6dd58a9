package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/clipmerge/clipmerge/internal/events"
	"github.com/clipmerge/clipmerge/internal/ffmpeg"
	"github.com/clipmerge/clipmerge/internal/logging"
	"github.com/clipmerge/clipmerge/internal/merge"
	"github.com/clipmerge/clipmerge/internal/probe"
	"github.com/clipmerge/clipmerge/internal/session"
)

// multipartOverhead is allowed on top of the clip limit for boundaries and
// part headers.
const multipartOverhead = 1 << 20

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSMiddleware(cfg.CORSOrigins))

	r.Get("/health", healthHandler(cfg))
	r.Get("/videos/{name}", videoHandler(cfg))
	r.Head("/videos/{name}", videoHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(APIKeyMiddleware(cfg.APIKey, cfg.Logger))

		r.Post("/upload", uploadHandler(cfg))
		r.Post("/merge", mergeHandler(cfg))
		r.Delete("/cleanup", cleanupHandler(cfg))
		r.Get("/events/{subscriberId}", eventsHandler(cfg))
		r.Get("/sessions", listSessionsHandler(cfg))
		r.Get("/sessions/{id}", getSessionHandler(cfg))
		r.Get("/merges/{id}", getMergeHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "OK",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		}
		if cfg.Sessions != nil {
			resp.ActiveMerges = cfg.Sessions.ActiveMerges()
		}
		if cfg.Doctor != nil {
			resp.Toolchain = cfg.Doctor.Get(r.Context())
		}
		if cfg.Events != nil {
			resp.EventsDropped = cfg.Events.Dropped()
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func uploadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.WithRequestID(cfg.Logger, requestID(r))

		sessionID := r.URL.Query().Get("sessionId")
		if sessionID == "" {
			WriteError(w, http.StatusBadRequest, "sessionId is required", "BAD_REQUEST")
			return
		}
		if !session.ValidID(sessionID) {
			WriteError(w, http.StatusBadRequest, "invalid sessionId", "BAD_REQUEST")
			return
		}

		if cfg.MaxUploadBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes+multipartOverhead)
		}
		part, err := videoPart(r)
		if err != nil {
			writeUploadError(w, err)
			return
		}
		defer part.Close()

		path, err := cfg.Sessions.PutClip(ctx, sessionID, part.FileName(), part)
		if err != nil {
			logger.Warn("upload rejected", "session_id", sessionID, "error", err)
			writeUploadError(w, err)
			return
		}

		desc, err := cfg.Validator.Probe(ctx, path)
		if ffmpeg.IsOperational(err) {
			logger.Error("clip could not be checked", "session_id", sessionID, "file", filepath.Base(path), "error", err)
			kind := merge.KindProcessSpawnFailed
			if errors.Is(err, ffmpeg.ErrTimeout) {
				kind = merge.KindTimeout
			}
			WriteError(w, kind.Status(), "clip could not be checked: "+ffmpeg.ReasonOf(err), strings.ToUpper(string(kind)))
			return
		}
		if err != nil {
			if derr := cfg.Sessions.Discard(context.WithoutCancel(ctx), path); derr != nil {
				logger.Warn("failed to remove invalid clip", "error", derr)
			}
			logger.Info("invalid clip removed", "session_id", sessionID, "file", filepath.Base(path), "reason", ffmpeg.ReasonOf(err))
			WriteJSON(w, http.StatusBadRequest, InvalidClipResponse{
				IsValid: false,
				Error:   clipReason(err),
				Code:    "INVALID_CLIP",
			})
			return
		}

		logger.Info("upload validated",
			"session_id", sessionID,
			"file", filepath.Base(path),
			"duration", desc.Duration,
			"resolution", desc.Resolution,
			"size", humanize.Bytes(uint64(desc.SizeBytes)),
		)
		WriteJSON(w, http.StatusOK, UploadResponse{
			Message:  "upload ok",
			Filename: filepath.Base(path),
			Metadata: desc,
		})
	}
}

var errNoVideoPart = errors.New("no video file in request")

// videoPart returns the multipart part named "video" without buffering the
// request to disk.
func videoPart(r *http.Request) (*multipart.Part, error) {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || ct != "multipart/form-data" {
		return nil, errNoVideoPart
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return nil, errNoVideoPart
		}
		if err != nil {
			return nil, err
		}
		if p.FormName() == "video" && p.FileName() != "" {
			return p, nil
		}
		p.Close()
	}
}

func writeUploadError(w http.ResponseWriter, err error) {
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig), errors.Is(err, session.ErrClipTooBig):
		WriteError(w, http.StatusRequestEntityTooLarge, "file exceeds upload limit", "PAYLOAD_TOO_LARGE")
	case errors.Is(err, errNoVideoPart), errors.Is(err, session.ErrEmptyClip):
		WriteError(w, http.StatusBadRequest, "no file uploaded", "BAD_REQUEST")
	case errors.Is(err, session.ErrInvalidID):
		WriteError(w, http.StatusBadRequest, "invalid sessionId", "BAD_REQUEST")
	case errors.Is(err, session.ErrSessionBusy):
		WriteError(w, http.StatusConflict, "session has a merge in progress", "MERGE_IN_PROGRESS")
	default:
		WriteError(w, http.StatusBadRequest, "upload failed", "BAD_REQUEST")
	}
}

func clipReason(err error) string {
	var perr *probe.Error
	if errors.As(err, &perr) {
		return perr.Reason
	}
	return ffmpeg.ReasonOf(err)
}

func mergeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MergeRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
				WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
				return
			}
		}
		q := r.URL.Query()
		if req.SessionID == "" {
			req.SessionID = q.Get("sessionId")
		}
		if req.SubscriberID == "" {
			req.SubscriberID = q.Get("subscriberId")
		}

		if req.SessionID == "" {
			WriteError(w, http.StatusBadRequest, "sessionId is required", "BAD_REQUEST")
			return
		}
		if !session.ValidID(req.SessionID) {
			WriteError(w, http.StatusBadRequest, "invalid sessionId", "BAD_REQUEST")
			return
		}

		if req.SubscriberID != "" && cfg.Events != nil && cfg.Events.Subscribers(req.SubscriberID) == 0 {
			cfg.Logger.Debug("no event stream open for subscriber", "session_id", req.SessionID, "subscriber", req.SubscriberID)
		}

		// A merge runs to completion even if the client goes away; only the
		// per-process timeouts bound it.
		ctx := context.WithoutCancel(r.Context())
		res, err := cfg.Merger.Merge(ctx, req.SessionID, req.SubscriberID)
		if err != nil {
			var merr *merge.Error
			if errors.As(err, &merr) {
				WriteError(w, merr.Kind.Status(), merr.Error(), strings.ToUpper(string(merr.Kind)))
				return
			}
			cfg.Logger.Error("merge failed", "session_id", req.SessionID, "error", err)
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusOK, MergeResponse{
			Message:          "merge ok",
			JobID:            res.JobID,
			Output:           OutputURL(res.OutputName),
			Duration:         res.Duration,
			ExpectedDuration: res.ExpectedDuration,
			Size:             res.SizeBytes,
			DurationMismatch: res.DurationMismatch,
		})
	}
}

func cleanupHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed := cfg.Cleaner.RunNow(r.Context())
		WriteJSON(w, http.StatusOK, CleanupResponse{Message: "cleanup ok", Removed: removed})
	}
}

func eventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "subscriberId")
		if id == "" || len(id) > 128 {
			WriteError(w, http.StatusBadRequest, "invalid subscriber id", "BAD_REQUEST")
			return
		}
		if err := cfg.Events.Stream(r.Context(), w, id); err != nil {
			if errors.Is(err, events.ErrStreamingUnsupported) {
				WriteError(w, http.StatusInternalServerError, "streaming unsupported", "INTERNAL_ERROR")
				return
			}
			cfg.Logger.Debug("event stream closed", "subscriber", id, "error", err)
		}
	}
}

func videoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := cfg.Playback.ServeOutput(w, r, name); err != nil {
			cfg.Logger.Error("failed to serve output", "file", name, "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to serve file", "INTERNAL_ERROR")
		}
	}
}

func listSessionsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := cfg.Sessions.Registry().Sessions(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list sessions", "INTERNAL_ERROR")
			return
		}
		resp := SessionsResponse{Sessions: make([]SessionSummary, len(sessions))}
		for i, s := range sessions {
			resp.Sessions[i] = SessionSummary{
				ID:        s.ID,
				Files:     s.Files,
				TouchedAt: s.TouchedAt.Format(time.RFC3339),
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := chi.URLParam(r, "id")
		if !session.ValidID(id) {
			WriteError(w, http.StatusBadRequest, "invalid session id", "BAD_REQUEST")
			return
		}

		reg := cfg.Sessions.Registry()
		sess, err := reg.GetSession(ctx, id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to get session", "INTERNAL_ERROR")
			return
		}
		files, err := reg.Files(ctx, id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list session files", "INTERNAL_ERROR")
			return
		}
		recs, err := cfg.Merges.ListBySession(ctx, id, 20)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list merges", "INTERNAL_ERROR")
			return
		}
		merging := cfg.Sessions.InFlight(id)
		if sess == nil && len(recs) == 0 && !merging {
			WriteError(w, http.StatusNotFound, "session not found", "NOT_FOUND")
			return
		}

		resp := SessionResponse{
			ID:      id,
			Merging: merging,
			Files:   make([]SessionFileResponse, len(files)),
			Merges:  make([]MergeRecordResponse, len(recs)),
		}
		if sess != nil {
			resp.CreatedAt = sess.CreatedAt.Format(time.RFC3339)
			resp.TouchedAt = sess.TouchedAt.Format(time.RFC3339)
		}
		for i, f := range files {
			resp.Files[i] = FileToResponse(f)
		}
		for i, rec := range recs {
			resp.Merges[i] = MergeRecordToResponse(rec)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getMergeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, err := cfg.Merges.Get(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to get merge", "INTERNAL_ERROR")
			return
		}
		if rec == nil {
			WriteError(w, http.StatusNotFound, "merge not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, MergeRecordToResponse(rec))
	}
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(RequestIDKey).(string)
	return id
}

func baseName(path string) string {
	return filepath.Base(path)
}
