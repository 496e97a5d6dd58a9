package api

import (
	"time"

	"github.com/clipmerge/clipmerge/internal/ffmpeg"
	"github.com/clipmerge/clipmerge/internal/merge"
	"github.com/clipmerge/clipmerge/internal/probe"
	"github.com/clipmerge/clipmerge/internal/session"
)

// OutputURLPrefix is where completed outputs are served.
const OutputURLPrefix = "/videos/"

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeS       int64             `json:"uptime_s"`
	ActiveMerges  int               `json:"active_merges"`
	EventsDropped int64             `json:"events_dropped"`
	Toolchain     *ffmpeg.Toolchain `json:"toolchain,omitempty"`
}

type UploadResponse struct {
	Message  string                `json:"message"`
	Filename string                `json:"filename"`
	Metadata *probe.ClipDescriptor `json:"metadata"`
}

// InvalidClipResponse mirrors a probe rejection: the clip has been deleted.
type InvalidClipResponse struct {
	IsValid bool   `json:"isValid"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

type MergeRequest struct {
	SessionID    string `json:"sessionId"`
	SubscriberID string `json:"subscriberId,omitempty"`
}

type MergeResponse struct {
	Message          string  `json:"message"`
	JobID            string  `json:"jobId"`
	Output           string  `json:"output"`
	Duration         float64 `json:"duration"`
	ExpectedDuration float64 `json:"expectedDuration"`
	Size             int64   `json:"size"`
	DurationMismatch bool    `json:"durationMismatch"`
}

type CleanupResponse struct {
	Message string `json:"message"`
	Removed int    `json:"removed"`
}

type MergeRecordResponse struct {
	ID               string  `json:"id"`
	SessionID        string  `json:"session_id"`
	State            string  `json:"state"`
	Error            string  `json:"error,omitempty"`
	Output           string  `json:"output,omitempty"`
	ExpectedDuration float64 `json:"expected_duration"`
	ActualDuration   float64 `json:"actual_duration"`
	SizeBytes        int64   `json:"size_bytes"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

type SessionFileResponse struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

type SessionResponse struct {
	ID        string                `json:"id"`
	CreatedAt string                `json:"created_at,omitempty"`
	TouchedAt string                `json:"touched_at,omitempty"`
	Merging   bool                  `json:"merging"`
	Files     []SessionFileResponse `json:"files"`
	Merges    []MergeRecordResponse `json:"merges"`
}

type SessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

type SessionSummary struct {
	ID        string `json:"id"`
	Files     int    `json:"files"`
	TouchedAt string `json:"touched_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func OutputURL(name string) string {
	if name == "" {
		return ""
	}
	return OutputURLPrefix + name
}

func MergeRecordToResponse(rec *merge.Record) MergeRecordResponse {
	resp := MergeRecordResponse{
		ID:               rec.ID,
		SessionID:        rec.SessionID,
		State:            string(rec.State),
		Error:            rec.Error,
		ExpectedDuration: rec.ExpectedDuration,
		ActualDuration:   rec.ActualDuration,
		SizeBytes:        rec.SizeBytes,
		CreatedAt:        rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        rec.UpdatedAt.Format(time.RFC3339),
	}
	if rec.OutputPath != "" {
		resp.Output = OutputURL(baseName(rec.OutputPath))
	}
	return resp
}

func FileToResponse(f session.File) SessionFileResponse {
	return SessionFileResponse{
		Name:      baseName(f.Path),
		Role:      string(f.Role),
		CreatedAt: f.CreatedAt.Format(time.RFC3339),
	}
}
