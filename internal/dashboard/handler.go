package dashboard

import (
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/mschirtzinger/vidpush/internal/engine"
	"github.com/mschirtzinger/vidpush/internal/tracker"
	"github.com/mschirtzinger/vidpush/internal/upload"
	"github.com/mschirtzinger/vidpush/internal/watch"
)

// ObservationData describes one classified observation
type ObservationData struct {
	Path           string `json:"path"`
	Name           string `json:"name"`
	Op             string `json:"op"`             // create, modify, delete
	Classification string `json:"classification"` // new, modified, ready, pending, gone
	Fingerprint    string `json:"fingerprint,omitempty"`
	Size           int64  `json:"size,omitempty"`
	Cycle          uint64 `json:"cycle,omitempty"`
}

// UploadData describes an upload job and, once finished, its outcome
type UploadData struct {
	JobID    string `json:"job_id"`
	Path     string `json:"path"`
	Name     string `json:"name"`
	URL      string `json:"url"` // query string stripped
	Provider string `json:"provider"`
	Attempt  int    `json:"attempt"`

	Stage      string `json:"stage,omitempty"`
	Bytes      int64  `json:"bytes,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CycleData describes a completed polling cycle
type CycleData struct {
	Cycle      uint64 `json:"cycle"`
	Candidates int    `json:"candidates"`
	Errors     int    `json:"errors"`
	DurationMS int64  `json:"duration_ms"`
}

// Handler turns engine activity into dashboard messages.
// It implements engine.Observer.
type Handler struct {
	server *Server
	logger *log.Logger
}

var _ engine.Observer = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = server.logger
	}
	return &Handler{server: server, logger: logger}
}

// OnObservation implements engine.Observer.
func (h *Handler) OnObservation(obs watch.Observation, class tracker.Classification) {
	data := ObservationData{
		Path:           obs.Path,
		Name:           filepath.Base(obs.Path),
		Op:             obs.Op.String(),
		Classification: class.String(),
		Size:           obs.Size,
		Cycle:          obs.Cycle,
	}
	if obs.HasFingerprint {
		data.Fingerprint = fmt.Sprintf("%08x", obs.Fingerprint)
	}
	h.send(MessageTypeObservation, data)
}

// OnUploadStarted implements engine.Observer.
func (h *Handler) OnUploadStarted(job upload.Job) {
	h.send(MessageTypeUploadStarted, jobData(job))
	h.broadcastStats()
}

// OnUploadFinished implements engine.Observer.
func (h *Handler) OnUploadFinished(out upload.Outcome) {
	data := jobData(out.Job)
	data.Stage = string(out.Stage)
	data.Bytes = out.Bytes
	data.DurationMS = out.Duration.Milliseconds()
	data.Deleted = out.Deleted

	typ := MessageTypeUploadComplete
	if !out.Uploaded() {
		typ = MessageTypeUploadFailed
	}
	if out.Err != nil {
		data.Error = out.Err.Error()
	}

	h.send(typ, data)
	h.broadcastStats()
}

// OnCycle implements engine.Observer.
func (h *Handler) OnCycle(summary watch.CycleSummary) {
	h.send(MessageTypeCycleComplete, CycleData{
		Cycle:      summary.Cycle,
		Candidates: summary.Candidates,
		Errors:     summary.Errors,
		DurationMS: summary.Duration.Milliseconds(),
	})
	h.broadcastStats()
}

func (h *Handler) broadcastStats() {
	if h.server.stats == nil {
		return
	}
	msg, err := h.server.statsMessage()
	if err != nil {
		h.logger.Printf("Failed to build stats: %v", err)
		return
	}
	h.server.Broadcast(msg)
}

func (h *Handler) send(typ MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

func jobData(job upload.Job) UploadData {
	return UploadData{
		JobID:    job.ID,
		Path:     job.Path,
		Name:     job.Name,
		URL:      job.RedactedURL(),
		Provider: job.Provider,
		Attempt:  job.Attempt,
	}
}
