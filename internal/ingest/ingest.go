// Package ingest accepts challenge tasks from the inbound webhook,
// fetches and verifies their sources, registers them as ready work, and
// propagates cancellations. The webhook returns 200 on accepted intake;
// download and registration happen asynchronously and report their
// failures through the status sets, not the HTTP response.
package ingest

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/trailofbits/buttercup-crs-core/internal/queue"
	"github.com/trailofbits/buttercup-crs-core/internal/registry"
)

// TaskDelivery is one task as the webhook delivers it. Timestamps are
// epoch milliseconds.
type TaskDelivery struct {
	TaskID            string               `json:"task_id"`
	Type              string               `json:"type"`
	Deadline          int64                `json:"deadline"`
	Focus             string               `json:"focus"`
	HarnessesIncluded []string             `json:"harnesses_included"`
	ProjectName       string               `json:"project_name"`
	Source            []registry.SourceRef `json:"source"`
	Metadata          map[string]string    `json:"metadata"`
}

// Message is the webhook's envelope.
type Message struct {
	MessageID   string         `json:"message_id"`
	MessageTime int64          `json:"message_time"`
	Tasks       []TaskDelivery `json:"tasks"`
}

// taskType maps the webhook's lowercase type names onto the registry's.
func taskType(s string) registry.TaskType {
	if s == "delta" {
		return registry.TaskTypeDelta
	}
	return registry.TaskTypeFull
}

// ToTask converts one delivery into a registry Task record, anchored at
// the envelope's message time.
func (d TaskDelivery) ToTask(messageTimeMs int64) registry.Task {
	return registry.Task{
		TaskID:      d.TaskID,
		DeadlineMs:  d.Deadline,
		TaskType:    taskType(d.Type),
		ProjectName: d.ProjectName,
		Focus:       d.Focus,
		Sources:     d.Source,
		Metadata:    d.Metadata,
		CreatedAtMs: messageTimeMs,
	}
}

// Handler is the webhook's HTTP surface: it validates the envelope,
// enqueues it for the ingester worker, and answers 200. Downstream
// failures never surface here.
type Handler struct {
	logger *slog.Logger
	inQ    *queue.Queue[Message]
}

// NewHandler constructs a Handler feeding inQ.
func NewHandler(logger *slog.Logger, inQ *queue.Queue[Message]) *Handler {
	return &Handler{logger: logger, inQ: inQ}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}

	if err := h.inQ.Push(r.Context(), msg); err != nil {
		h.logger.Error("failed to enqueue task message", "message_id", msg.MessageID, "error", err)
		http.Error(w, "intake unavailable", http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("task message accepted", "message_id", msg.MessageID, "tasks", len(msg.Tasks))
	w.WriteHeader(http.StatusOK)
}
