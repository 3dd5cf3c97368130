// Package trigger exposes the pipeline over HTTP for cron schedulers
// and manual reruns.
//
// Every mutating route is guarded by a shared-secret header. The
// secret comparison is constant-time over fixed-length digests, and
// every mismatch cause (missing header, wrong length, wrong bytes)
// produces a byte-identical 401 response.
package trigger

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	cperr "github.com/ayatsuji/collabpress/pkg/collabpress/errors"
	"github.com/ayatsuji/collabpress/pkg/collabpress/key"
	"github.com/ayatsuji/collabpress/pkg/collabpress/pipeline"
)

// SecretHeader carries the shared secret on every request.
const SecretHeader = "X-Collabpress-Token"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Processor is the pipeline surface the handler drives.
// *pipeline.Orchestrator implements it.
type Processor interface {
	Process(ctx context.Context, input pipeline.Input) (*pipeline.Outcome, error)
	Regenerate(ctx context.Context, canonicalKey string) error
	SweepPending(ctx context.Context, olderThan time.Duration) (pipeline.SweepReport, error)
}

// EventRequest is the POST /v1/events payload.
type EventRequest struct {
	WorkTitle     string `json:"workTitle"`
	StoreName     string `json:"storeName"`
	EventTypeName string `json:"eventTypeName"`
	Year          int    `json:"year"`
	Title         string `json:"title"`
	Content       string `json:"content"`
}

// EventResponse is the success payload for a processed event.
type EventResponse struct {
	RunID        string `json:"runId"`
	CanonicalKey string `json:"canonicalKey"`
	PostID       string `json:"postId"`
	PullNumber   int    `json:"pullNumber"`
	PullURL      string `json:"pullUrl"`
	Branch       string `json:"branch"`
	Path         string `json:"path"`
}

// RegenerateRequest is the POST /v1/regenerate payload.
type RegenerateRequest struct {
	CanonicalKey string `json:"canonicalKey"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Handler serves the trigger API.
type Handler struct {
	processor  Processor
	secretHash [sha256.Size]byte
	logger     *slog.Logger
}

// NewHandler creates a Handler guarding all mutating routes with the
// given shared secret.
func NewHandler(processor Processor, secret string, logger *slog.Logger) (*Handler, error) {
	if secret == "" {
		return nil, errors.New("trigger handler requires a shared secret")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		processor:  processor,
		secretHash: sha256.Sum256([]byte(secret)),
		logger:     logger,
	}, nil
}

// Mux returns the route table.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /v1/events", h.authorized(h.handleEvent))
	mux.HandleFunc("POST /v1/regenerate", h.authorized(h.handleRegenerate))
	mux.HandleFunc("POST /v1/sweep", h.authorized(h.handleSweep))
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorized wraps a handler with the shared-secret check. Hashing
// both sides first makes the comparison length-independent, so a
// missing, short, or wrong header all take the same path to the same
// response.
func (h *Handler) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presented := sha256.Sum256([]byte(r.Header.Get(SecretHeader)))
		if subtle.ConstantTimeCompare(presented[:], h.secretHash[:]) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: cperr.KindValidation.String()})
		return
	}

	outcome, err := h.processor.Process(r.Context(), pipeline.Input{
		Identity: key.RawIdentity{
			WorkTitle:     req.WorkTitle,
			StoreName:     req.StoreName,
			EventTypeName: req.EventTypeName,
			Year:          req.Year,
		},
		Title:   req.Title,
		Content: []byte(req.Content),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, EventResponse{
		RunID:        outcome.RunID,
		CanonicalKey: outcome.Record.CanonicalKey,
		PostID:       outcome.Record.PostID,
		PullNumber:   outcome.Publication.Number,
		PullURL:      outcome.Publication.URL,
		Branch:       outcome.Publication.Branch,
		Path:         outcome.Publication.Path,
	})
}

func (h *Handler) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req RegenerateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: cperr.KindValidation.String()})
		return
	}
	if req.CanonicalKey == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "canonicalKey is required", Kind: cperr.KindValidation.String()})
		return
	}

	if err := h.processor.Regenerate(r.Context(), req.CanonicalKey); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"canonicalKey": req.CanonicalKey, "status": "deleted"})
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.processor.SweepPending(r.Context(), 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// writeError maps a classified error onto its HTTP-equivalent status.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := cperr.HTTPStatusOf(err)
	kind := cperr.KindOf(err)

	if status >= 500 {
		h.logger.Error("trigger request failed",
			slog.String("error", err.Error()),
			slog.String("kind", kind.String()),
		)
		// Internal detail stays out of the response body.
		writeJSON(w, status, errorResponse{Error: "internal error", Kind: kind.String()})
		return
	}

	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind.String()})
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
