package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"

	"github.com/marcy-dev/dash-pipeline/internal/config"
	"github.com/marcy-dev/dash-pipeline/internal/logger"
	"github.com/marcy-dev/dash-pipeline/pkg/models"
)

var tracer = otel.Tracer("dash-trigger")

// MaxRequestBodySize bounds the delivery envelope, which only carries the
// asset name.
const MaxRequestBodySize = 1 << 20 // 1 MB

// Processor turns one raw delivery body into a terminal outcome.
type Processor interface {
	Process(ctx context.Context, body []byte) models.Outcome
}

// Handlers contains the trigger surface's HTTP handlers.
type Handlers struct {
	cfg       *config.Config
	log       *slog.Logger
	processor Processor
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Config    *config.Config
	Logger    *slog.Logger
	Processor Processor
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	return &Handlers{
		cfg:       cfg.Config,
		log:       cfg.Logger,
		processor: cfg.Processor,
	}
}

// ProcessVideoHandler accepts one push delivery and runs the pipeline for
// it synchronously. The status code drives the queue's redelivery decision:
// 200 acknowledges the message, any 5xx makes the subscription redeliver
// after its backoff.
func (h *Handlers) ProcessVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "process-video-request")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBodySize))
	if err != nil {
		logger.Error(ctx, h.log, "Failed to read delivery body", "error", err)
		// An unreadable body could still be a valid message; let the
		// subscription try again.
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	outcome := h.processor.Process(ctx, body)
	if outcome == models.OutcomeRetry {
		http.Error(w, "Processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
