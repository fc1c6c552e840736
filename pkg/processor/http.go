package processor

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/offramp-middleware/pkg/app/errors"
	apphttp "github.com/chainsafe/offramp-middleware/pkg/app/http"
	"github.com/chainsafe/offramp-middleware/pkg/auth"
)

// TriggerExternal labels passes started by an external scheduler through the HTTP trigger
const TriggerExternal = "external"

// Runner runs one pass
type Runner interface {
	RunPass(ctx context.Context, trigger string) (*PassResult, error)
}

type passResponse struct {
	Processed  int     `json:"processed"`
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	DurationMs float64 `json:"duration_ms"`
}

// HTTP exposes the pass trigger
type HTTP struct {
	runner  Runner
	trigger string
	logger  *zap.Logger
}

// RegisterRoutes registers POST /batch/run. trigger labels the passes in metrics.
func RegisterRoutes(r chi.Router, runner Runner, trigger string, logger *zap.Logger) {
	h := &HTTP{runner: runner, trigger: trigger, logger: logger}
	r.Post("/batch/run", apphttp.HandleError(h.run))
}

func (h *HTTP) run(w http.ResponseWriter, r *http.Request) error {
	actor, _ := auth.ActorFromContext(r.Context())

	// A client disconnect must not abort steps that are mid-flight.
	res, err := h.runner.RunPass(context.WithoutCancel(r.Context()), h.trigger)
	if errors.Is(err, ErrPassInProgress) {
		return apperrors.ConflictError(err, "a processing pass is already running")
	}
	if err != nil {
		return apperrors.DependencyError(err, "processing pass failed")
	}

	h.logger.Info("Pass triggered over HTTP",
		zap.String("trigger", h.trigger),
		zap.String("actor", actor),
		zap.Int("processed", res.Processed))

	apphttp.WriteJSON(w, http.StatusOK, passResponse{
		Processed:  res.Processed,
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
		Skipped:    res.Skipped,
		DurationMs: float64(res.Duration.Microseconds()) / 1000,
	})
	return nil
}
