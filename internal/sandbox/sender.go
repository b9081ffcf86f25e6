package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/crmdispatch/internal/delivery"
)

// Gateway captures campaign mail into Storage instead of relaying it
type Gateway struct {
	storage          *Storage
	logger           *slog.Logger
	simulateErrors   bool
	errorProbability float64 // 0.0 to 1.0
}

var _ delivery.Gateway = (*Gateway)(nil)

func NewGateway(storage *Storage, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gateway{
		storage:          storage,
		logger:           logger.With("component", "sandbox"),
		errorProbability: 0.1,
	}
}

// SetErrorSimulation makes a share of sends fail with a permanent error.
// A probability outside (0, 1] keeps the default of 10%.
func (g *Gateway) SetErrorSimulation(enabled bool, probability float64) {
	g.simulateErrors = enabled
	if probability > 0 && probability <= 1 {
		g.errorProbability = probability
	}
}

func (g *Gateway) Available() bool {
	return true
}

func (g *Gateway) Send(ctx context.Context, msg delivery.Message) delivery.Outcome {
	captured := &Message{
		ID:         uuid.New().String(),
		To:         msg.To,
		Subject:    msg.Subject,
		HTML:       msg.HTML,
		CapturedAt: time.Now(),
	}

	if g.simulateErrors && rand.Float64() < g.errorProbability {
		captured.SimulatedErr = fmt.Sprintf("550 simulated rejection of %s", msg.To)
	}

	if err := g.storage.Save(ctx, captured); err != nil {
		g.logger.Error("failed to capture message", "to", msg.To, "error", err)
		return delivery.Failure(fmt.Sprintf("sandbox capture failed: %v", err), true)
	}

	if captured.SimulatedErr != "" {
		g.logger.Debug("simulated delivery failure", "id", captured.ID, "to", msg.To)
		return delivery.Failure(captured.SimulatedErr, false)
	}

	g.logger.Debug("message captured", "id", captured.ID, "to", msg.To)
	return delivery.Success(captured.ID)
}
