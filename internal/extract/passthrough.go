package extract

import (
	"context"
	"strings"

	"github.com/basket/memq/internal/orchestrator"
	"github.com/basket/memq/internal/persistence"
)

// Passthrough treats each queue payload as an already extracted document.
// Hook adapters that structure events themselves use it instead of a
// command.
type Passthrough struct{}

func (Passthrough) Extract(_ context.Context, _ orchestrator.SessionContext, item persistence.QueueItem) (*orchestrator.Extraction, error) {
	payload := strings.TrimSpace(item.Payload)
	if payload == "" || payload == "{}" {
		return &orchestrator.Extraction{}, nil
	}
	return ParseExtraction([]byte(payload))
}
