package events

import (
	"fmt"
	"strings"

	"github.com/beamcode/beamcode/internal/common/config"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/events/bus"
)

// Provide selects the event bus backend from config: a NATS URL picks the
// NATS bus, anything else the in-process one. The returned func tears the
// bus down.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	url := strings.TrimSpace(cfg.NATS.URL)
	if url == "" {
		b := bus.NewMemoryEventBus(log)
		return b, func() error { b.Close(); return nil }, nil
	}

	b, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("event bus: %w", err)
	}
	return b, func() error { b.Close(); return nil }, nil
}
