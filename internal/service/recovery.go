package service

import (
	"context"
	"fmt"

	"github.com/planforge/planforge/internal/domain/event"
)

// RecoverActive re-emits one current-state event per active record so
// subscribers rebuild their view after a restart. Queued messages are
// left to broker redelivery; re-enqueueing here would duplicate them.
func (e *Engine) RecoverActive(ctx context.Context) error {
	records, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active records: %w", err)
	}

	for _, rec := range records {
		e.bus.Publish(event.FromRecord(rec, e.now()))
	}
	if len(records) > 0 {
		e.log.Info("recovered active step records", "count", len(records))
	}
	return nil
}
