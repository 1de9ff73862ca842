package stores

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/healloop/healloop/pkg/sandbox"
	"github.com/healloop/healloop/pkg/telemetry"
)

const subscriberWriteTimeout = 5 * time.Second

// Subscribe persists every event published on ep into the audit log.
// Sandbox state changes also update the matching session row when one
// exists. Write failures are logged and never reach the publisher.
func (s *SQLiteStore) Subscribe(ep *telemetry.EventPublisher, filter telemetry.EventFilter) {
	ep.Subscribe(s.persistEvent, filter)
}

func (s *SQLiteStore) persistEvent(event telemetry.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), subscriberWriteTimeout)
	defer cancel()

	if err := s.AppendEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("event_type", event.Type).Msg("failed to persist event")
		return
	}

	if event.Type != telemetry.EventTypeSandboxStateChanged || event.SessionID == "" {
		return
	}
	to, _ := event.Data["to"].(string)
	state := sandbox.State(to)
	if state.Validate() != nil {
		return
	}
	err := s.UpdateSessionState(ctx, event.SessionID, state, nil)
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.Warn().Err(err).Str("session_id", event.SessionID).Msg("failed to update session state")
	}
}
