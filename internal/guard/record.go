package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowguard-project/flowguard/internal/core"
)

// ErrUnknownEventType is returned by Record for event types outside
// core.EventTypes.
var ErrUnknownEventType = errors.New("unknown event type")

// Record queues an event reported by the host application, such as a failed
// login, so the anomaly detector can score it. Delivery is best effort like
// every other recorded event.
func (s *Service) Record(ctx context.Context, t core.EventType, sev core.Severity, origin core.Origin, details core.Details) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	s.Recorder.Emit(core.NewSecurityEvent(t, sev, origin, s.clock.Now(), details))
	return nil
}
