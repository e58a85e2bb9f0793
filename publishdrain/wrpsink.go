package publishdrain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xmidt-org/wrp-go/v3"
)

// WRPPublisher is the narrow transport contract WRPSink needs: hand off a
// single encoded WRP message. A real deployment backs this with a Xmidt
// talaria/caduceus client; tests can stub it directly.
type WRPPublisher interface {
	SendWRP(ctx context.Context, msg *wrp.Message) error
}

// WRPSink wraps a drained batch in a wrp.SimpleEvent and hands it to a
// WRPPublisher, the shape a Xmidt-style broker expects rather than a bare
// HTTP POST of JSON.
type WRPSink struct {
	Publisher   WRPPublisher
	Source      string
	Destination string // may contain "%s" for the bus name
}

// Publish encodes batch as JSON, wraps it in a wrp.SimpleEvent addressed to
// Destination (with the bus name substituted in), and sends it.
func (s *WRPSink) Publish(ctx context.Context, busName string, batch Batch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch for wrp: %w", err)
	}

	dest := s.Destination
	if dest == "" {
		dest = "event:device-offline-data/" + busName
	} else {
		dest = fmt.Sprintf(dest, busName)
	}

	msg := &wrp.Message{
		Type:        wrp.SimpleEventMessageType,
		Source:      s.Source,
		Destination: dest,
		ContentType: "application/json",
		Payload:     payload,
	}
	return s.Publisher.SendWRP(ctx, msg)
}
