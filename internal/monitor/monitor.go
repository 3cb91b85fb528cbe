package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradeguard/internal/events"
)

// Monitor watches the bus and forwards alert-worthy events to a sink.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
	now  func() time.Time
}

// Topics the monitor listens on.
var alertTopics = []events.Event{events.EventRiskAlert, events.EventOverlayChanged, events.EventReconciliation}

// Start subscribes and returns once the subscriptions are live; forwarding
// stops with ctx. The returned WaitGroup finishes after the last forward.
func (m *Monitor) Start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	if m.Bus == nil || m.Sink == nil {
		log.Warn().Msg("monitor not fully configured; skipping")
		return &wg
	}
	if m.now == nil {
		m.now = time.Now
	}
	for _, topic := range alertTopics {
		stream, unsub := m.Bus.Subscribe(topic, 50)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					m.forward(msg)
				}
			}
		}()
	}
	return &wg
}

func (m *Monitor) forward(payload any) {
	text, ok := Check(payload)
	if !ok {
		return
	}
	if err := m.Sink.Send("[" + m.now().UTC().Format(time.RFC3339) + "] " + text); err != nil {
		log.Error().Err(err).Msg("alert delivery failed")
	}
}
