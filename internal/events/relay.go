package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"studio/internal/sqlinline"
)

// Relay listens on the job events channel and republishes every notification
// into a local publisher, normally the API process Hub.
type Relay struct {
	dsn       string
	target    Publisher
	logger    zerolog.Logger
	pingEvery time.Duration
	// OnReconnect runs after the listener re-establishes its connection.
	// Notifications sent while disconnected are lost.
	OnReconnect func()
}

func NewRelay(dsn string, target Publisher, logger zerolog.Logger) *Relay {
	return &Relay{dsn: dsn, target: target, logger: logger, pingEvery: 90 * time.Second}
}

// Run blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	listener := pq.NewListener(r.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			r.logger.Info().Msg("events: relay connected")
		case pq.ListenerEventDisconnected:
			r.logger.Warn().Err(err).Msg("events: relay disconnected")
		case pq.ListenerEventReconnected:
			r.logger.Info().Msg("events: relay reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			r.logger.Warn().Err(err).Msg("events: relay connection attempt failed")
		}
	})
	defer listener.Close()

	if err := listener.Listen(sqlinline.ChannelJobEvents); err != nil {
		return err
	}

	ticker := time.NewTicker(r.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// the listener reconnected
				if r.OnReconnect != nil {
					r.OnReconnect()
				}
				continue
			}
			r.dispatch(ctx, n.Extra)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					r.logger.Warn().Err(err).Msg("events: relay ping failed")
				}
			}()
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, payload string) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		r.logger.Warn().Err(err).Msg("events: discard malformed notification")
		return
	}
	if msg.JobID == "" {
		return
	}
	r.target.Publish(ctx, msg)
}
