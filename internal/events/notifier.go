package events

import (
	"context"
	"encoding/json"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"studio/internal/infra"
	"studio/internal/sqlinline"
)

// maxNotifyMessage keeps payloads well under the NOTIFY 8000 byte limit.
const maxNotifyMessage = 2000

// Notifier publishes messages to other processes through pg_notify on the
// job events channel.
type Notifier struct {
	sql    infra.SQLExecutor
	logger zerolog.Logger
}

func NewNotifier(sql infra.SQLExecutor, logger zerolog.Logger) *Notifier {
	return &Notifier{sql: sql, logger: logger}
}

func (n *Notifier) Publish(ctx context.Context, msg Message) {
	msg.Message = truncate(msg.Message, maxNotifyMessage)
	if msg.Error != nil {
		e := *msg.Error
		e.Message = truncate(e.Message, maxNotifyMessage)
		msg.Error = &e
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("events: encode notification")
		return
	}
	if _, err := n.sql.Exec(context.WithoutCancel(ctx), sqlinline.QNotifyJobEvent, string(raw)); err != nil {
		n.logger.Warn().Err(err).Str("job_id", msg.JobID).Str("kind", msg.Kind).Msg("events: notify failed")
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
