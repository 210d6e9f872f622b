package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"studio/internal/domain"
)

type recordingExec struct {
	query string
	args  []any
	err   error
}

func (r *recordingExec) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	r.query, r.args = query, args
	return pgconn.NewCommandTag("SELECT 1"), r.err
}

func (r *recordingExec) QueryRow(ctx context.Context, query string, args ...any) pgx.Row { return nil }

func (r *recordingExec) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func TestNotifierPayload(t *testing.T) {
	exec := &recordingExec{}
	n := NewNotifier(exec, zerolog.Nop())
	m := msg(domain.JobStatusError, 1, nil)
	m.Error = &domain.JobError{Kind: domain.ErrorKindBackendFailure, Message: strings.Repeat("é", 3000)}
	n.Publish(context.Background(), m)

	if len(exec.args) != 1 {
		t.Fatalf("args = %d, want 1", len(exec.args))
	}
	payload, ok := exec.args[0].(string)
	if !ok {
		t.Fatalf("payload type %T", exec.args[0])
	}
	if len(payload) > 8000 {
		t.Fatalf("payload %d bytes exceeds notify limit", len(payload))
	}
	var decoded Message
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.JobID != "j1" || decoded.Attempt != 1 || decoded.Error == nil {
		t.Fatalf("decoded = %+v", decoded)
	}
	if m.Error.Message == decoded.Error.Message {
		t.Fatalf("error message not truncated")
	}
}

func TestRelayDispatchFeedsTarget(t *testing.T) {
	var got []Message
	relay := NewRelay("", PublisherFunc(func(_ context.Context, m Message) { got = append(got, m) }), zerolog.Nop())
	relay.dispatch(context.Background(), `{"job_id":"j1","kind":"running","status":"running","progress":40,"attempt":0}`)
	relay.dispatch(context.Background(), `not json`)
	relay.dispatch(context.Background(), `{"kind":"running"}`)
	if len(got) != 1 || got[0].percent() != 40 {
		t.Fatalf("got %+v, want one running message", got)
	}
}
