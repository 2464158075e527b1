package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "OpenMCP-Gateway/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("down")}
	d := NewFanout(a, nil, b)

	err := d.Notify(context.Background(), Event{Kind: KindConfirmationRequested, ConfirmationID: "c-1"})
	if err == nil || !strings.Contains(err.Error(), "channel b") {
		t.Fatalf("expected joined error naming channel b, got %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("every notifier should receive the event")
	}
	if a.events[0].OccurredAt.IsZero() {
		t.Fatalf("fanout should stamp the event time")
	}
	if got := d.Channels(); len(got) != 2 || got[0] != "a" {
		t.Fatalf("unexpected channels %v", got)
	}
}

func TestNilFanoutIsNoop(t *testing.T) {
	var d *FanoutDispatcher
	if err := d.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

type blockingNotifier struct{}

func (blockingNotifier) Channel() Channel { return "slow" }

func (blockingNotifier) Notify(ctx context.Context, _ Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestFanoutBoundsEachNotifier(t *testing.T) {
	fast := &recordingNotifier{channel: "fast"}
	d := NewFanout(blockingNotifier{}, fast).WithTimeout(20 * time.Millisecond)

	start := time.Now()
	err := d.Notify(context.Background(), Event{Kind: KindConfirmationExpired})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("slow notifier was not bounded")
	}
	if len(fast.events) != 1 {
		t.Fatalf("other channels should still receive the event")
	}
}

func TestEventWithError(t *testing.T) {
	err := xerrors.New(xerrors.CodeNotAuthorized, "blocked", xerrors.WithMetadata("address", "0xabc"))
	ev := Event{Kind: KindOperationFailed, Metadata: map[string]string{"address": "kept"}}.WithError(err)
	if ev.Code != xerrors.CodeNotAuthorized || ev.Severity != xerrors.SeverityWarning {
		t.Fatalf("unexpected code/severity %s %s", ev.Code, ev.Severity)
	}
	if ev.Metadata["address"] != "kept" {
		t.Fatalf("existing metadata should win, got %v", ev.Metadata)
	}
	plain := Event{}.WithError(errors.New("boom"))
	if plain.Code != xerrors.CodeUnknown || plain.Metadata != nil {
		t.Fatalf("plain errors map to UNKNOWN without metadata: %+v", plain)
	}
	if (Event{Kind: KindOperationExecuted}).WithError(nil).Code != "" {
		t.Fatalf("nil error should leave the event untouched")
	}
}

func TestLogNotifierLevels(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	_ = n.Notify(context.Background(), Event{
		Kind:           KindOperationFailed,
		ConfirmationID: "c-9",
		Severity:       xerrors.SeverityCritical,
		Code:           xerrors.CodeSubmissionFailed,
		Message:        "operation failed",
		Metadata:       map[string]string{"asset": "native"},
	})
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if record["level"] != "ERROR" || record["error_code"] != "SUBMISSION_FAILED" || record["meta_asset"] != "native" {
		t.Fatalf("unexpected log record %v", record)
	}
}

type fakePublisher struct {
	exchange string
	key      string
	msg      amqp.Publishing
	closed   bool
}

func (f *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func (f *fakePublisher) Close() error {
	f.closed = true
	return nil
}

func TestRabbitMQNotifierPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	n := newRabbitMQNotifier(pub, "gateway.events", "")
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	err := n.Notify(context.Background(), Event{
		Kind:           KindConfirmationDecided,
		ConfirmationID: "c-1",
		RunID:          "run-1",
		Message:        "approved",
		OccurredAt:     at,
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if pub.exchange != "gateway.events" || pub.key != "confirmation.confirmation_decided" {
		t.Fatalf("unexpected routing %s %s", pub.exchange, pub.key)
	}
	if pub.msg.ContentType != "application/json" || pub.msg.MessageId != "c-1" || !pub.msg.Timestamp.Equal(at) {
		t.Fatalf("unexpected publishing %+v", pub.msg)
	}
	var decoded Event
	if err := json.Unmarshal(pub.msg.Body, &decoded); err != nil || decoded.RunID != "run-1" {
		t.Fatalf("unexpected body %s: %v", pub.msg.Body, err)
	}
	if err := n.Close(); err != nil || !pub.closed {
		t.Fatalf("close should close the channel")
	}
}

func TestNewRabbitMQNotifierRequiresURL(t *testing.T) {
	if _, err := NewRabbitMQNotifier(RabbitMQConfig{}); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
