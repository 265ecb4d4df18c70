package events

import (
	"context"
	"log/slog"
	"time"

	"livedesk/cmd/internal/assignment"
	"livedesk/cmd/internal/metrics"
	"livedesk/cmd/internal/queue"
	"livedesk/cmd/internal/retry"
	"livedesk/cmd/internal/transfer"
)

// Emitter turns domain changes into envelopes and publishes them off the caller's goroutine.
// Its methods have the listener signatures of the engine, coordinator and broker.
type Emitter struct {
	log      *slog.Logger
	pub      Publisher
	writer   *retry.Writer
	producer string
	now      func() time.Time
}

// NewEmitter constructs an Emitter. Without a writer, publishes run inline.
func NewEmitter(log *slog.Logger, pub Publisher, w *retry.Writer, producer string) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	if pub == nil {
		pub = NewLogPublisher(log)
	}
	return &Emitter{
		log:      log,
		pub:      pub,
		writer:   w,
		producer: producer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AssignmentChanged publishes every assignment transition.
func (e *Emitter) AssignmentChanged(ch assignment.Change) {
	a := ch.Assignment
	e.emit(TypeAssignmentChanged, a.ChatID, AssignmentData{Change: string(ch.Kind), Assignment: a})
}

// TransferChanged publishes every transfer transition.
func (e *Emitter) TransferChanged(ch transfer.Change) {
	e.emit(TypeTransferChanged, ch.Transfer.ChatID, TransferData{Transfer: ch.Transfer})
}

// QueueExited publishes entries that left the queue without an operator.
func (e *Emitter) QueueExited(entries ...queue.Entry) {
	for _, en := range entries {
		e.emit(TypeQueueChanged, en.ChatID, QueueData{Entry: en})
	}
}

// MessagesDelivered publishes delivery of messageIDs in a conversation.
func (e *Emitter) MessagesDelivered(conversationID string, messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}
	ids := append([]string(nil), messageIDs...)
	e.emit(TypeMessagesDelivered, conversationID, DeliveredData{ConversationID: conversationID, MessageIDs: ids})
}

// Close closes the publisher. Drain the writer first.
func (e *Emitter) Close() error { return e.pub.Close() }

func (e *Emitter) emit(typ, correlationID string, data any) {
	env := NewEnvelope(typ, e.producer, correlationID, e.now(), data)
	run := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		err := e.pub.Publish(ctx, typ, env)
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.EventsPublished.WithLabelValues(typ, result).Inc()
		return err
	}

	if e.writer == nil {
		if err := run(context.Background()); err != nil {
			e.log.Warn("events.publish_failed", "type", typ, "event_id", env.Meta.ID, "err", err)
		}
		return
	}
	if err := e.writer.Submit(retry.Job{Name: "event." + typ, Run: run}); err != nil {
		e.log.Error("events.dropped", "type", typ, "event_id", env.Meta.ID, "err", err)
	}
}
