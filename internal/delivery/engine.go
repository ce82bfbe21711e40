// Package delivery decides, for every inbound direct message, whether it is
// pushed to a live recipient channel or parked as pending in storage, and
// replays parked messages when the recipient identifies.
package delivery

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"chat-relay/internal/presence"
	"chat-relay/internal/report"
	"chat-relay/internal/storage"
)

var ErrSenderBanned = errors.New("sender is banned")

// Gateway is the slice of the persistence layer the engine depends on.
type Gateway interface {
	InsertMessage(ctx context.Context, m storage.Message) (int64, error)
	MarkDelivered(ctx context.Context, id int64) error
	PendingByRecipient(ctx context.Context, recipientID string) ([]storage.Message, error)
	IsBanned(ctx context.Context, userID string) (bool, error)
}

// Engine implements the store-and-forward delivery core.
type Engine struct {
	logger   *zap.SugaredLogger
	gateway  Gateway
	registry *presence.Registry
	reporter report.Reporter
}

func NewEngine(logger *zap.SugaredLogger, gateway Gateway, registry *presence.Registry, reporter report.Reporter) *Engine {
	return &Engine{
		logger:   logger,
		gateway:  gateway,
		registry: registry,
		reporter: reporter,
	}
}

// Submit persists an inbound message and attempts immediate delivery.
// The returned message carries the assigned id and the pending state after
// the attempt: false when the recipient received it live, true otherwise.
// A banned sender yields ErrSenderBanned and no insert.
func (e *Engine) Submit(ctx context.Context, m storage.Message) (storage.Message, error) {
	banned, err := e.gateway.IsBanned(ctx, m.SenderID)
	if err != nil {
		return m, err
	}
	if banned {
		return m, ErrSenderBanned
	}

	if m.Kind == "" {
		m.Kind = storage.KindText
	}
	m.Image = m.Kind == storage.KindImage

	id, err := e.gateway.InsertMessage(ctx, m)
	if err != nil {
		return m, err
	}
	m.ID = id
	m.Pending = true

	ch, ok := e.registry.Lookup(m.RecipientID)
	if !ok {
		e.logger.Debugf("User (%s) is offline, message %d stays pending", m.RecipientID, id)
		return m, nil
	}

	if err := ch.Send("message", m); err != nil {
		// channel is dead or backed up; the durable pending flag keeps the
		// message eligible for the next drain
		e.reporter.Failure("deliver_live", err, "message_id", id, "recipient", m.RecipientID)
		return m, nil
	}

	// mark the exact row returned by the insert, never "the latest row":
	// concurrent submits for other recipients may have inserted since
	if err := e.gateway.MarkDelivered(ctx, id); err != nil {
		e.reporter.Failure("mark_delivered", err, "message_id", id, "recipient", m.RecipientID)
		return m, nil
	}
	m.Pending = false

	e.logger.Debugf("Delivered message %d to online user (%s)", id, m.RecipientID)

	return m, nil
}

// DrainOnIdentify pushes every message pending for userID to ch in timestamp
// order, marking each delivered by its own id. It runs once per identify,
// before any other event of that session is handled. A failure marking one
// message is reported and does not block the rest of the batch; a failed
// push stops the drain and leaves the remainder pending for the next
// identify. Returns the number of messages delivered.
func (e *Engine) DrainOnIdentify(ctx context.Context, userID string, ch presence.Channel) (int, error) {
	pending, err := e.gateway.PendingByRecipient(ctx, userID)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, m := range pending {
		if err := ch.Send("message", m); err != nil {
			e.reporter.Failure("drain_push", err, "message_id", m.ID, "recipient", userID)
			break
		}

		if err := e.gateway.MarkDelivered(ctx, m.ID); err != nil {
			e.reporter.Failure("drain_mark_delivered", err, "message_id", m.ID, "recipient", userID)
			continue
		}
		delivered++
	}

	if delivered > 0 {
		e.logger.Debugf("Drained %d pending messages to user (%s)", delivered, userID)
	}

	return delivered, nil
}

// ForwardTyping relays a typing indicator to the recipient if they are
// online. Offline recipients are silently skipped; nothing is persisted.
func (e *Engine) ForwardTyping(senderID, recipientID string) {
	ch, ok := e.registry.Lookup(recipientID)
	if !ok {
		return
	}

	payload := struct {
		SenderID string `json:"sender_user_id"`
	}{SenderID: senderID}

	if err := ch.Send("typing", payload); err != nil {
		e.reporter.Failure("forward_typing", err, "recipient", recipientID)
	}
}
