// Package broadcast implements the global channel: a fire-and-forget topic
// every online user receives, with a durable bounded history and no
// per-recipient delivery tracking.
package broadcast

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"chat-relay/internal/presence"
	"chat-relay/internal/report"
	"chat-relay/internal/storage"
)

var ErrSenderBanned = errors.New("sender is banned")

// historyLimit bounds how far back fetch_global_history reaches. Clients
// that were offline longer than that simply miss the older traffic.
const historyLimit = 50

// Log is the slice of the persistence layer the channel depends on.
type Log interface {
	InsertGlobalMessage(ctx context.Context, m storage.GlobalMessage) (int64, error)
	RecentGlobalMessages(ctx context.Context, limit int) ([]storage.GlobalMessage, error)
	IsBanned(ctx context.Context, userID string) (bool, error)
}

type Channel struct {
	logger   *zap.SugaredLogger
	log      Log
	registry *presence.Registry
	reporter report.Reporter
}

func NewChannel(logger *zap.SugaredLogger, log Log, registry *presence.Registry, reporter report.Reporter) *Channel {
	return &Channel{
		logger:   logger,
		log:      log,
		registry: registry,
		reporter: reporter,
	}
}

// Publish appends the message to the durable global log and fans it out to
// every currently connected channel. Individual push failures are reported
// and do not abort the fan-out. A banned sender yields ErrSenderBanned and
// no insert.
func (c *Channel) Publish(ctx context.Context, m storage.GlobalMessage) (storage.GlobalMessage, error) {
	banned, err := c.log.IsBanned(ctx, m.SenderID)
	if err != nil {
		return m, err
	}
	if banned {
		return m, ErrSenderBanned
	}

	if m.Kind == "" {
		m.Kind = storage.KindText
	}

	id, err := c.log.InsertGlobalMessage(ctx, m)
	if err != nil {
		return m, err
	}
	m.ID = id

	recipients := 0
	for userID, ch := range c.registry.Snapshot() {
		if err := ch.Send("global_message", m); err != nil {
			c.reporter.Failure("global_fanout", err, "message_id", id, "recipient", userID)
			continue
		}
		recipients++
	}

	c.logger.Debugf("Broadcast global message %d to %d users", id, recipients)

	return m, nil
}

// RecentHistory returns the most recent global messages in ascending
// timestamp order, bounded to the history limit.
func (c *Channel) RecentHistory(ctx context.Context) ([]storage.GlobalMessage, error) {
	messages, err := c.log.RecentGlobalMessages(ctx, historyLimit)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []storage.GlobalMessage{}
	}

	return messages, nil
}
