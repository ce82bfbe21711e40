// Package history turns reverse-paginated conversation reads into the
// forward-chronological pages clients render.
package history

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"chat-relay/internal/storage"
)

// Limits for adaptive page sizing: the first page is small for a fast
// initial paint, subsequent pages are larger.
const (
	firstPageLimit = 10
	nextPageLimit  = 50
)

// Pager is the slice of the persistence layer pagination depends on.
type Pager interface {
	CountConversation(ctx context.Context, userA, userB string) (int64, error)
	ConversationPage(ctx context.Context, userA, userB string, limit, offset int) ([]storage.Message, error)
}

// Page is what a fetch_history request gets back. RequestID echoes the
// client-supplied correlation value verbatim, whatever JSON type it was.
type Page struct {
	FriendUserID  string            `json:"friend_user_id"`
	History       []storage.Message `json:"history"`
	RequestID     json.RawMessage   `json:"requestId,omitempty"`
	Offset        int               `json:"offset"`
	TotalMessages int64             `json:"totalMessages"`
}

type Reconstructor struct {
	logger *zap.SugaredLogger
	pager  Pager
}

func NewReconstructor(logger *zap.SugaredLogger, pager Pager) *Reconstructor {
	return &Reconstructor{logger: logger, pager: pager}
}

// FetchPage returns one page of the conversation between senderID and
// friendID in ascending timestamp order. Storage serves the slice newest
// first; the slice is reversed here before returning. An offset beyond the
// total yields an empty page with the correct total. On failure the returned
// page is still shaped for emission (empty history, best-known total).
func (r *Reconstructor) FetchPage(ctx context.Context, senderID, friendID string, requestID json.RawMessage, offset int) (Page, error) {
	page := Page{
		FriendUserID: friendID,
		History:      []storage.Message{},
		RequestID:    requestID,
		Offset:       offset,
	}

	limit := firstPageLimit
	if offset != 0 {
		limit = nextPageLimit
	}

	total, err := r.pager.CountConversation(ctx, senderID, friendID)
	if err != nil {
		return page, err
	}
	page.TotalMessages = total

	messages, err := r.pager.ConversationPage(ctx, senderID, friendID, limit, offset)
	if err != nil {
		return page, err
	}

	reverse(messages)
	if messages != nil {
		page.History = messages
	}

	r.logger.Debugf("Fetched history page for users (%s, %s): %d of %d messages at offset %d",
		senderID, friendID, len(messages), total, offset)

	return page, nil
}

func reverse(messages []storage.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
