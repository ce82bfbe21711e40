package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-relay/internal/broadcast"
	"chat-relay/internal/delivery"
	"chat-relay/internal/history"
	"chat-relay/internal/presence"
	"chat-relay/internal/report"
	"chat-relay/internal/storage"
)

// fakeBackend implements Directory plus the gateway slices the delivery,
// history and broadcast components consume, all against in-memory state.
type fakeBackend struct {
	nextID       int64
	messages     map[int64]storage.Message
	global       []storage.GlobalMessage
	registered   map[string]time.Time
	banned       map[string]bool
	failRegister bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nextID:     1,
		messages:   make(map[int64]storage.Message),
		registered: make(map[string]time.Time),
		banned:     make(map[string]bool),
	}
}

func (b *fakeBackend) RegisterUser(_ context.Context, userID, _ string) (time.Time, error) {
	if b.failRegister {
		return time.Time{}, errors.New("db down")
	}
	at, ok := b.registered[userID]
	if !ok {
		at = time.Now()
		b.registered[userID] = at
	}
	return at, nil
}

func (b *fakeBackend) RegisteredAmong(_ context.Context, userIDs []string) ([]string, error) {
	var out []string
	for _, id := range userIDs {
		if _, ok := b.registered[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (b *fakeBackend) InsertMessage(_ context.Context, m storage.Message) (int64, error) {
	id := b.nextID
	b.nextID++
	m.ID = id
	m.Pending = true
	b.messages[id] = m
	return id, nil
}

func (b *fakeBackend) MarkDelivered(_ context.Context, id int64) error {
	m, ok := b.messages[id]
	if !ok {
		return storage.ErrMessageNotExist
	}
	m.Pending = false
	b.messages[id] = m
	return nil
}

func (b *fakeBackend) PendingByRecipient(_ context.Context, recipientID string) ([]storage.Message, error) {
	var pending []storage.Message
	for _, m := range b.messages {
		if m.RecipientID == recipientID && m.Pending {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Timestamp != pending[j].Timestamp {
			return pending[i].Timestamp < pending[j].Timestamp
		}
		return pending[i].ID < pending[j].ID
	})
	return pending, nil
}

func (b *fakeBackend) IsBanned(_ context.Context, userID string) (bool, error) {
	return b.banned[userID], nil
}

func (b *fakeBackend) CountConversation(_ context.Context, userA, userB string) (int64, error) {
	var count int64
	for _, m := range b.messages {
		if (m.SenderID == userA && m.RecipientID == userB) || (m.SenderID == userB && m.RecipientID == userA) {
			count++
		}
	}
	return count, nil
}

func (b *fakeBackend) ConversationPage(_ context.Context, userA, userB string, limit, offset int) ([]storage.Message, error) {
	var pair []storage.Message
	for _, m := range b.messages {
		if (m.SenderID == userA && m.RecipientID == userB) || (m.SenderID == userB && m.RecipientID == userA) {
			pair = append(pair, m)
		}
	}
	sort.Slice(pair, func(i, j int) bool {
		if pair[i].Timestamp != pair[j].Timestamp {
			return pair[i].Timestamp > pair[j].Timestamp
		}
		return pair[i].ID > pair[j].ID
	})
	if offset >= len(pair) {
		return nil, nil
	}
	pair = pair[offset:]
	if limit < len(pair) {
		pair = pair[:limit]
	}
	return pair, nil
}

func (b *fakeBackend) InsertGlobalMessage(_ context.Context, m storage.GlobalMessage) (int64, error) {
	id := b.nextID
	b.nextID++
	m.ID = id
	b.global = append(b.global, m)
	return id, nil
}

func (b *fakeBackend) RecentGlobalMessages(_ context.Context, limit int) ([]storage.GlobalMessage, error) {
	if len(b.global) <= limit {
		return append([]storage.GlobalMessage(nil), b.global...), nil
	}
	return append([]storage.GlobalMessage(nil), b.global[len(b.global)-limit:]...), nil
}

func bootstrapHandler(t *testing.T) (*sessionHandler, *fakeBackend) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	sugar := logger.Sugar()

	backend := newFakeBackend()
	registry := presence.NewRegistry()
	reporter := report.NewZapReporter(sugar)

	h := &sessionHandler{
		logger:    sugar,
		directory: backend,
		registry:  registry,
		delivery:  delivery.NewEngine(sugar, backend, registry, reporter),
		history:   history.NewReconstructor(sugar, backend),
		broadcast: broadcast.NewChannel(sugar, backend, registry, reporter),
		reporter:  reporter,
	}

	return h, backend
}

// testSession builds a session without a websocket connection; frames land
// in the send buffer where the test collects them.
func testSession(t *testing.T) *session {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return newSession("test", logger.Sugar(), nil)
}

func collectFrames(s *session) []outbound {
	var frames []outbound
	for {
		select {
		case out := <-s.send:
			frames = append(frames, out)
		default:
			return frames
		}
	}
}

func TestDispatchRegisterAcks(t *testing.T) {
	t.Parallel()

	h, backend := bootstrapHandler(t)
	s := testSession(t)

	h.dispatch(context.Background(), s, []byte(`{"event":"register","data":{"userId":"42","username":"kris"}}`))

	frames := collectFrames(s)
	require.Len(t, frames, 1)
	require.Equal(t, "ack", frames[0].Event)
	_, registered := backend.registered["42"]
	require.True(t, registered)
}

func TestDispatchRegisterNumericUserID(t *testing.T) {
	t.Parallel()

	h, backend := bootstrapHandler(t)
	s := testSession(t)

	h.dispatch(context.Background(), s, []byte(`{"event":"register","data":{"userId":42}}`))

	frames := collectFrames(s)
	require.Len(t, frames, 1)
	require.Equal(t, "ack", frames[0].Event)
	_, registered := backend.registered["42"]
	require.True(t, registered)
}

func TestDispatchRegisterMissingUserID(t *testing.T) {
	t.Parallel()

	h, _ := bootstrapHandler(t)
	s := testSession(t)

	h.dispatch(context.Background(), s, []byte(`{"event":"register","data":{"username":"kris"}}`))

	frames := collectFrames(s)
	require.Len(t, frames, 1)
	require.Equal(t, "ack", frames[0].Event)
	payload, err := json.Marshal(frames[0].Data)
	require.NoError(t, err)
	require.JSONEq(t, `{"error":"Missing Field \"userId\""}`, string(payload))
}

func TestDispatchRegisterStorageFailure(t *testing.T) {
	t.Parallel()

	h, backend := bootstrapHandler(t)
	backend.failRegister = true
	s := testSession(t)

	h.dispatch(context.Background(), s, []byte(`{"event":"register","data":{"userId":"42"}}`))

	frames := collectFrames(s)
	require.Len(t, frames, 1)
	payload, err := json.Marshal(frames[0].Data)
	require.NoError(t, err)
	require.JSONEq(t, `{"error":"Database error"}`, string(payload))
}

func TestDispatchIdentifyRegistersAndDrains(t *testing.T) {
	t.Parallel()

	h, backend := bootstrapHandler(t)

	// a message stored for an offline user
	_, err := backend.InsertMessage(context.Background(), storage.Message{
		SenderID:    "b",
		RecipientID: "a",
		Content:     "hi",
		Timestamp:   "2024-03-01T10:00:00Z",
		Kind:        storage.KindText,
	})
	require.NoError(t, err)

	s := testSession(t)
	h.dispatch(context.Background(), s, []byte(`{"event":"identify","data":"a"}`))

	_, online := h.registry.Lookup("a")
	require.True(t, online)
	require.Equal(t, "a", s.user())

	frames := collectFrames(s)
	require.Len(t, frames, 1)
	require.Equal(t, "message", frames[0].Event)

	delivered := frames[0].Data.(storage.Message)
	require.Equal(t, "hi", delivered.Content)
	require.False(t, backend.messages[delivered.ID].Pending)
}

func TestDispatchIdentifyObjectPayload(t *testing.T) {
	t.Parallel()

	h, _ := bootstrapHandler(t)
	s := testSession(t)

	h.dispatch(context.Background(), s, []byte(`{"event":"identify","data":{"userId":"a"}}`))

	_, online := h.registry.Lookup("a")
	require.True(t, online)
}

func TestDispatchMessageDeliversLive(t *testing.T) {
	t.Parallel()

	h, backend := bootstrapHandler(t)

	recipient := testSession(t)
	h.dispatch(context.Background(), recipient, []byte(`{"event":"identify","data":"a"}`))
	collectFrames(recipient)

	sender := testSession(t)
	h.dispatch(context.Background(), sender, []byte(`{"event":"message","data":{"sender_user_id":"b","recipient_user_id":"a","content":"hi","timestamp":"2024-03-01T10:00:00Z"}}`))

	require.Empty(t, collectFrames(sender))

	frames := collectFrames(recipient)
	require.Len(t, frames, 1)
	require.Equal(t, "message", frames[0].Event)

	delivered := frames[0].Data.(storage.Message)
	require.Equal(t, "hi", delivered.Content)
	require.False(t, backend.messages[delivered.ID].Pending)
}

func TestDispatchMessageBannedSender(t *testing.T) {
	t.Parallel()

	h, backend := bootstrapHandler(t)
	backend.banned["b"] = true

	s := testSession(t)
	h.dispatch(context.Background(), s, []byte(`{"event":"message","data":{"sender_user_id":"b","recipient_user_id":"a","content":"hi","timestamp":"2024-03-01T10:00:00Z"}}`))

	frames := collectFrames(s)
	require.Len(t, frames, 1)
	require.Equal(t, "error", frames[0].Event)
	require.Empty(t, backend.messages)
}

func TestDispatchMessageImageKind(t *testing.T) {
	t.Parallel()

	h, backend := bootstrapHandler(t)

	s := testSession(t)
	h.dispatch(context.Background(), s, []byte(`{"event":"message","data":{"sender_user_id":"b","recipient_user_id":"a","content":"ref","timestamp":"2024-03-01T10:00:00Z","image":true}}`))

	require.Len(t, backend.messages, 1)
	for _, m := range backend.messages {
		require.Equal(t, storage.KindImage, m.Kind)
	}
}

func TestDispatchFetchHistory(t *testing.T) {
	t.Parallel()

	h, backend := bootstrapHandler(t)

	for i := 0; i < 3; i++ {
		_, err := backend.InsertMessage(context.Background(), storage.Message{
			SenderID:    "a",
			RecipientID: "c",
			Content:     "m",
			Timestamp:   fmt.Sprintf("2024-03-01T10:00:0%dZ", i),
			Kind:        storage.KindText,
		})
		require.NoError(t, err)
	}

	s := testSession(t)
	h.dispatch(context.Background(), s, []byte(`{"event":"fetch_history","data":{"sender_user_id":"a","friend_user_id":"c","requestId":"r1","offset":0}}`))

	frames := collectFrames(s)
	require.Len(t, frames, 1)
	require.Equal(t, "history", frames[0].Event)

	page := frames[0].Data.(history.Page)
	require.Equal(t, "c", page.FriendUserID)
	require.Equal(t, int64(3), page.TotalMessages)
	require.Len(t, page.History, 3)
	require.Equal(t, json.RawMessage(`"r1"`), page.RequestID)
}

func TestDispatchRegisteredFriends(t *testing.T) {
	t.Parallel()

	h, backend := bootstrapHandler(t)
	backend.registered["1"] = time.Now()
	backend.registered["3"] = time.Now()

	s := testSession(t)
	h.dispatch(context.Background(), s, []byte(`{"event":"get_registered_friends","data":{"friendIds":["1","2",3]}}`))

	frames := collectFrames(s)
	require.Len(t, frames, 1)
	require.Equal(t, "ack", frames[0].Event)

	payload, err := json.Marshal(frames[0].Data)
	require.NoError(t, err)
	require.JSONEq(t, `{"registeredFriendIds":["1","3"]}`, string(payload))
}

func TestDispatchRegisteredFriendsInvalidList(t *testing.T) {
	t.Parallel()

	h, _ := bootstrapHandler(t)
	s := testSession(t)

	h.dispatch(context.Background(), s, []byte(`{"event":"get_registered_friends","data":{"friendIds":"nope"}}`))

	frames := collectFrames(s)
	require.Len(t, frames, 1)
	payload, err := json.Marshal(frames[0].Data)
	require.NoError(t, err)
	require.JSONEq(t, `{"error":"Invalid friendIds"}`, string(payload))
}

func TestDispatchTypingForwardedLiveOnly(t *testing.T) {
	t.Parallel()

	h, _ := bootstrapHandler(t)

	recipient := testSession(t)
	h.dispatch(context.Background(), recipient, []byte(`{"event":"identify","data":"a"}`))
	collectFrames(recipient)

	sender := testSession(t)
	h.dispatch(context.Background(), sender, []byte(`{"event":"typing","data":{"sender_user_id":"b","recipient_user_id":"a"}}`))

	frames := collectFrames(recipient)
	require.Len(t, frames, 1)
	require.Equal(t, "typing", frames[0].Event)

	// offline recipient: dropped without an error frame
	h.dispatch(context.Background(), sender, []byte(`{"event":"typing","data":{"sender_user_id":"b","recipient_user_id":"offline"}}`))
	require.Empty(t, collectFrames(sender))
}

func TestDispatchGlobalMessageFanOut(t *testing.T) {
	t.Parallel()

	h, backend := bootstrapHandler(t)

	first := testSession(t)
	second := testSession(t)
	h.dispatch(context.Background(), first, []byte(`{"event":"identify","data":"u1"}`))
	h.dispatch(context.Background(), second, []byte(`{"event":"identify","data":"u2"}`))
	collectFrames(first)
	collectFrames(second)

	h.dispatch(context.Background(), first, []byte(`{"event":"global_message","data":{"sender_user_id":"u1","sender_name":"One","content":"hey","timestamp":"2024-03-01T10:00:00Z"}}`))

	require.Len(t, backend.global, 1)
	for _, s := range []*session{first, second} {
		frames := collectFrames(s)
		require.Len(t, frames, 1)
		require.Equal(t, "global_message", frames[0].Event)
	}
}

func TestDispatchGlobalHistory(t *testing.T) {
	t.Parallel()

	h, backend := bootstrapHandler(t)
	_, err := backend.InsertGlobalMessage(context.Background(), storage.GlobalMessage{
		SenderID:  "u1",
		Content:   "old news",
		Timestamp: "2024-03-01T10:00:00Z",
	})
	require.NoError(t, err)

	s := testSession(t)
	h.dispatch(context.Background(), s, []byte(`{"event":"fetch_global_history"}`))

	frames := collectFrames(s)
	require.Len(t, frames, 1)
	require.Equal(t, "global_history", frames[0].Event)
}

func TestDispatchUnknownEventDropped(t *testing.T) {
	t.Parallel()

	h, _ := bootstrapHandler(t)
	s := testSession(t)

	h.dispatch(context.Background(), s, []byte(`{"event":"selfdestruct","data":{}}`))
	require.Empty(t, collectFrames(s))
}

func TestDispatchMissingEventField(t *testing.T) {
	t.Parallel()

	h, _ := bootstrapHandler(t)
	s := testSession(t)

	h.dispatch(context.Background(), s, []byte(`{"data":{}}`))

	frames := collectFrames(s)
	require.Len(t, frames, 1)
	require.Equal(t, "error", frames[0].Event)
}

func TestSessionSendAfterClose(t *testing.T) {
	t.Parallel()

	s := testSession(t)
	s.close()
	require.Equal(t, errSessionClosed, s.Send("message", nil))
}

func TestSessionSendBufferFull(t *testing.T) {
	t.Parallel()

	s := testSession(t)
	for i := 0; i < sendBufferSize; i++ {
		require.NoError(t, s.Send("message", nil))
	}
	require.Equal(t, errSendBufferFull, s.Send("message", nil))
}
