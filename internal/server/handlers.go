package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"chat-relay/internal/broadcast"
	"chat-relay/internal/delivery"
	"chat-relay/internal/history"
	"chat-relay/internal/presence"
	"chat-relay/internal/report"
	"chat-relay/internal/storage"
	"chat-relay/internal/storage/zapadapter"
)

// Directory is the registered-users slice of the persistence layer the
// session handlers depend on.
type Directory interface {
	RegisterUser(ctx context.Context, userID, username string) (time.Time, error)
	RegisteredAmong(ctx context.Context, userIDs []string) ([]string, error)
}

type parsers struct {
	framePool         fastjson.ParserPool
	registerPool      fastjson.ParserPool
	identifyPool      fastjson.ParserPool
	friendsPool       fastjson.ParserPool
	messagePool       fastjson.ParserPool
	fetchHistoryPool  fastjson.ParserPool
	typingPool        fastjson.ParserPool
	globalMessagePool fastjson.ParserPool
}

type sessionHandler struct {
	logger    *zap.SugaredLogger
	directory Directory
	registry  *presence.Registry
	delivery  *delivery.Engine
	history   *history.Reconstructor
	broadcast *broadcast.Channel
	reporter  report.Reporter
	parsers   parsers
	upgrader  websocket.Upgrader
}

// serveWS upgrades the request and runs the session until the client goes away.
func (h *sessionHandler) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugf("Upgrade failed: %v", err)
		return
	}

	id, ok := zapadapter.IDFromContext(r.Context())
	if !ok {
		id = xid.New().String()
	}

	s := newSession(id, h.logger, conn)
	go s.writePump()

	h.readLoop(r.Context(), s)
}

// readLoop processes events of a single session sequentially, so the drain
// triggered by identify always finishes before any later event of that
// session is handled. Other sessions proceed independently.
func (h *sessionHandler) readLoop(ctx context.Context, s *session) {
	defer func() {
		if userID := s.user(); userID != "" {
			if h.registry.Unregister(userID, s) {
				h.logger.Debugf("User (%s) disconnected", userID)
			}
		}
		s.close()
		s.conn.Close()
	}()

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		if err := fastjson.ValidateBytes(frame); err != nil {
			h.sendError(s, "Malformed JSON")
			continue
		}

		h.dispatch(ctx, s, frame)
	}
}

// dispatch routes one inbound frame of the form {"event": ..., "data": ...}
// to its handler. Unknown events are dropped with a debug record.
func (h *sessionHandler) dispatch(ctx context.Context, s *session, frame []byte) {
	parser := h.parsers.framePool.Get()
	defer h.parsers.framePool.Put(parser)

	v, err := parser.ParseBytes(frame)
	if err != nil {
		h.sendError(s, "Malformed JSON")
		return
	}

	event := string(v.GetStringBytes("event"))
	if event == "" {
		h.sendError(s, "Missing Field \"event\"")
		return
	}

	var data []byte
	if dataValue := v.Get("data"); dataValue != nil {
		data = dataValue.MarshalTo(nil)
	}

	switch event {
	case "register":
		h.handleRegister(ctx, s, data)
	case "identify":
		h.handleIdentify(ctx, s, data)
	case "get_registered_friends":
		h.handleRegisteredFriends(ctx, s, data)
	case "message":
		h.handleMessage(ctx, s, data)
	case "fetch_history":
		h.handleFetchHistory(ctx, s, data)
	case "typing":
		h.handleTyping(s, data)
	case "global_message":
		h.handleGlobalMessage(ctx, s, data)
	case "fetch_global_history":
		h.handleGlobalHistory(ctx, s)
	default:
		h.logger.Debugf("Session %s sent unknown event %q", s.id, event)
	}
}

// handleRegister handles "register" events and acks with registration status
func (h *sessionHandler) handleRegister(ctx context.Context, s *session, data []byte) {
	parser := h.parsers.registerPool.Get()
	defer h.parsers.registerPool.Put(parser)
	v, _ := parser.ParseBytes(data)

	userID, ok := stringID(v.Get("userId"))
	if !ok {
		h.sendAckError(s, "Missing Field \"userId\"")
		return
	}

	// username is optional and unverified
	username := string(v.GetStringBytes("username"))

	registeredAt, err := h.directory.RegisterUser(ctx, userID, username)
	if err != nil {
		h.logger.Errorf("Registering user (%s): %v", userID, err)
		h.sendAckError(s, "Database error")
		return
	}

	payload := struct {
		Status       string    `json:"status"`
		UserID       string    `json:"userId"`
		RegisteredAt time.Time `json:"registeredAt"`
	}{
		Status:       "registered",
		UserID:       userID,
		RegisteredAt: registeredAt,
	}

	if err := s.Send("ack", payload); err != nil {
		h.reporter.Failure("ack_register", err, "session", s.id)
	}
}

// handleIdentify handles "identify" events: the session claims a user id,
// goes online and receives every message stored for it while offline.
// The payload is either the bare user id or an object carrying "userId".
func (h *sessionHandler) handleIdentify(ctx context.Context, s *session, data []byte) {
	parser := h.parsers.identifyPool.Get()
	defer h.parsers.identifyPool.Put(parser)
	v, _ := parser.ParseBytes(data)

	userID, ok := stringID(v)
	if !ok {
		userID, ok = stringID(v.Get("userId"))
	}
	if !ok {
		h.sendError(s, "Missing user id")
		return
	}

	s.setUser(userID)
	h.registry.Register(userID, s)
	h.logger.Debugf("User (%s) identified and online", userID)

	if _, err := h.delivery.DrainOnIdentify(ctx, userID, s); err != nil {
		h.reporter.Failure("drain_on_identify", err, "user", userID, "session", s.id)
	}
}

// handleRegisteredFriends handles "get_registered_friends" events and acks
// with the subset of provided ids that belong to registered users
func (h *sessionHandler) handleRegisteredFriends(ctx context.Context, s *session, data []byte) {
	parser := h.parsers.friendsPool.Get()
	defer h.parsers.friendsPool.Put(parser)
	v, _ := parser.ParseBytes(data)

	if v == nil || !v.Exists("friendIds") {
		h.sendAckError(s, "Invalid friendIds")
		return
	}

	friendValues, err := v.Get("friendIds").Array()
	if err != nil {
		h.sendAckError(s, "Invalid friendIds")
		return
	}

	friendIDs := make([]string, 0, len(friendValues))
	for _, fv := range friendValues {
		id, ok := stringID(fv)
		if !ok {
			h.sendAckError(s, "Invalid friendIds")
			return
		}
		friendIDs = append(friendIDs, id)
	}

	registered, err := h.directory.RegisteredAmong(ctx, friendIDs)
	if err != nil {
		h.logger.Errorf("Filtering registered friends: %v", err)
		h.sendAckError(s, "Database error")
		return
	}
	if registered == nil {
		registered = []string{}
	}

	payload := struct {
		RegisteredFriendIDs []string `json:"registeredFriendIds"`
	}{RegisteredFriendIDs: registered}

	if err := s.Send("ack", payload); err != nil {
		h.reporter.Failure("ack_registered_friends", err, "session", s.id)
	}
}

// handleMessage handles "message" events: fire-and-forget from the sender's
// point of view, except a ban which is answered with an error event
func (h *sessionHandler) handleMessage(ctx context.Context, s *session, data []byte) {
	parser := h.parsers.messagePool.Get()
	defer h.parsers.messagePool.Put(parser)
	v, _ := parser.ParseBytes(data)

	senderID, ok := stringID(v.Get("sender_user_id"))
	if !ok {
		h.sendError(s, "Missing Field \"sender_user_id\"")
		return
	}

	recipientID, ok := stringID(v.Get("recipient_user_id"))
	if !ok {
		h.sendError(s, "Missing Field \"recipient_user_id\"")
		return
	}

	kind := storage.KindText
	if v.GetBool("image") {
		kind = storage.KindImage
	}

	msg := storage.Message{
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     string(v.GetStringBytes("content")),
		Timestamp:   string(v.GetStringBytes("timestamp")),
		Kind:        kind,
	}

	if _, err := h.delivery.Submit(ctx, msg); err != nil {
		if err == delivery.ErrSenderBanned {
			h.sendError(s, "You are banned from sending messages")
			return
		}
		// fire-and-forget: nothing to return to the sender
		h.reporter.Failure("submit_message", err, "sender", senderID, "recipient", recipientID)
	}
}

// handleFetchHistory handles "fetch_history" events and always emits a
// "history" frame, degrading to an empty page when storage fails
func (h *sessionHandler) handleFetchHistory(ctx context.Context, s *session, data []byte) {
	parser := h.parsers.fetchHistoryPool.Get()
	defer h.parsers.fetchHistoryPool.Put(parser)
	v, _ := parser.ParseBytes(data)

	senderID, ok := stringID(v.Get("sender_user_id"))
	if !ok {
		h.sendError(s, "Missing Field \"sender_user_id\"")
		return
	}

	friendID, ok := stringID(v.Get("friend_user_id"))
	if !ok {
		h.sendError(s, "Missing Field \"friend_user_id\"")
		return
	}

	var requestID []byte
	if rv := v.Get("requestId"); rv != nil {
		requestID = rv.MarshalTo(nil)
	}

	offset := v.GetInt("offset")
	if offset < 0 {
		offset = 0
	}

	page, err := h.history.FetchPage(ctx, senderID, friendID, requestID, offset)
	if err != nil {
		h.reporter.Failure("fetch_history", err, "sender", senderID, "friend", friendID)
	}

	if err := s.Send("history", page); err != nil {
		h.reporter.Failure("emit_history", err, "session", s.id)
	}
}

// handleTyping handles "typing" events, forwarded live-only
func (h *sessionHandler) handleTyping(s *session, data []byte) {
	parser := h.parsers.typingPool.Get()
	defer h.parsers.typingPool.Put(parser)
	v, _ := parser.ParseBytes(data)

	senderID, ok := stringID(v.Get("sender_user_id"))
	if !ok {
		return
	}

	recipientID, ok := stringID(v.Get("recipient_user_id"))
	if !ok {
		return
	}

	h.delivery.ForwardTyping(senderID, recipientID)
}

// handleGlobalMessage handles "global_message" events
func (h *sessionHandler) handleGlobalMessage(ctx context.Context, s *session, data []byte) {
	parser := h.parsers.globalMessagePool.Get()
	defer h.parsers.globalMessagePool.Put(parser)
	v, _ := parser.ParseBytes(data)

	senderID, ok := stringID(v.Get("sender_user_id"))
	if !ok {
		h.sendError(s, "Missing Field \"sender_user_id\"")
		return
	}

	kind := storage.KindText
	if v.GetBool("image") {
		kind = storage.KindImage
	}

	msg := storage.GlobalMessage{
		SenderID:   senderID,
		SenderName: string(v.GetStringBytes("sender_name")),
		Content:    string(v.GetStringBytes("content")),
		Timestamp:  string(v.GetStringBytes("timestamp")),
		Kind:       kind,
	}

	if _, err := h.broadcast.Publish(ctx, msg); err != nil {
		if err == broadcast.ErrSenderBanned {
			h.sendError(s, "You are banned from sending messages")
			return
		}
		h.reporter.Failure("publish_global", err, "sender", senderID)
	}
}

// handleGlobalHistory handles "fetch_global_history" events
func (h *sessionHandler) handleGlobalHistory(ctx context.Context, s *session) {
	messages, err := h.broadcast.RecentHistory(ctx)
	if err != nil {
		h.logger.Errorf("Fetching global history: %v", err)
		h.sendError(s, "Database error")
		return
	}

	payload := struct {
		Messages []storage.GlobalMessage `json:"messages"`
	}{Messages: messages}

	if err := s.Send("global_history", payload); err != nil {
		h.reporter.Failure("emit_global_history", err, "session", s.id)
	}
}

func (h *sessionHandler) sendError(s *session, message string) {
	payload := struct {
		Message string `json:"message"`
	}{Message: message}

	if err := s.Send("error", payload); err != nil {
		h.reporter.Failure("emit_error", err, "session", s.id)
	}
}

func (h *sessionHandler) sendAckError(s *session, message string) {
	payload := struct {
		Error string `json:"error"`
	}{Error: message}

	if err := s.Send("ack", payload); err != nil {
		h.reporter.Failure("emit_ack_error", err, "session", s.id)
	}
}

// stringID extracts a user id accepting both JSON strings and numbers,
// matching what lenient clients actually send.
func stringID(v *fastjson.Value) (string, bool) {
	if v == nil {
		return "", false
	}

	switch v.Type() {
	case fastjson.TypeString:
		b, err := v.StringBytes()
		if err != nil || len(b) == 0 {
			return "", false
		}
		return string(b), true
	case fastjson.TypeNumber:
		return string(v.MarshalTo(nil)), true
	}

	return "", false
}
