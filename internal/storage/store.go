package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"chat-relay/internal/storage/zapadapter"
)

var (
	ErrInvalidMessage  = errors.New("invalid message record")
	ErrMessageNotExist = errors.New("message does not exist")
	ErrUserNotExist    = errors.New("user does not exist")
)

// Store defines fields used in db interaction processes
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Close closes underlying connection pool
func (s *Store) Close() {
	s.db.Close()
}

// InsertMessage stores a new direct message with pending = true and returns its id.
func (s *Store) InsertMessage(ctx context.Context, m Message) (int64, error) {
	s.logger.Debugf("Storing message from user (%s) to user (%s)", m.SenderID, m.RecipientID)

	kind := m.Kind
	if kind == "" {
		kind = KindText
	}

	var id int64
	sql := `insert into messages (sender_user_id, recipient_user_id, content, timestamp, message_type, pending)
			values ($1, $2, $3, $4, $5, true) returning id`
	err := s.db.QueryRow(ctx, sql, m.SenderID, m.RecipientID, m.Content, m.Timestamp, kind).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.NotNullViolation, pgerrcode.CheckViolation:
				return 0, ErrInvalidMessage
			}
		}
		return 0, err
	}

	s.logger.Debugf("Stored message with id %d", id)

	return id, nil
}

// MarkDelivered flips pending to false for the message with the given id.
// The id must be the one returned by InsertMessage for that exact message.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	sql := "update messages set pending = false where id = $1"
	tag, err := s.db.Exec(ctx, sql, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotExist
	}

	return nil
}

// PendingByRecipient returns all undelivered messages addressed to the given
// user, ordered by timestamp ascending with the id as tie-break.
func (s *Store) PendingByRecipient(ctx context.Context, recipientID string) ([]Message, error) {
	s.logger.Debugf("Retrieving pending messages for user (%s)", recipientID)

	sql := `select id, sender_user_id, recipient_user_id, content, timestamp, message_type, pending
			  from messages
			 where recipient_user_id = $1 and pending
			 order by timestamp asc, id asc`

	rows, err := s.db.Query(ctx, sql, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	s.logger.Debugf("Retrieved %d pending messages", len(messages))

	return messages, nil
}

// CountConversation returns the total number of messages exchanged between
// the unordered pair of users.
func (s *Store) CountConversation(ctx context.Context, userA, userB string) (int64, error) {
	var count int64
	sql := `select count(*) from messages
			 where (sender_user_id = $1 and recipient_user_id = $2)
				or (sender_user_id = $2 and recipient_user_id = $1)`
	err := s.db.QueryRow(ctx, sql, userA, userB).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}

// ConversationPage returns a slice of the conversation between the unordered
// pair of users, newest first, limited and offset SQL-style. Callers wanting
// chronological order reverse the slice themselves.
func (s *Store) ConversationPage(ctx context.Context, userA, userB string, limit, offset int) ([]Message, error) {
	s.logger.Debugf("Retrieving conversation page for users (%s, %s) limit=%d offset=%d", userA, userB, limit, offset)

	sql := `select id, sender_user_id, recipient_user_id, content, timestamp, message_type, pending
			  from messages
			 where (sender_user_id = $1 and recipient_user_id = $2)
				or (sender_user_id = $2 and recipient_user_id = $1)
			 order by timestamp desc, id desc
			 limit $3 offset $4`

	rows, err := s.db.Query(ctx, sql, userA, userB, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	s.logger.Debugf("Retrieved %d conversation messages", len(messages))

	return messages, nil
}

// ExpirePendingBefore flips pending to false for undelivered messages whose
// timestamp is older than the cutoff. Rows already delivered are never
// touched, so the job is idempotent and safe to run alongside live traffic.
func (s *Store) ExpirePendingBefore(ctx context.Context, cutoff string) (int64, error) {
	sql := "update messages set pending = false where pending and timestamp < $1"
	tag, err := s.db.Exec(ctx, sql, cutoff)
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

// InsertGlobalMessage appends a message to the global broadcast log and returns its id.
func (s *Store) InsertGlobalMessage(ctx context.Context, m GlobalMessage) (int64, error) {
	s.logger.Debugf("Storing global message from user (%s)", m.SenderID)

	kind := m.Kind
	if kind == "" {
		kind = KindText
	}

	var id int64
	sql := `insert into global_messages (sender_user_id, sender_name, content, timestamp, message_type)
			values ($1, $2, $3, $4, $5) returning id`
	err := s.db.QueryRow(ctx, sql, m.SenderID, m.SenderName, m.Content, m.Timestamp, kind).Scan(&id)
	if err != nil {
		return 0, err
	}

	return id, nil
}

// RecentGlobalMessages returns up to limit most recent global messages in
// ascending timestamp order.
func (s *Store) RecentGlobalMessages(ctx context.Context, limit int) ([]GlobalMessage, error) {
	sql := `select id, sender_user_id, sender_name, content, timestamp, message_type from (
				select id, sender_user_id, sender_name, content, timestamp, message_type
				  from global_messages
				 order by timestamp desc, id desc
				 limit $1
			) sub order by timestamp asc, id asc`

	rows, err := s.db.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []GlobalMessage
	for rows.Next() {
		var m GlobalMessage
		err = rows.Scan(&m.ID, &m.SenderID, &m.SenderName, &m.Content, &m.Timestamp, &m.Kind)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return messages, nil
}

// DeleteGlobalBefore removes global messages older than the cutoff.
func (s *Store) DeleteGlobalBefore(ctx context.Context, cutoff string) (int64, error) {
	sql := "delete from global_messages where timestamp < $1"
	tag, err := s.db.Exec(ctx, sql, cutoff)
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

// RegisterUser upserts a registered user and returns the registration time.
// Re-registering keeps the original registered_at and refreshes the username.
func (s *Store) RegisterUser(ctx context.Context, userID, username string) (time.Time, error) {
	s.logger.Debugf("Registering user (%s)", userID)

	var registeredAt time.Time
	sql := `insert into registered_users (user_id, username, registered_at)
			values ($1, $2, $3)
			on conflict (user_id) do update set username = excluded.username
			returning registered_at`
	err := s.db.QueryRow(ctx, sql, userID, username, time.Now()).Scan(&registeredAt)
	if err != nil {
		return time.Time{}, err
	}

	return registeredAt, nil
}

// RegisteredAmong filters the provided ids down to those that belong to
// registered users, preserving no particular order.
func (s *Store) RegisteredAmong(ctx context.Context, userIDs []string) ([]string, error) {
	s.logger.Debugf("Filtering %d ids against registered users", len(userIDs))

	var ids pgtype.TextArray
	if err := ids.Set(userIDs); err != nil {
		return nil, err
	}

	sql := "select user_id from registered_users where user_id = any($1)"
	rows, err := s.db.Query(ctx, sql, &ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var registered []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		registered = append(registered, id)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return registered, nil
}

// IsBanned reports whether the given user is ban-flagged. Unknown users are
// not banned.
func (s *Store) IsBanned(ctx context.Context, userID string) (bool, error) {
	var banned bool
	sql := "select banned from registered_users where user_id = $1"
	err := s.db.QueryRow(ctx, sql, userID).Scan(&banned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	return banned, nil
}

// SetBanned flips the ban flag for a registered user.
func (s *Store) SetBanned(ctx context.Context, userID string, banned bool) error {
	sql := "update registered_users set banned = $2 where user_id = $1"
	tag, err := s.db.Exec(ctx, sql, userID, banned)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotExist
	}

	return nil
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &m.Timestamp, &m.Kind, &m.Pending)
		if err != nil {
			return nil, err
		}
		m.Image = m.Kind == KindImage
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return messages, nil
}
