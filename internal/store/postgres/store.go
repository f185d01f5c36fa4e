// Package postgres provides PostgreSQL storage for chat sessions and transcripts.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/zhouzirui/livedesk/backend/internal/apperr"
	"github.com/zhouzirui/livedesk/backend/internal/model/chat"
	"github.com/zhouzirui/livedesk/backend/internal/store"
)

// uniqueViolation is the SQLSTATE raised by unique indexes.
const uniqueViolation = "23505"

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var sessionColumns = []string{"id", "user_id", "status", "created_at", "closed_at"}

var messageColumns = []string{
	"session_id", "seq", "sender", "sender_id", "body",
	"created_at", "read_by_admin", "correlation_id",
}

// Store implements store.Store using PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a PostgreSQL store over an open database handle.
func New(db *sql.DB) *Store {
	return &Store{
		db: db,
		// PostgreSQL keeps microsecond precision.
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// CreateSession inserts an open session. The partial unique index on
// (user_id) WHERE status = 'open' rejects a second open session.
func (s *Store) CreateSession(ctx context.Context, userID string) (chat.Session, error) {
	if userID == "" {
		return chat.Session{}, apperr.New(apperr.InvalidArgument, "user id is required")
	}

	session := chat.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    chat.StatusOpen,
		CreatedAt: s.now(),
	}

	query, args, err := psq.Insert("chat_sessions").
		Columns("id", "user_id", "status", "created_at").
		Values(session.ID, session.UserID, string(session.Status), session.CreatedAt).
		ToSql()
	if err != nil {
		return chat.Session{}, fmt.Errorf("building insert session: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return chat.Session{}, apperr.Wrap(apperr.Conflict, "user already has an open session", err)
		}
		return chat.Session{}, unavailable("inserting session", err)
	}
	return session, nil
}

func (s *Store) FindOpenSession(ctx context.Context, userID string) (chat.Session, error) {
	query, args, err := psq.Select(sessionColumns...).
		From("chat_sessions").
		Where(sq.Eq{"user_id": userID, "status": string(chat.StatusOpen)}).
		ToSql()
	if err != nil {
		return chat.Session{}, fmt.Errorf("building find open session: %w", err)
	}

	session, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, apperr.New(apperr.NotFound, "no open session")
	}
	if err != nil {
		return chat.Session{}, unavailable("scanning open session", err)
	}
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	return s.getSession(ctx, s.db, sessionID)
}

// ListSessions returns matching sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, filter store.SessionFilter) ([]chat.Session, error) {
	qb := psq.Select(sessionColumns...).From("chat_sessions")
	if filter.Status != "" {
		qb = qb.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.UserID != "" {
		qb = qb.Where(sq.Eq{"user_id": filter.UserID})
	}
	query, args, err := qb.OrderBy("created_at DESC", "id DESC").
		Limit(uint64(filter.EffectiveLimit())).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("listing sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []chat.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, unavailable("scanning session row", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating session rows", err)
	}
	return sessions, nil
}

// CloseSession flips an open session to closed, freeing the user's open slot.
func (s *Store) CloseSession(ctx context.Context, sessionID string, closedAt time.Time) (chat.Session, error) {
	query, args, err := psq.Update("chat_sessions").
		Set("status", string(chat.StatusClosed)).
		Set("closed_at", closedAt.UTC()).
		Where(sq.Eq{"id": sessionID, "status": string(chat.StatusOpen)}).
		Suffix("RETURNING id, user_id, status, created_at, closed_at").
		ToSql()
	if err != nil {
		return chat.Session{}, fmt.Errorf("building close session: %w", err)
	}

	session, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetSession(ctx, sessionID); getErr != nil {
			return chat.Session{}, getErr
		}
		return chat.Session{}, apperr.New(apperr.InvalidState, "session already closed")
	}
	if err != nil {
		return chat.Session{}, unavailable("closing session", err)
	}
	return session, nil
}

// AppendMessage allocates the next sequence number and inserts the message in
// one transaction. The UPDATE on chat_sessions takes a row lock, so appends
// to the same session commit in sequence order.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg chat.Message) (chat.Message, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, false, unavailable("beginning append", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if msg.CorrelationID != "" {
		existing, err := s.findByCorrelation(ctx, tx, sessionID, msg.CorrelationID)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return chat.Message{}, false, unavailable("looking up correlation id", err)
		}
	}

	query, args, err := psq.Update("chat_sessions").
		Set("last_seq", sq.Expr("last_seq + 1")).
		Where(sq.Eq{"id": sessionID, "status": string(chat.StatusOpen)}).
		Suffix("RETURNING last_seq").
		ToSql()
	if err != nil {
		return chat.Message{}, false, fmt.Errorf("building sequence update: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.getSession(ctx, tx, sessionID); getErr != nil {
				return chat.Message{}, false, getErr
			}
			return chat.Message{}, false, apperr.New(apperr.InvalidState, "session is closed")
		}
		return chat.Message{}, false, unavailable("allocating message sequence", err)
	}

	msg.ID = seq
	msg.SessionID = sessionID
	msg.Timestamp = s.now()
	msg.ReadByAdmin = false

	insert, args, err := psq.Insert("chat_messages").
		Columns(messageColumns...).
		Values(msg.SessionID, msg.ID, string(msg.Sender), msg.SenderID, msg.Text,
			msg.Timestamp, msg.ReadByAdmin, nullString(msg.CorrelationID)).
		ToSql()
	if err != nil {
		return chat.Message{}, false, fmt.Errorf("building insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
		if isUniqueViolation(err) && msg.CorrelationID != "" {
			_ = tx.Rollback()
			existing, findErr := s.findByCorrelation(ctx, s.db, sessionID, msg.CorrelationID)
			if findErr != nil {
				return chat.Message{}, false, unavailable("reloading deduplicated message", findErr)
			}
			return existing, true, nil
		}
		return chat.Message{}, false, unavailable("inserting message", err)
	}

	if err := tx.Commit(); err != nil {
		return chat.Message{}, false, unavailable("committing message", err)
	}
	committed = true
	return msg, false, nil
}

func (s *Store) GetMessage(ctx context.Context, sessionID string, messageID int64) (chat.Message, error) {
	query, args, err := psq.Select(messageColumns...).
		From("chat_messages").
		Where(sq.Eq{"session_id": sessionID, "seq": messageID}).
		ToSql()
	if err != nil {
		return chat.Message{}, fmt.Errorf("building get message: %w", err)
	}

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, apperr.New(apperr.NotFound, "message not found")
	}
	if err != nil {
		return chat.Message{}, unavailable("scanning message", err)
	}
	return msg, nil
}

// MarkRead sets read_by_admin. The update is a no-op for rows already read.
func (s *Store) MarkRead(ctx context.Context, sessionID string, messageID int64) (chat.Message, error) {
	query, args, err := psq.Update("chat_messages").
		Set("read_by_admin", true).
		Where(sq.Eq{"session_id": sessionID, "seq": messageID}).
		Suffix("RETURNING session_id, seq, sender, sender_id, body, created_at, read_by_admin, correlation_id").
		ToSql()
	if err != nil {
		return chat.Message{}, fmt.Errorf("building mark read: %w", err)
	}

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, apperr.New(apperr.NotFound, "message not found")
	}
	if err != nil {
		return chat.Message{}, unavailable("marking message read", err)
	}
	return msg, nil
}

// GetTranscript returns every message of the session ordered by sequence.
func (s *Store) GetTranscript(ctx context.Context, sessionID string) ([]chat.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	query, args, err := psq.Select(messageColumns...).
		From("chat_messages").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("seq ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building transcript query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("querying transcript", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]chat.Message, 0, 16)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, unavailable("scanning message row", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating message rows", err)
	}
	return messages, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (*Store) getSession(ctx context.Context, q queryer, sessionID string) (chat.Session, error) {
	query, args, err := psq.Select(sessionColumns...).
		From("chat_sessions").
		Where(sq.Eq{"id": sessionID}).
		ToSql()
	if err != nil {
		return chat.Session{}, fmt.Errorf("building get session: %w", err)
	}

	session, err := scanSession(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, apperr.New(apperr.NotFound, "session not found")
	}
	if err != nil {
		return chat.Session{}, unavailable("scanning session", err)
	}
	return session, nil
}

func (*Store) findByCorrelation(ctx context.Context, q queryer, sessionID, correlationID string) (chat.Message, error) {
	query, args, err := psq.Select(messageColumns...).
		From("chat_messages").
		Where(sq.Eq{"session_id": sessionID, "correlation_id": correlationID}).
		ToSql()
	if err != nil {
		return chat.Message{}, fmt.Errorf("building correlation lookup: %w", err)
	}
	return scanMessage(q.QueryRowContext(ctx, query, args...))
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (chat.Session, error) {
	var (
		session  chat.Session
		status   string
		closedAt sql.NullTime
	)
	if err := row.Scan(&session.ID, &session.UserID, &status, &session.CreatedAt, &closedAt); err != nil {
		return chat.Session{}, err
	}
	session.Status = chat.Status(status)
	session.CreatedAt = session.CreatedAt.UTC()
	if closedAt.Valid {
		ts := closedAt.Time.UTC()
		session.ClosedAt = &ts
	}
	return session, nil
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		msg         chat.Message
		sender      string
		correlation sql.NullString
	)
	err := row.Scan(&msg.SessionID, &msg.ID, &sender, &msg.SenderID, &msg.Text,
		&msg.Timestamp, &msg.ReadByAdmin, &correlation)
	if err != nil {
		return chat.Message{}, err
	}
	msg.Sender = chat.Sender(sender)
	msg.Timestamp = msg.Timestamp.UTC()
	msg.CorrelationID = correlation.String
	return msg, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func unavailable(op string, err error) error {
	return apperr.Wrap(apperr.Unavailable, op, err)
}

// Verify interface compliance.
var _ store.Store = (*Store)(nil)
