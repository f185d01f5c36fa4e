// Package chat is the message router: it validates and persists chat
// messages, fans them out to the session topic and records operator read
// receipts.
package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/zhouzirui/livedesk/backend/internal/apperr"
	"github.com/zhouzirui/livedesk/backend/internal/auth"
	"github.com/zhouzirui/livedesk/backend/internal/model/chat"
	"github.com/zhouzirui/livedesk/backend/internal/notify"
	"github.com/zhouzirui/livedesk/backend/internal/store"
)

const (
	DefaultMaxTextLength  = 2000
	DefaultPersistTimeout = 5 * time.Second
	notifyTimeout         = 10 * time.Second
)

// Channel is the part of the delivery hub the router publishes through.
type Channel interface {
	Publish(sessionID string, event chat.Event, excludeClientID string) int
	OperatorCount(sessionID string) int
}

// Config tunes validation and persistence.
type Config struct {
	// MaxTextLength is measured in runes.
	MaxTextLength  int
	PersistTimeout time.Duration
	// NoAgentsNotice is appended once per session as a system message when
	// a learner writes while no operator is connected. Empty disables it.
	NoAgentsNotice string
}

// SendRequest is one inbound chat message.
type SendRequest struct {
	SessionID string
	Sender    auth.Identity
	// Role is user or admin. Empty derives it with RoleFor.
	Role      chat.Sender
	Text      string

	// CorrelationID makes client retries idempotent.
	CorrelationID  string
	// OriginClientID is skipped during fan-out so the sender sees no echo.
	OriginClientID string
}

// Router implements SendMessage and AcknowledgeRead.
type Router struct {
	store    store.Store
	channel  Channel
	notifier notify.Notifier
	cfg      Config
	now      func() time.Time

	mu       sync.Mutex
	noticed  map[string]struct{}
	alerting sync.WaitGroup
}

func NewRouter(st store.Store, channel Channel, notifier notify.Notifier, cfg Config) *Router {
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = DefaultMaxTextLength
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Router{
		store:    st,
		channel:  channel,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		noticed:  make(map[string]struct{}),
	}
}

// SendMessage validates req, appends it to the transcript and publishes it.
// The returned message carries the server-assigned id and timestamp. A
// failed publish never fails the call; the append is already durable.
func (r *Router) SendMessage(ctx context.Context, req SendRequest) (chat.Message, error) {
	if req.Sender.UserID == "" {
		return chat.Message{}, apperr.ErrUnauthenticated
	}
	if err := r.validateText(req.Text); err != nil {
		return chat.Message{}, err
	}
	if req.Role != "" && req.Role != chat.SenderUser && req.Role != chat.SenderAdmin {
		return chat.Message{}, apperr.New(apperr.InvalidArgument, "sender role must be user or admin")
	}

	session, err := r.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return chat.Message{}, err
	}
	if !session.IsOpen() {
		return chat.Message{}, apperr.New(apperr.InvalidState, "session is closed")
	}
	if req.Role == "" {
		req.Role = RoleFor(session, req.Sender)
	}

	switch req.Role {
	case chat.SenderUser:
		if session.UserID != req.Sender.UserID {
			return chat.Message{}, apperr.New(apperr.Forbidden, "only the session owner may send as user")
		}
	case chat.SenderAdmin:
		if !req.Sender.IsOperator() {
			return chat.Message{}, apperr.New(apperr.Forbidden, "operator role required")
		}
	}

	msg, replayed, err := r.append(ctx, session.ID, chat.Message{
		Sender:        req.Role,
		SenderID:      req.Sender.UserID,
		Text:          req.Text,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return chat.Message{}, err
	}
	// A retried send was already delivered the first time.
	if replayed {
		return msg, nil
	}

	r.publish(chat.MessageEvent(msg), req.OriginClientID)

	if req.Role == chat.SenderUser && r.operatorsAbsent(session.ID) {
		r.alertOperators(req.Sender, msg)
		r.injectNotice(ctx, session.ID)
	}
	return msg, nil
}

// RoleFor reports the role id speaks with in session: operators writing
// into someone else's session are admins, everyone else is the user.
func RoleFor(session chat.Session, id auth.Identity) chat.Sender {
	if session.UserID != id.UserID && id.IsOperator() {
		return chat.SenderAdmin
	}
	return chat.SenderUser
}

// AcknowledgeRead marks a learner's message as read by an operator and
// sends a read receipt to the session topic. Acknowledging an already read
// message returns it without a second receipt.
func (r *Router) AcknowledgeRead(ctx context.Context, sessionID string, messageID int64, ackBy auth.Identity) (chat.Message, error) {
	if ackBy.UserID == "" {
		return chat.Message{}, apperr.ErrUnauthenticated
	}
	if !ackBy.IsOperator() {
		return chat.Message{}, apperr.New(apperr.Forbidden, "operator role required")
	}

	msg, err := r.store.GetMessage(ctx, sessionID, messageID)
	if err != nil {
		return chat.Message{}, err
	}
	if msg.Sender != chat.SenderUser {
		return chat.Message{}, apperr.New(apperr.InvalidArgument, "only user messages carry read state")
	}
	if msg.ReadByAdmin {
		return msg, nil
	}

	persistCtx, cancel := context.WithTimeout(ctx, r.cfg.PersistTimeout)
	defer cancel()
	updated, err := r.store.MarkRead(persistCtx, sessionID, messageID)
	if err != nil {
		return chat.Message{}, persistError(err)
	}

	r.publish(chat.ReadReceiptEvent(sessionID, chat.ReadReceipt{
		MessageID: messageID,
		ReadBy:    ackBy.UserID,
		ReadAt:    r.now(),
	}), "")
	return updated, nil
}

// Forget drops per-session bookkeeping once a session is closed.
func (r *Router) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.noticed, sessionID)
	r.mu.Unlock()
}

// Wait blocks until in-flight operator alerts have finished.
func (r *Router) Wait() {
	r.alerting.Wait()
}

func (r *Router) validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return apperr.New(apperr.InvalidArgument, "text must not be empty")
	}
	if utf8.RuneCountInString(text) > r.cfg.MaxTextLength {
		return apperr.New(apperr.InvalidArgument, "text exceeds maximum length")
	}
	return nil
}

func (r *Router) append(ctx context.Context, sessionID string, msg chat.Message) (chat.Message, bool, error) {
	persistCtx, cancel := context.WithTimeout(ctx, r.cfg.PersistTimeout)
	defer cancel()

	saved, replayed, err := r.store.AppendMessage(persistCtx, sessionID, msg)
	if err != nil {
		return chat.Message{}, false, persistError(err)
	}
	return saved, replayed, nil
}

// persistError keeps taxonomy errors and reports anything else, including
// deadline expiry, as retryable.
func persistError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.Unavailable, "persist timed out", err)
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Wrap(apperr.Unavailable, "persist failed", err)
}

func (r *Router) publish(event chat.Event, excludeClientID string) {
	if r.channel == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[chat] publish %s for session=%s failed: %v", event.Type, event.SessionID, rec)
		}
	}()
	r.channel.Publish(event.SessionID, event, excludeClientID)
}

func (r *Router) operatorsAbsent(sessionID string) bool {
	return r.channel == nil || r.channel.OperatorCount(sessionID) == 0
}

func (r *Router) alertOperators(sender auth.Identity, msg chat.Message) {
	alert := notify.Alert{
		SessionID: msg.SessionID,
		UserID:    sender.UserID,
		UserName:  sender.Name,
		Text:      msg.Text,
		At:        msg.Timestamp,
	}

	r.alerting.Add(1)
	go func() {
		defer r.alerting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := r.notifier.NotifyOperators(ctx, alert); err != nil {
			log.Printf("[chat] operator alert for session=%s failed: %v", alert.SessionID, err)
		}
	}()
}

func (r *Router) injectNotice(ctx context.Context, sessionID string) {
	if r.cfg.NoAgentsNotice == "" {
		return
	}

	r.mu.Lock()
	if _, done := r.noticed[sessionID]; done {
		r.mu.Unlock()
		return
	}
	r.noticed[sessionID] = struct{}{}
	r.mu.Unlock()

	notice, _, err := r.append(ctx, sessionID, chat.Message{
		Sender: chat.SenderSystem,
		Text:   r.cfg.NoAgentsNotice,
	})
	if err != nil {
		log.Printf("[chat] inject notice for session=%s failed: %v", sessionID, err)
		r.Forget(sessionID)
		return
	}
	r.publish(chat.MessageEvent(notice), "")
}
