package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"copydesk/internal/attachment"
	"copydesk/internal/backend"
	"copydesk/internal/models"
)

var (
	// ErrMessageNotFound is returned by Rate for an unknown or non-assistant id.
	ErrMessageNotFound = errors.New("assistant message not found")
	// ErrAlreadyRated is returned by Rate for a reply that already has feedback.
	ErrAlreadyRated = errors.New("reply already rated")
)

// Transport opens one streamed turn.
type Transport interface {
	StreamChat(ctx context.Context, req *models.ChatRequest) (*backend.Stream, error)
}

// FeedbackQueue accepts a rating for asynchronous delivery.
type FeedbackQueue interface {
	Submit(ctx context.Context, fb *models.Feedback) (string, error)
}

// Observer receives every published state, in order. It runs on the
// goroutine that made the change and may call Snapshot, but must not call
// any method that changes the session.
type Observer func(State)

// Session drives one conversation: it builds requests, consumes the streamed
// reply and publishes each intermediate state to the observer.
type Session struct {
	transport Transport
	encoder   *attachment.Encoder
	feedback  FeedbackQueue
	observer  Observer
	logger    *zap.Logger

	mu      sync.Mutex
	state   State
	latest  atomic.Pointer[State]
	publish sync.Mutex
	newID   func() string
}

// Option customises a Session.
type Option func(*Session)

// WithObserver registers the render callback.
func WithObserver(fn Observer) Option {
	return func(s *Session) { s.observer = fn }
}

// WithFeedback routes Rate to q.
func WithFeedback(q FeedbackQueue) Option {
	return func(s *Session) { s.feedback = q }
}

// WithSelection sets the initial content type and platform.
func WithSelection(sel models.Selection) Option {
	return func(s *Session) { s.state.Selection = sel }
}

// NewSession wires a session to its transport and encoder.
func NewSession(transport Transport, encoder *attachment.Encoder, logger *zap.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if encoder == nil {
		encoder = attachment.NewEncoder(logger)
	}
	s := &Session{
		transport: transport,
		encoder:   encoder,
		logger:    logger,
		state:     NewState(models.DefaultSelection()),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	initial := s.state
	s.latest.Store(&initial)
	return s
}

// Snapshot returns the latest committed state. It takes no lock, so an
// observer may call it while a publication is in progress.
func (s *Session) Snapshot() State {
	return *s.latest.Load()
}

// update applies fn and publishes the result. The publish lock is taken
// before the state lock is released so observers see states in order.
func (s *Session) update(fn func(State) State) State {
	s.mu.Lock()
	prev := s.state
	next := fn(prev)
	s.state = next
	s.latest.Store(&next)
	s.publish.Lock()
	s.mu.Unlock()
	defer s.publish.Unlock()
	if s.observer != nil {
		s.observer(next)
	}
	return next
}

// Send submits text plus any pending attachments and consumes the reply. It
// reports false, without any effect, when a turn is already in flight or
// there is nothing to send. It returns once the turn has finished.
func (s *Session) Send(ctx context.Context, text string) bool {
	var (
		user   models.ChatMessage
		sent   bool
		before State
	)
	s.update(func(st State) State {
		before = st
		next, msg, ok := beginTurn(st, text, s.newID())
		user, sent = msg, ok
		return next
	})
	if !sent {
		return false
	}

	req := &models.ChatRequest{
		Messages:    models.Wire(append(append([]models.ChatMessage(nil), before.Messages...), user)),
		ContentType: before.Selection.ContentType,
		Platform:    before.Selection.Platform,
		Files:       models.WireFiles(user.Files),
		SessionID:   before.SessionID,
	}
	s.logger.Debug("chat turn submitted",
		zap.Int("messages", len(req.Messages)),
		zap.Int("files", len(req.Files)),
		zap.String("content_type", string(req.ContentType)),
		zap.String("platform", string(req.Platform)))

	stream, err := s.transport.StreamChat(ctx, req)
	if err != nil {
		s.fail(err)
		return true
	}
	defer stream.Close()

	assistantID := s.newID()
	s.update(func(st State) State { return beginStreaming(st, assistantID, stream.SessionID()) })

	var acc strings.Builder
	for frag, err := range stream.Fragments() {
		if err != nil {
			s.fail(err)
			return true
		}
		acc.WriteString(frag)
		content := acc.String()
		s.update(func(st State) State { return applyText(st, assistantID, content) })
	}
	s.update(finishTurn)
	s.logger.Debug("chat turn finished", zap.Int("reply_bytes", acc.Len()))
	return true
}

func (s *Session) fail(err error) {
	s.logger.Warn("chat turn failed", zap.Error(err))
	apologyID := s.newID()
	s.update(func(st State) State { return failTurn(st, apologyID) })
}

// AddFiles encodes files and appends the accepted ones to the pending set.
// Rejected or unreadable files are skipped. It returns how many were added.
func (s *Session) AddFiles(ctx context.Context, files []attachment.File) int {
	encoded := s.encoder.Encode(ctx, files)
	if len(encoded) == 0 {
		return 0
	}
	s.update(func(st State) State { return addPending(st, encoded) })
	return len(encoded)
}

// RemoveFile drops the pending attachment at idx; out-of-range is a no-op.
func (s *Session) RemoveFile(idx int) {
	s.update(func(st State) State { return removePending(st, idx) })
}

// NewChat clears the transcript, pending files and session id. It is ignored
// while a turn is in flight.
func (s *Session) NewChat() bool {
	cleared := false
	s.update(func(st State) State {
		if st.IsLoading() {
			return st
		}
		cleared = true
		return reset(st)
	})
	return cleared
}

// SetContentType changes the content type for later turns.
func (s *Session) SetContentType(ct models.ContentType) {
	noticeID := s.newID()
	s.update(func(st State) State {
		sel := st.Selection
		sel.ContentType = ct
		return changeSelection(st, sel, noticeID)
	})
}

// SetPlatform changes the platform for later turns.
func (s *Session) SetPlatform(p models.Platform) {
	noticeID := s.newID()
	s.update(func(st State) State {
		sel := st.Selection
		sel.Platform = p
		return changeSelection(st, sel, noticeID)
	})
}

// Rate queues feedback on the assistant message with the given id, paired
// with the user message that preceded it. A reply is rated at most once.
// Delivery happens later; only queueing failures are returned.
func (s *Session) Rate(ctx context.Context, messageID string, rating models.Rating, note string) error {
	if s.feedback == nil {
		return errors.New("feedback not configured")
	}
	st := s.Snapshot()
	idx := -1
	for i, m := range st.Messages {
		if m.ID == messageID && m.Role == models.RoleAssistant {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrMessageNotFound
	}
	claimed := false
	s.update(func(st State) State {
		if st.IsRated(messageID) {
			return st
		}
		claimed = true
		return markRated(st, messageID)
	})
	if !claimed {
		return ErrAlreadyRated
	}

	userText, _ := PrecedingUserMessage(st.Messages, idx)
	fb := &models.Feedback{
		ContentType:      st.Selection.ContentType,
		Platform:         st.Selection.Platform,
		UserMessage:      userText,
		AssistantMessage: st.Messages[idx].Content,
		Rating:           rating,
		FeedbackNote:     strings.TrimSpace(note),
	}
	id, err := s.feedback.Submit(ctx, fb)
	if err != nil {
		s.logger.Warn("feedback not queued", zap.String("message_id", messageID), zap.Error(err))
		// let the user try again
		s.update(func(st State) State { return unmarkRated(st, messageID) })
		return err
	}
	s.logger.Debug("feedback queued", zap.String("message_id", messageID), zap.String("feedback_id", id))
	return nil
}
