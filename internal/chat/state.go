package chat

import (
	"fmt"
	"slices"
	"strings"

	"copydesk/internal/models"
)

// Status is the turn lifecycle of a session.
type Status string

const (
	StatusReady     Status = "ready"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
)

const (
	// ApologyText replaces a failed reply.
	ApologyText = "Sorry, something went wrong. Please try again."
	// AttachmentsOnlyText stands in for the text of a files-only turn.
	AttachmentsOnlyText = "(attached files)"
)

// State is everything a chat view renders. Transitions never mutate a State
// in place; each returns a fresh value so earlier snapshots stay valid.
type State struct {
	Messages  []models.ChatMessage
	Pending   []models.Attachment
	Status    Status
	Selection models.Selection
	// SessionID is the opaque id the server returned on an earlier turn.
	SessionID string
	// Rated holds the ids of replies that already have feedback queued.
	Rated []string
}

// NewState is the empty session a view starts with.
func NewState(sel models.Selection) State {
	return State{Status: StatusReady, Selection: sel}
}

// IsLoading reports whether a turn is in flight.
func (s State) IsLoading() bool {
	return s.Status == StatusSubmitted || s.Status == StatusStreaming
}

// CanSend mirrors the send button: enabled when idle and there is text or a
// pending attachment.
func (s State) CanSend(text string) bool {
	if s.IsLoading() {
		return false
	}
	return strings.TrimSpace(text) != "" || len(s.Pending) > 0
}

func appendMessage(msgs []models.ChatMessage, m models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return append(out, m)
}

// beginTurn moves ready → submitted, appending the user message and
// clearing the pending set. ok is false when the send is a no-op.
func beginTurn(s State, text, id string) (next State, user models.ChatMessage, ok bool) {
	if !s.CanSend(text) {
		return s, models.ChatMessage{}, false
	}
	content := strings.TrimSpace(text)
	if content == "" {
		content = AttachmentsOnlyText
	}
	user = models.ChatMessage{ID: id, Role: models.RoleUser, Content: content}
	if len(s.Pending) > 0 {
		user.Files = append([]models.Attachment(nil), s.Pending...)
	}
	next = s
	next.Messages = appendMessage(s.Messages, user)
	next.Pending = nil
	next.Status = StatusSubmitted
	return next, user, true
}

// beginStreaming moves submitted → streaming with an empty assistant message.
func beginStreaming(s State, assistantID, sessionID string) State {
	next := s
	next.Messages = appendMessage(s.Messages, models.ChatMessage{ID: assistantID, Role: models.RoleAssistant})
	next.Status = StatusStreaming
	if sessionID != "" {
		next.SessionID = sessionID
	}
	return next
}

// applyText replaces the content of the streaming assistant message wholesale.
func applyText(s State, assistantID, content string) State {
	next := s
	next.Messages = make([]models.ChatMessage, len(s.Messages))
	copy(next.Messages, s.Messages)
	for i := len(next.Messages) - 1; i >= 0; i-- {
		if next.Messages[i].ID == assistantID {
			next.Messages[i].Content = content
			break
		}
	}
	return next
}

// finishTurn returns to ready after the stream closed.
func finishTurn(s State) State {
	next := s
	next.Status = StatusReady
	return next
}

// failTurn appends a fresh apology and returns to ready. Any empty
// placeholder created by beginStreaming stays where it is.
func failTurn(s State, apologyID string) State {
	next := s
	next.Messages = appendMessage(s.Messages, models.ChatMessage{ID: apologyID, Role: models.RoleAssistant, Content: ApologyText})
	next.Status = StatusReady
	return next
}

// changeSelection swaps the ambient selection. A notice is appended only for
// a real change made while idle in a conversation that has started.
func changeSelection(s State, sel models.Selection, noticeID string) State {
	if sel == s.Selection {
		return s
	}
	next := s
	next.Selection = sel
	if s.Status != StatusReady || len(s.Messages) == 0 {
		return next
	}
	next.Messages = appendMessage(s.Messages, models.ChatMessage{
		ID:      noticeID,
		Role:    models.RoleAssistant,
		Content: SelectionNotice(sel),
	})
	return next
}

// SelectionNotice announces a selection change in the transcript.
func SelectionNotice(sel models.Selection) string {
	return fmt.Sprintf("Switched to %s for %s. Your next request will use these settings.",
		sel.ContentType.DisplayName(), sel.Platform.DisplayName())
}

func addPending(s State, files []models.Attachment) State {
	if len(files) == 0 {
		return s
	}
	next := s
	next.Pending = make([]models.Attachment, 0, len(s.Pending)+len(files))
	next.Pending = append(next.Pending, s.Pending...)
	next.Pending = append(next.Pending, files...)
	return next
}

func removePending(s State, idx int) State {
	if idx < 0 || idx >= len(s.Pending) {
		return s
	}
	next := s
	next.Pending = make([]models.Attachment, 0, len(s.Pending)-1)
	next.Pending = append(next.Pending, s.Pending[:idx]...)
	next.Pending = append(next.Pending, s.Pending[idx+1:]...)
	return next
}

// IsRated reports whether feedback was already queued for the reply id.
func (s State) IsRated(id string) bool {
	return slices.Contains(s.Rated, id)
}

func markRated(s State, id string) State {
	next := s
	next.Rated = append(slices.Clone(s.Rated), id)
	return next
}

func unmarkRated(s State, id string) State {
	next := s
	next.Rated = slices.DeleteFunc(slices.Clone(s.Rated), func(r string) bool { return r == id })
	return next
}

// reset starts a new chat, keeping the selection.
func reset(s State) State {
	return NewState(s.Selection)
}

// Visible drops assistant messages that have no content yet, such as the
// placeholder of a reply that failed before its first fragment.
func Visible(msgs []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleAssistant && m.Content == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// PrecedingUserMessage is the closest user message before index i.
func PrecedingUserMessage(msgs []models.ChatMessage, i int) (string, bool) {
	if i > len(msgs) {
		i = len(msgs)
	}
	for j := i - 1; j >= 0; j-- {
		if msgs[j].Role == models.RoleUser {
			return msgs[j].Content, true
		}
	}
	return "", false
}

// LastReply is the assistant answer to the most recent user message, if it
// produced any text. Notices and apologies are never replies.
func LastReply(msgs []models.ChatMessage) (models.ChatMessage, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != models.RoleUser {
			continue
		}
		if i+1 >= len(msgs) {
			return models.ChatMessage{}, false
		}
		reply := msgs[i+1]
		if reply.Role != models.RoleAssistant || reply.Content == "" || reply.Content == ApologyText {
			return models.ChatMessage{}, false
		}
		return reply, true
	}
	return models.ChatMessage{}, false
}
