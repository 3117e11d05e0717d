package models

// Role marks who authored a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one transcript entry. Only the newest assistant message is
// ever rewritten, and only while its reply is streaming.
type ChatMessage struct {
	ID      string       `json:"id"`
	Role    Role         `json:"role"`
	Content string       `json:"content"`
	Files   []Attachment `json:"files,omitempty"`
}

// Attachment is a validated file carried inline as base64.
type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	Data string `json:"data"`
}

// WireMessage is the {role, content} projection sent upstream.
type WireMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// WireFile is the projection of an Attachment sent with the current turn.
type WireFile struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data string `json:"data"`
}

// ChatRequest is the body of one chat turn.
type ChatRequest struct {
	Messages    []WireMessage `json:"messages"`
	ContentType ContentType   `json:"contentType"`
	Platform    Platform      `json:"platform"`
	Files       []WireFile    `json:"files,omitempty"`
	SessionID   string        `json:"sessionId,omitempty"`
}

// Wire projects a transcript to the form the backend consumes.
func Wire(messages []ChatMessage) []WireMessage {
	out := make([]WireMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, WireMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// WireFiles drops the size field from each attachment.
func WireFiles(files []Attachment) []WireFile {
	if len(files) == 0 {
		return nil
	}
	out := make([]WireFile, 0, len(files))
	for _, f := range files {
		out = append(out, WireFile{Name: f.Name, Type: f.Type, Data: f.Data})
	}
	return out
}
