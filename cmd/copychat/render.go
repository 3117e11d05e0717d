package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"copydesk/internal/chat"
	"copydesk/internal/models"
)

var (
	assistantLabel = color.New(color.FgCyan, color.Bold)
	noticeColor    = color.New(color.FgYellow)
	attachColor    = color.New(color.FgHiBlack)
	apologyColor   = color.New(color.FgRed)
)

// renderer prints the transcript incrementally: each state publication
// writes only what the terminal has not shown yet.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]int // message id -> bytes of content already written
	open    string         // id of the assistant message still streaming
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, printed: make(map[string]int)}
}

func (r *renderer) observe(st chat.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range chat.Visible(st.Messages) {
		n, seen := r.printed[m.ID]
		switch {
		case !seen && m.Role == models.RoleUser:
			// the user's own line is already on screen
			r.printed[m.ID] = len(m.Content)
			if len(m.Files) > 0 {
				names := make([]string, 0, len(m.Files))
				for _, f := range m.Files {
					names = append(names, f.Name)
				}
				attachColor.Fprintf(r.out, "  attached: %s\n", strings.Join(names, ", "))
			}
		case !seen:
			r.closeOpen()
			r.startAssistant(m)
		case len(m.Content) > n:
			fmt.Fprint(r.out, m.Content[n:])
			r.printed[m.ID] = len(m.Content)
		}
	}
	if !st.IsLoading() {
		r.closeOpen()
	}
}

func (r *renderer) startAssistant(m models.ChatMessage) {
	r.printed[m.ID] = len(m.Content)
	switch {
	case m.Content == chat.ApologyText:
		apologyColor.Fprintln(r.out, m.Content)
	case strings.HasPrefix(m.Content, "Switched to "):
		noticeColor.Fprintln(r.out, m.Content)
	default:
		assistantLabel.Fprint(r.out, "copy› ")
		fmt.Fprint(r.out, m.Content)
		r.open = m.ID
	}
}

func (r *renderer) closeOpen() {
	if r.open == "" {
		return
	}
	fmt.Fprintln(r.out)
	r.open = ""
}

// reset forgets everything printed, after /new.
func (r *renderer) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeOpen()
	r.printed = make(map[string]int)
}
