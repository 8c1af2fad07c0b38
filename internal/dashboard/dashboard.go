// Package dashboard builds the read-model served over the HTTP control
// surface and the /ws/dashboard channel: conversation summaries, per-session
// history views, and the combined metrics snapshot.
package dashboard

import (
	"time"

	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/pkg/types"
)

// titleLength is how many characters of the first user message become the
// conversation title before truncation.
const titleLength = 47

// previewLength bounds the preview snippet of the latest message.
const previewLength = 120

// Conversation is the list-view summary of one session.
type Conversation struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	Preview      string    `json:"preview"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// TimelineItem is one conversation entry in the detail view.
type TimelineItem struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []types.ToolCall `json:"tool_calls,omitempty"`
}

// Detail is the full view of one session.
type Detail struct {
	Conversation
	Timeline []TimelineItem          `json:"timeline"`
	Metrics  metrics.SessionSnapshot `json:"metrics"`
}

// MetricsView combines the server snapshot with per-session snapshots for
// the dashboard metrics endpoint.
type MetricsView struct {
	Server   metrics.ServerSnapshot    `json:"server"`
	Sessions []metrics.SessionSnapshot `json:"sessions"`
}

// InitialState is the first frame sent on a new /ws/dashboard connection.
type InitialState struct {
	Type          string         `json:"type"`
	Conversations []Conversation `json:"conversations"`
	Metrics       MetricsView    `json:"metrics"`
}

// ReadModel renders sessions and metrics into dashboard views.
type ReadModel struct {
	store  *session.Store
	server *metrics.Server
}

// New creates a ReadModel over the session store and server metrics.
func New(store *session.Store, server *metrics.Server) *ReadModel {
	return &ReadModel{store: store, server: server}
}

// Conversations returns the list view of every live session, newest first.
func (r *ReadModel) Conversations() []Conversation {
	sessions := r.store.List()
	out := make([]Conversation, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, summarize(s))
	}
	return out
}

// Session returns the detail view of one session.
func (r *ReadModel) Session(id string) (Detail, bool) {
	s, ok := r.store.Get(id)
	if !ok {
		return Detail{}, false
	}
	return Detail{
		Conversation: summarize(s),
		Timeline:     timeline(s.Conversation()),
		Metrics:      s.Metrics.Snapshot(),
	}, true
}

// History returns just the timeline of one session.
func (r *ReadModel) History(id string) ([]TimelineItem, bool) {
	s, ok := r.store.Get(id)
	if !ok {
		return nil, false
	}
	return timeline(s.Conversation()), true
}

// Metrics returns the combined metrics view.
func (r *ReadModel) Metrics() MetricsView {
	sessions := r.store.List()
	view := MetricsView{
		Server:   r.server.Snapshot(),
		Sessions: make([]metrics.SessionSnapshot, 0, len(sessions)),
	}
	for _, s := range sessions {
		view.Sessions = append(view.Sessions, s.Metrics.Snapshot())
	}
	return view
}

// InitialState builds the snapshot frame for a new dashboard subscriber.
func (r *ReadModel) InitialState() InitialState {
	return InitialState{
		Type:          "initial_state",
		Conversations: r.Conversations(),
		Metrics:       r.Metrics(),
	}
}

// summarize derives the list-view summary from a session.
func summarize(s *session.Session) Conversation {
	conv := s.Conversation()
	return Conversation{
		SessionID:    s.ID,
		Title:        deriveTitle(conv),
		Preview:      derivePreview(conv),
		MessageCount: len(conv),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
	}
}

// deriveTitle takes the first user message, truncated with an ellipsis.
func deriveTitle(conv []types.Message) string {
	for _, m := range conv {
		if m.Role == "user" && m.Content != "" {
			return truncate(m.Content, titleLength)
		}
	}
	return "New conversation"
}

// derivePreview takes the content of the latest non-tool message.
func derivePreview(conv []types.Message) string {
	for i := len(conv) - 1; i >= 0; i-- {
		if m := conv[i]; m.Role != "tool" && m.Content != "" {
			return truncate(m.Content, previewLength)
		}
	}
	return ""
}

// timeline converts the conversation into display items.
func timeline(conv []types.Message) []TimelineItem {
	items := make([]TimelineItem, 0, len(conv))
	for _, m := range conv {
		items = append(items, TimelineItem{
			Role:      m.Role,
			Content:   m.Content,
			ToolCalls: m.ToolCalls,
		})
	}
	return items
}

// truncate cuts s to max runes, appending "..." when anything was cut.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
