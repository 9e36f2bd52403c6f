// Package agentmail polls an Agent Mail inbox over JSON-RPC and injects
// each message into a registered chat.
package agentmail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/dispatchclaw/internal/poller"
	"github.com/user/dispatchclaw/internal/types"
)

// CursorKey is the router_state key holding the since_ts cursor.
const CursorKey = "agent_mail_since_ts"

// Config identifies the agent and the chat messages are injected into.
type Config struct {
	URL        string
	Token      string
	ProjectKey string
	AgentName  string
	TargetChat types.ChatID
}

// InboxMessage is one fetch_inbox item.
type InboxMessage struct {
	ID          int64  `json:"id"`
	Subject     string `json:"subject"`
	From        string `json:"from"`
	CreatedTS   string `json:"created_ts"`
	Importance  string `json:"importance"`
	AckRequired bool   `json:"ack_required"`
	Kind        string `json:"kind,omitempty"`
	BodyMD      string `json:"body_md,omitempty"`
}

// Source implements poller.Source for Agent Mail.
type Source struct {
	cfg    Config
	client *Client
	sink   *poller.Sink
	cursor *poller.Cursor[string]
}

// New creates a source. The cursor is loaded from state; a load failure
// starts from the beginning of the inbox.
func New(ctx context.Context, cfg Config, sink *poller.Sink, state poller.StateStore) *Source {
	cursor := poller.NewStringCursor(state, CursorKey)
	if err := cursor.Load(ctx); err != nil {
		slog.Warn("agent mail cursor unreadable, starting fresh", "error", err)
	}
	return &Source{
		cfg:    cfg,
		client: NewClient(cfg.URL, cfg.Token),
		sink:   sink,
		cursor: cursor,
	}
}

func (s *Source) Name() string { return "agentmail" }

// Start registers the agent identity.
func (s *Source) Start(ctx context.Context) error {
	_, err := s.client.CallTool(ctx, "register_agent", map[string]any{
		"project_key":      s.cfg.ProjectKey,
		"name":             s.cfg.AgentName,
		"program":          "dispatchclaw",
		"model":            "external",
		"task_description": "dispatchclaw inbox injection poller",
	})
	if err != nil {
		return fmt.Errorf("register agent %s: %w", s.cfg.AgentName, err)
	}
	slog.Info("agent mail registered", "agent", s.cfg.AgentName, "project", s.cfg.ProjectKey)
	return nil
}

// Poll fetches new inbox items and processes them in order.
func (s *Source) Poll(ctx context.Context) error {
	args := map[string]any{
		"project_key":    s.cfg.ProjectKey,
		"agent_name":     s.cfg.AgentName,
		"include_bodies": true,
		"limit":          poller.PageSize,
	}
	if since := s.cursor.Value(); since != "" {
		args["since_ts"] = since
	}
	result, err := s.client.CallTool(ctx, "fetch_inbox", args)
	if err != nil {
		return fmt.Errorf("fetch inbox: %w", err)
	}

	messages := parseInboxResult(result)
	if len(messages) > 0 {
		slog.Info("agent mail received messages", "count", len(messages))
	}
	for _, m := range messages {
		if err := s.process(ctx, m); err != nil {
			slog.Error("agent mail store failed", "message_id", m.ID, "error", err)
			break
		}
	}
	if err := s.cursor.Commit(ctx); err != nil {
		slog.Error("agent mail cursor save failed", "error", err)
	}
	return nil
}

func (s *Source) process(ctx context.Context, m InboxMessage) error {
	ts, ok := types.NormalizeTimestamp(m.CreatedTS)
	if !ok {
		slog.Warn("agent mail timestamp unparseable, using receive time", "message_id", m.ID, "created_ts", m.CreatedTS)
	}
	msg := &types.Message{
		ID:         fmt.Sprintf("am-%d", m.ID),
		ChatID:     s.cfg.TargetChat,
		Sender:     "am:" + m.From,
		SenderName: m.From + " (AgentMail)",
		Content:    strings.TrimSpace(fmt.Sprintf("[AgentMail from %s] %s\n\n%s", m.From, m.Subject, m.BodyMD)),
		Timestamp:  ts,
	}
	if err := s.sink.Deliver(ctx, msg); err != nil {
		return err
	}

	s.sink.Activity(ctx, m.From, ts, m.Subject)
	s.sink.Alert(ctx, m.From, m.Subject, m.ID)

	s.bestEffort(ctx, "mark_message_read", m.ID)
	if m.AckRequired {
		s.bestEffort(ctx, "acknowledge_message", m.ID)
	}

	s.cursor.Advance(m.CreatedTS)
	return nil
}

func (s *Source) bestEffort(ctx context.Context, tool string, id int64) {
	_, err := s.client.CallTool(ctx, tool, map[string]any{
		"project_key": s.cfg.ProjectKey,
		"agent_name":  s.cfg.AgentName,
		"message_id":  id,
	})
	if err != nil {
		slog.Warn("agent mail side effect failed", "tool", tool, "message_id", id, "error", err)
	}
}

type mcpContent struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// parseInboxResult accepts an MCP text content wrapper holding an array,
// {messages:[...]} or {data:"<json array>"}, or a bare array. Anything
// else yields no items.
func parseInboxResult(raw json.RawMessage) []InboxMessage {
	var wrapped mcpContent
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		for _, c := range wrapped.Content {
			if c.Type != "text" || c.Text == "" {
				continue
			}
			if msgs, ok := decodeInbox([]byte(c.Text)); ok {
				return msgs
			}
		}
	}

	var direct []InboxMessage
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct
	}
	if len(raw) > 0 && string(raw) != "null" {
		slog.Warn("agent mail inbox payload not understood", "bytes", len(raw))
	}
	return nil
}

func decodeInbox(text []byte) ([]InboxMessage, bool) {
	var list []InboxMessage
	if err := json.Unmarshal(text, &list); err == nil {
		return list, true
	}

	var obj struct {
		Messages []InboxMessage `json:"messages"`
		Data     *string        `json:"data"`
	}
	if err := json.Unmarshal(text, &obj); err != nil {
		return nil, false
	}
	if obj.Messages != nil {
		return obj.Messages, true
	}
	if obj.Data != nil {
		var inner []InboxMessage
		if err := json.Unmarshal([]byte(*obj.Data), &inner); err == nil {
			return inner, true
		}
	}
	return nil, false
}
