// Package channels defines the platform adapter contract and the registry
// that routes outbound text to the adapter owning a chat id.
package channels

import (
	"context"
	"log/slog"
	"strings"

	"github.com/user/dispatchclaw/internal/types"
)

// Channel is implemented by every platform adapter.
type Channel interface {
	// Name returns the channel identifier ("slack", "telegram", "discord").
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	SendMessage(ctx context.Context, chatID types.ChatID, text string) error
	// OwnsChatID reports whether chatID carries this channel's prefix.
	OwnsChatID(chatID types.ChatID) bool
}

// Typer is implemented by channels that can show a typing indicator.
type Typer interface {
	SetTyping(ctx context.Context, chatID types.ChatID, on bool) error
}

// Inbound is where adapters hand off normalized traffic.
type Inbound interface {
	StoreMessage(ctx context.Context, m *types.Message) error
	StoreChatMetadata(ctx context.Context, c *types.Chat) error
}

// Options is shared by every adapter constructor.
type Options struct {
	Inbound       Inbound
	IsRegistered  func(types.ChatID) bool
	AssistantName string
}

// Deliver records chat metadata for every message and stores the message
// itself only for registered chats with non-empty content.
func (o Options) Deliver(ctx context.Context, chat *types.Chat, m *types.Message) {
	if o.Inbound == nil {
		return
	}
	if err := o.Inbound.StoreChatMetadata(ctx, chat); err != nil {
		logStoreError(m.ChatID, err)
	}
	if o.IsRegistered == nil || !o.IsRegistered(m.ChatID) {
		debugUnregistered(chat)
		return
	}
	if strings.TrimSpace(m.Content) == "" {
		return
	}
	if err := o.Inbound.StoreMessage(ctx, m); err != nil {
		logStoreError(m.ChatID, err)
	}
}

// Trigger returns the "@Name" trigger for the assistant.
func (o Options) Trigger() string {
	return "@" + o.AssistantName
}

// WithTrigger prepends the trigger unless content already starts with it.
func (o Options) WithTrigger(content string) string {
	content = strings.TrimSpace(content)
	if o.AssistantName == "" || strings.HasPrefix(strings.ToLower(content), strings.ToLower(o.Trigger())) {
		return content
	}
	if content == "" {
		return o.Trigger()
	}
	return o.Trigger() + " " + content
}

// AttachmentPlaceholder renders a text placeholder for a file by MIME type.
func AttachmentPlaceholder(name, mimeType string) string {
	if name == "" {
		name = "file"
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "[Image: " + name + "]"
	case strings.HasPrefix(mimeType, "video/"):
		return "[Video: " + name + "]"
	case strings.HasPrefix(mimeType, "audio/"):
		return "[Audio: " + name + "]"
	default:
		return "[File: " + name + "]"
	}
}

// AppendLines joins extra lines under content, skipping an empty content.
func AppendLines(content string, lines []string) string {
	if len(lines) == 0 {
		return content
	}
	extra := strings.Join(lines, "\n")
	if content == "" {
		return extra
	}
	return content + "\n" + extra
}

func logStoreError(chatID types.ChatID, err error) {
	slog.Error("store inbound failed", "chat_id", string(chatID), "error", err)
}

func debugUnregistered(chat *types.Chat) {
	slog.Debug("message from unregistered chat", "chat_id", string(chat.ChatID), "name", chat.Name)
}
