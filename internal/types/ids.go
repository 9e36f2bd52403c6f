// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

// ChatID identifies a conversation. It always carries the owning
// platform's prefix, e.g. "sl:C0123" or "tg:-100123".
type ChatID string

// RunID identifies a single dispatch to the execution backend.
type RunID string

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// NewChatID joins a platform prefix and a native id.
func NewChatID(prefix, native string) ChatID {
	return ChatID(strings.TrimSuffix(prefix, ":") + ":" + native)
}

// Prefix returns the platform prefix including the trailing colon,
// or "" when the id has none.
func (c ChatID) Prefix() string {
	i := strings.IndexByte(string(c), ':')
	if i < 0 {
		return ""
	}
	return string(c[:i+1])
}

// Native strips the platform prefix.
func (c ChatID) Native() string {
	i := strings.IndexByte(string(c), ':')
	if i < 0 {
		return string(c)
	}
	return string(c[i+1:])
}
