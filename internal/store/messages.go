package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/user/dispatchclaw/internal/types"
)

const messageColumns = `id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message`

// StoreMessage upserts a message. Redelivery of the same id is harmless.
func (s *Store) StoreMessage(ctx context.Context, m *types.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.ChatID), m.Sender, m.SenderName, m.Content, m.Timestamp,
		boolToInt(m.IsFromMe), boolToInt(m.IsBotMessage),
	)
	if err != nil {
		return fmt.Errorf("store message %s: %w", m.ID, err)
	}
	return nil
}

// StoreChatMetadata records that a chat was seen. An empty name keeps the
// existing one; last_message_time only moves forward.
func (s *Store) StoreChatMetadata(ctx context.Context, chat *types.Chat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, name, channel, is_group, last_message_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			channel = CASE WHEN excluded.channel != '' THEN excluded.channel ELSE chats.channel END,
			is_group = excluded.is_group,
			last_message_time = MAX(chats.last_message_time, excluded.last_message_time)`,
		string(chat.ChatID), chat.Name, chat.Channel, boolToInt(chat.IsGroup), chat.LastMessageTime,
	)
	if err != nil {
		return fmt.Errorf("store chat metadata %s: %w", chat.ChatID, err)
	}
	return nil
}

// ListChats returns all known chats, most recently active first.
func (s *Store) ListChats(ctx context.Context) ([]*types.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT jid, name, channel, is_group, last_message_time FROM chats ORDER BY last_message_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []*types.Chat
	for rows.Next() {
		var c types.Chat
		var jid string
		var isGroup int
		if err := rows.Scan(&jid, &c.Name, &c.Channel, &isGroup, &c.LastMessageTime); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.ChatID = types.ChatID(jid)
		c.IsGroup = isGroup == 1
		chats = append(chats, &c)
	}
	return chats, rows.Err()
}

// GetMessagesSince returns the chat's user messages newer than since, in
// arrival order. Messages written by the assistant itself are excluded.
func (s *Store) GetMessagesSince(ctx context.Context, chatID types.ChatID, since, assistantName string) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_jid = ? AND timestamp > ? AND is_bot_message = 0 AND content NOT LIKE ?
		ORDER BY timestamp, rowid`,
		string(chatID), since, assistantName+":%",
	)
	if err != nil {
		return nil, fmt.Errorf("messages since %s for %s: %w", since, chatID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetNewMessages returns user messages newer than since across the given
// chats, along with the highest timestamp among them (since when empty).
func (s *Store) GetNewMessages(ctx context.Context, chatIDs []types.ChatID, since, assistantName string) ([]*types.Message, string, error) {
	if len(chatIDs) == 0 {
		return nil, since, nil
	}
	args := make([]any, 0, len(chatIDs)+2)
	args = append(args, since)
	for _, id := range chatIDs {
		args = append(args, string(id))
	}
	args = append(args, assistantName+":%")

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE timestamp > ? AND chat_jid IN (`+placeholders(len(chatIDs))+`)
			AND is_bot_message = 0 AND content NOT LIKE ?
		ORDER BY timestamp, rowid`, args...)
	if err != nil {
		return nil, since, fmt.Errorf("new messages since %s: %w", since, err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, since, err
	}
	newest := since
	for _, m := range msgs {
		if m.Timestamp > newest {
			newest = m.Timestamp
		}
	}
	return msgs, newest, nil
}

func scanMessages(rows *sql.Rows) ([]*types.Message, error) {
	var msgs []*types.Message
	for rows.Next() {
		var m types.Message
		var chatID string
		var fromMe, bot int
		if err := rows.Scan(&m.ID, &chatID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp, &fromMe, &bot); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ChatID = types.ChatID(chatID)
		m.IsFromMe = fromMe == 1
		m.IsBotMessage = bot == 1
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}
