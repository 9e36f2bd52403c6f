// Package prompt turns stored messages into backend prompts and cleans
// backend output before it reaches a chat.
package prompt

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/dispatchclaw/internal/types"
)

// Engine assembles token-budgeted prompts.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
}

// New creates an engine with the given token budget. model selects the
// tokenizer; unknown models fall back to cl100k_base.
func New(model string, maxTokens int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Engine{tokenizer: enc, maxTokens: maxTokens}, nil
}

// CountTokens returns the token count for text.
func (e *Engine) CountTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// FormatMessages renders every message in msgs as an XML transcript in
// arrival order. Use Fit to size a batch to the budget first.
func (e *Engine) FormatMessages(msgs []*types.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		b.WriteString(formatMessage(m))
		b.WriteByte('\n')
	}
	b.WriteString("</messages>")
	return b.String()
}

// Fit returns how many of the oldest msgs fit in the token budget. The
// first message always counts, so a single oversized message still goes
// out on its own. A zero budget fits everything.
func (e *Engine) Fit(msgs []*types.Message) int {
	if e.maxTokens <= 0 {
		return len(msgs)
	}
	used := 0
	for i, m := range msgs {
		used += e.CountTokens(formatMessage(m))
		if used > e.maxTokens && i > 0 {
			return i
		}
	}
	return len(msgs)
}

func formatMessage(m *types.Message) string {
	return fmt.Sprintf(`<message sender="%s" time="%s">%s</message>`,
		html.EscapeString(m.SenderName), html.EscapeString(m.Timestamp), html.EscapeString(m.Content))
}

var internalBlock = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// FormatOutbound strips <internal> blocks and surrounding whitespace.
func FormatOutbound(text string) string {
	return strings.TrimSpace(internalBlock.ReplaceAllString(text, ""))
}
