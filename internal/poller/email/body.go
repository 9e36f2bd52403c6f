package email

import (
	"bytes"
	"html"
	"io"
	"log/slog"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
)

// BodyMaxLength caps the injected body, in characters.
const BodyMaxLength = 10_000

var htmlPolicy = bluemonday.UGCPolicy()

// extractBody returns the first text/plain part of raw, or the first
// text/html part converted to Markdown, truncated to BodyMaxLength.
func extractBody(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		slog.Debug("email parse failed", "error", err)
		return ""
	}
	defer mr.Close()

	var plain, htmlBody string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			slog.Debug("email part unreadable", "error", err)
			break
		}
		if p == nil {
			break
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		switch ct {
		case "text/plain":
			if plain == "" {
				plain = readPart(p.Body)
			}
		case "text/html":
			if htmlBody == "" {
				htmlBody = readPart(p.Body)
			}
		}
	}

	body := strings.TrimSpace(plain)
	if body == "" && htmlBody != "" {
		body = htmlToText(htmlBody)
	}
	return truncate(body, BodyMaxLength)
}

func readPart(r io.Reader) string {
	b, err := io.ReadAll(r)
	if err != nil {
		slog.Debug("email part read failed", "error", err)
	}
	return string(b)
}

func htmlToText(s string) string {
	clean := htmlPolicy.Sanitize(s)
	md, err := htmltomarkdown.ConvertString(clean)
	if err != nil {
		return strings.TrimSpace(html.UnescapeString(bluemonday.StrictPolicy().Sanitize(s)))
	}
	return strings.TrimSpace(md)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
