package channels

import (
	"strings"
	"unicode/utf8"
)

// SplitText splits text into chunks of at most max bytes, preferring a
// paragraph break, then a line break, then a hard cut. A break is only
// used when it falls in the second half of the window.
func SplitText(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > max {
		window := remaining[:max]
		cut := strings.LastIndex(window, "\n\n")
		if cut < max/2 {
			cut = strings.LastIndex(window, "\n")
		}
		if cut < max/2 {
			cut = max
			for cut > 0 && !utf8.RuneStart(remaining[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max
			}
		}
		chunks = append(chunks, remaining[:cut])
		remaining = strings.TrimLeft(remaining[cut:], "\n")
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}
