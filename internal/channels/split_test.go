package channels

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTextShort(t *testing.T) {
	parts := SplitText("hello", 10)
	if len(parts) != 1 || parts[0] != "hello" {
		t.Errorf("unexpected parts %q", parts)
	}
	if SplitText("", 10) != nil {
		t.Error("expected no chunks for empty text")
	}
}

func TestSplitTextParagraph(t *testing.T) {
	text := strings.Repeat("a", 60) + "\n\n" + strings.Repeat("b", 60)
	parts := SplitText(text, 100)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if parts[0] != strings.Repeat("a", 60) || parts[1] != strings.Repeat("b", 60) {
		t.Errorf("expected split at paragraph, got %q", parts)
	}
}

func TestSplitTextLineFallback(t *testing.T) {
	// paragraph break too early, line break in the second half
	text := "x\n\n" + strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
	parts := SplitText(text, 100)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if !strings.HasSuffix(parts[0], "a") || parts[1] != strings.Repeat("b", 60) {
		t.Errorf("expected split at line break, got %q", parts)
	}
}

func TestSplitTextHard(t *testing.T) {
	parts := SplitText(strings.Repeat("a", 5000), 4096)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != 4096 {
		t.Errorf("expected first part length 4096, got %d", len(parts[0]))
	}
}

func TestSplitTextRuneSafe(t *testing.T) {
	text := strings.Repeat("é", 100)
	for _, p := range SplitText(text, 51) {
		if !utf8.ValidString(p) {
			t.Fatalf("chunk split a rune: %q", p)
		}
		if len(p) > 51 {
			t.Errorf("chunk too long: %d", len(p))
		}
	}
}

func TestSplitTextPreservesContent(t *testing.T) {
	text := strings.Repeat("line of text\n", 500)
	parts := SplitText(text, 400)
	joined := strings.Join(parts, "\n")
	if strings.Count(joined, "line of text") != 500 {
		t.Error("content lost while splitting")
	}
}
