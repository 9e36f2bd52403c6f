package prompt

import (
	"strings"
	"testing"

	"github.com/user/dispatchclaw/internal/types"
)

func TestNewEngine(t *testing.T) {
	e, err := New("gpt-4", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if e.CountTokens("hello world") == 0 {
		t.Error("expected non-zero token count")
	}
}

func TestNewEngineUnknownModel(t *testing.T) {
	if _, err := New("no-such-model", 1000); err != nil {
		t.Fatalf("expected fallback tokenizer, got %v", err)
	}
}

func TestFormatMessages(t *testing.T) {
	e, err := New("gpt-4", 0)
	if err != nil {
		t.Fatal(err)
	}
	out := e.FormatMessages([]*types.Message{
		{SenderName: "Alice", Timestamp: "2026-01-01T00:00:01.000Z", Content: "@Andy hi"},
		{SenderName: "Bob <b>", Timestamp: "2026-01-01T00:00:02.000Z", Content: "a & b"},
	})
	if !strings.HasPrefix(out, "<messages>\n") || !strings.HasSuffix(out, "</messages>") {
		t.Errorf("unexpected envelope: %q", out)
	}
	if !strings.Contains(out, `<message sender="Alice" time="2026-01-01T00:00:01.000Z">@Andy hi</message>`) {
		t.Errorf("missing first message: %q", out)
	}
	if !strings.Contains(out, `sender="Bob &lt;b&gt;"`) || !strings.Contains(out, "a &amp; b") {
		t.Errorf("expected escaping: %q", out)
	}
	if strings.Index(out, "Alice") > strings.Index(out, "Bob") {
		t.Error("expected arrival order")
	}
}

func TestFormatMessagesKeepsEverything(t *testing.T) {
	e, err := New("gpt-4", 40)
	if err != nil {
		t.Fatal(err)
	}
	var msgs []*types.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, &types.Message{SenderName: "u", Timestamp: "t", Content: strings.Repeat("word ", 10)})
	}
	msgs[0].Content = "oldest"
	out := e.FormatMessages(msgs)
	if !strings.Contains(out, "oldest") {
		t.Error("rendering must not drop messages")
	}
	if got := strings.Count(out, "<message "); got != 10 {
		t.Errorf("expected 10 messages rendered, got %d", got)
	}
}

func TestFitSplitsOldestFirst(t *testing.T) {
	e, err := New("gpt-4", 40)
	if err != nil {
		t.Fatal(err)
	}
	var msgs []*types.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, &types.Message{SenderName: "u", Timestamp: "t", Content: strings.Repeat("word ", 10)})
	}
	n := e.Fit(msgs)
	if n < 1 || n >= len(msgs) {
		t.Fatalf("expected a partial batch, got %d of %d", n, len(msgs))
	}
	total := 0
	for _, m := range msgs[:n] {
		total += e.CountTokens(formatMessage(m))
	}
	if n > 1 && total > 40 {
		t.Errorf("batch of %d uses %d tokens, over budget", n, total)
	}
	if rest := e.Fit(msgs[n:]); rest < 1 {
		t.Error("the remainder must make progress")
	}
}

func TestFitKeepsOversizedSingle(t *testing.T) {
	e, err := New("gpt-4", 1)
	if err != nil {
		t.Fatal(err)
	}
	msgs := []*types.Message{
		{SenderName: "u", Content: "a long message that exceeds the budget"},
		{SenderName: "u", Content: "next"},
	}
	if n := e.Fit(msgs); n != 1 {
		t.Errorf("expected the oversized message alone, got %d", n)
	}
}

func TestFitWithoutBudget(t *testing.T) {
	e, err := New("gpt-4", 0)
	if err != nil {
		t.Fatal(err)
	}
	msgs := make([]*types.Message, 5)
	for i := range msgs {
		msgs[i] = &types.Message{Content: "x"}
	}
	if n := e.Fit(msgs); n != 5 {
		t.Errorf("expected all 5, got %d", n)
	}
}

func TestFormatOutbound(t *testing.T) {
	cases := []struct{ in, want string }{
		{"hello", "hello"},
		{"<internal>thinking</internal>answer", "answer"},
		{"a <internal>x\ny</internal> b", "a  b"},
		{"<internal>only</internal>", ""},
		{"  spaced  ", "spaced"},
		{"<internal>a</internal>x<internal>b</internal>", "x"},
	}
	for _, c := range cases {
		if got := FormatOutbound(c.in); got != c.want {
			t.Errorf("FormatOutbound(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
