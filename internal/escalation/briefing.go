package escalation

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/dispatchclaw/internal/poller"
	"github.com/user/dispatchclaw/internal/types"
)

// Briefing renders the morning summary: open blockers, silent agents and
// the status of each configured poller. A nil status means the poller is
// not configured.
func (s *Sweeper) Briefing(ctx context.Context, agentMail, email *poller.Status) (string, error) {
	blockers, err := s.store.UnresolvedBlockers(ctx)
	if err != nil {
		return "", err
	}
	silent, err := s.store.SilentAgents(ctx, s.now().Add(-SilenceThreshold))
	if err != nil {
		return "", err
	}

	now := s.now()
	var b strings.Builder
	b.WriteString("*Morning Briefing*\n")
	fmt.Fprintf(&b, "Generated: %s\n", types.FormatTimestamp(now))

	if len(blockers) == 0 {
		b.WriteString("\n*Blockers*\nNone.\n")
	} else {
		b.WriteString("\n*Unresolved Blockers*\n")
		for _, bl := range blockers {
			fmt.Fprintf(&b, "- %s: \"%s\" (%d min, L%d)\n",
				bl.Sender, bl.Subject, int(now.Sub(bl.FirstPosted).Minutes()), bl.Level)
		}
	}

	if len(silent) > 0 {
		b.WriteString("\n*Silent Agents (>6h)*\n")
		for _, a := range silent {
			b.WriteString("- " + describeAgent(a, "last") + "\n")
		}
	}

	b.WriteString("\n*Infrastructure*\n")
	fmt.Fprintf(&b, "- Agent Mail: %s\n", statusText(agentMail))
	fmt.Fprintf(&b, "- Email (IMAP): %s\n", statusText(email))
	return strings.TrimRight(b.String(), "\n"), nil
}

func statusText(s *poller.Status) string {
	if s == nil {
		return "not configured"
	}
	return string(s.State)
}
