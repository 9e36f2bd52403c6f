package router

import (
	"regexp"
	"strings"

	"github.com/user/dispatchclaw/internal/types"
)

// Provider hints passed to the backend.
const (
	ProviderClaude = "claude"
	ProviderCodex  = "codex"
)

// ProfileConfig selects the provider and model hints for each dispatch.
type ProfileConfig struct {
	DefaultProvider string
	Sticky          bool
	CheapModel      string
	HeavyModel      string
}

// Profile is the execution profile chosen for one dispatch.
type Profile struct {
	Provider string
	Model    string
	Reason   string
}

// Env renders the profile as backend environment variables.
func (p Profile) Env() map[string]string {
	return map[string]string{
		"DISPATCHCLAW_PROVIDER_HINT":   p.Provider,
		"DISPATCHCLAW_MODEL_HINT":      p.Model,
		"DISPATCHCLAW_PROVIDER_REASON": p.Reason,
	}
}

var (
	codexOverride  = regexp.MustCompile(`(?i)\[(use-codex|provider:codex)\]`)
	claudeOverride = regexp.MustCompile(`(?i)\[(use-claude|provider:claude)\]`)
	heavyKeywords  = regexp.MustCompile(`(?i)\b(strategy|governance|constitutional|tradeoff|architecture|discuss|long-form|briefing)\b`)
	urgentTags     = regexp.MustCompile(`(?i)\[(blocked|error|urgent)\]`)
)

// chooseProfileLocked picks a provider in priority order: explicit override,
// heavy or urgent content, then the chat's sticky choice. Callers hold r.mu.
func (r *Router) chooseProfileLocked(chatID types.ChatID, msgs []*types.Message) Profile {
	cfg := r.cfg.Profile
	provider := ProviderCodex
	if strings.EqualFold(cfg.DefaultProvider, ProviderClaude) {
		provider = ProviderClaude
	}

	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.SenderName)
		b.WriteByte(' ')
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	text := b.String()

	reason := "default"
	heavy := heavyKeywords.MatchString(text)
	switch {
	case claudeOverride.MatchString(text):
		provider, reason = ProviderClaude, "explicit_claude_override"
	case codexOverride.MatchString(text):
		provider, reason = ProviderCodex, "explicit_codex_override"
	case heavy:
		provider, reason = ProviderClaude, "complex_reasoning"
	case urgentTags.MatchString(text):
		provider, reason = ProviderClaude, "urgent_or_blocked"
	case cfg.Sticky:
		if s, ok := r.sticky[chatID]; ok {
			provider, reason = s, "sticky"
		}
	}
	if cfg.Sticky {
		r.sticky[chatID] = provider
	}

	model := cfg.CheapModel
	if provider == ProviderClaude && cfg.HeavyModel != "" {
		model = cfg.HeavyModel
	}
	return Profile{Provider: provider, Model: model, Reason: reason}
}
