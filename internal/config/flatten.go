package config

import "strings"

// secretKeys are dotted keys masked by ListValues and the CLI.
var secretKeys = map[string]bool{
	"slack.bot_token":      true,
	"slack.app_token":      true,
	"slack.alerts_webhook": true,
	"telegram.token":       true,
	"discord.token":        true,
	"agent_mail.token":     true,
	"mail.imap.password":   true,
	"mail.smtp.password":   true,
	"healthcheck_ping_url": true,
}

// IsSecretKey reports whether a dotted key holds a credential.
func IsSecretKey(key string) bool { return secretKeys[key] }

// Flatten turns nested sections into dotted keys:
// {"mail": {"imap": {"port": 993}}} becomes {"mail.imap.port": 993}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A scalar sitting where a section is
// needed is replaced by the section.
func Unflatten(flat map[string]any) map[string]any {
	root := make(map[string]any)
	for key, v := range flat {
		parts := strings.Split(key, ".")
		node := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = v
	}
	return root
}

// MaskSecrets copies flat with every non-empty secret reduced to "***"
// plus its last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		s, ok := v.(string)
		if !secretKeys[k] || !ok || s == "" {
			continue
		}
		out[k] = "***" + s[max(0, len(s)-4):]
	}
	return out
}
