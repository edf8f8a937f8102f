package composer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/intent"
)

// Style modes derived from the preferred contact style.
const (
	ModeDefault        = "default"
	ModeBullets        = "bullets"
	ModeConcise        = "concise"
	ModeDetailed       = "detailed"
	ModeConversational = "conversational"
)

const (
	conciseMaxLines = 3
	conciseMaxRunes = 320
	maxBullets      = 4
)

var listLineRE = regexp.MustCompile(`(?m)^\s*(?:[-*]\s+|\d+[.)])`)

// StyleMode maps a free-text style preference to a mode.
func StyleMode(style string) string {
	s := strings.ToLower(style)
	switch {
	case s == "":
		return ModeDefault
	case strings.Contains(s, "bullet") || strings.Contains(s, "list"):
		return ModeBullets
	case containsAny(s, "concise", "short", "brief", "direct"):
		return ModeConcise
	case containsAny(s, "detailed", "long", "deep", "comprehensive"):
		return ModeDetailed
	case containsAny(s, "back-and-forth", "conversational", "casual"):
		return ModeConversational
	}
	return ModeDefault
}

// AdaptStyle reshapes reply for mode. Detailed, conversational and default
// keep the authored text.
func AdaptStyle(reply, mode string) string {
	clean := intent.Clean(reply)
	if clean == "" {
		return reply
	}
	switch mode {
	case ModeConcise:
		var lines []string
		for _, line := range strings.Split(reply, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
			if len(lines) == conciseMaxLines {
				break
			}
		}
		compact := strings.Join(lines, "\n")
		if r := []rune(compact); len(r) > conciseMaxRunes {
			compact = strings.TrimRight(string(r[:conciseMaxRunes-3]), " \n") + "..."
		}
		return compact

	case ModeBullets:
		if listLineRE.MatchString(reply) {
			return reply
		}
		sentences := splitSentences(clean)
		if len(sentences) <= 1 {
			return reply
		}
		if len(sentences) > maxBullets {
			sentences = sentences[:maxBullets]
		}
		out := make([]string, len(sentences))
		for i, s := range sentences {
			out[i] = "- " + strings.TrimRight(s, ".")
		}
		return strings.Join(out, "\n")
	}
	return reply
}

// splitSentences cuts after '.', '!' or '?' when whitespace follows.
func splitSentences(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			if s[i+1] == ' ' {
				if part := strings.TrimSpace(s[start : i+1]); part != "" {
					out = append(out, part)
				}
				start = i + 1
			}
		}
	}
	if part := strings.TrimSpace(s[start:]); part != "" {
		out = append(out, part)
	}
	return out
}

func stylePendingPrompt(value string) string {
	return fmt.Sprintf("Quick check: should I switch to %s replies from now on? (yes/no)", value)
}

func styleReconfirmPrompt(value string) string {
	return fmt.Sprintf("By the way, do you still prefer %s replies? Reply yes to keep it, or tell me what to change.", value)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
