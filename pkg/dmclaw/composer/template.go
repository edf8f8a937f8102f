package composer

import (
	"regexp"
	"time"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/queue"
)

// DefaultTemplate is the template-mode reply.
const DefaultTemplate = `Got your message: "{excerpt}". Thanks for reaching out, I'll review and reply with full context shortly.`

const excerptRunes = 120

var placeholderRE = regexp.MustCompile(`\{([^{}]+)\}`)

// RenderTemplate fills {sender_name}, {sender_handle}, {text}, {excerpt}
// and {now_utc}. Unknown placeholders are left as written.
func RenderTemplate(tmpl string, msg queue.ClaimedMessage, now time.Time) string {
	name := msg.SenderName("friend")
	handle := "there"
	if msg.SenderHandle != "" {
		handle = "@" + msg.SenderHandle
	}
	excerpt := msg.Text
	if r := []rune(excerpt); len(r) > excerptRunes {
		excerpt = string(r[:excerptRunes]) + "…"
	}

	values := map[string]string{
		"sender_name":   name,
		"sender_handle": handle,
		"text":          msg.Text,
		"excerpt":       excerpt,
		"now_utc":       now.UTC().Format(time.RFC3339),
	}
	return placeholderRE.ReplaceAllStringFunc(tmpl, func(m string) string {
		if v, ok := values[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}
