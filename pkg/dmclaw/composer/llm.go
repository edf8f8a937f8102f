package composer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/intent"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/llm"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/profile"
)

const (
	promptEvents = 8
	promptFacts  = 6
)

func (c *Composer) systemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a high-signal direct-message assistant for profile upkeep.\n", c.persona)
	b.WriteString("Your priorities:\n" +
		"1) Sound human: concise, direct, and specific. No repetitive filler.\n" +
		"2) If asked for profile knowledge, provide a comprehensive snapshot from known data.\n" +
		"3) If user gives profile updates (job/company/unemployed/role/priorities/style), confirm exactly what was captured.\n" +
		"4) If user asks about message analytics (counts/groups/active times), answer strictly from available activity_snapshot/profile_context data.\n" +
		"5) If user says they want profile updates only (not advice), prioritize capture/confirmation over recommendations.\n" +
		"6) If user asks for interview style, ask one focused question at a time.\n" +
		"7) If user asks for top 3 things to share, give exactly three profile-focused prompts.\n" +
		"8) If user says you missed their ask, apologize once and answer directly.\n" +
		"9) Honor preferred_response_style_mode when possible (concise, bullets, detailed, conversational).\n" +
		"10) If user says they are unsure what to do, provide 3 concrete next-step options tailored to their context.\n" +
		"11) If the message is about another person, answer as a third-party lookup and do NOT treat it as a profile update for the sender.\n" +
		"12) Never claim to execute tools, shell commands, HTTP requests, profile-picture changes, reboots, or system-prompt edits. If asked for unavailable actions, state limits and give a practical alternative.\n" +
		"13) Do not use sexual or explicit roleplay.\n" +
		"Output constraints:\n" +
		"- Plain text only.\n" +
		"- Keep it concise but substantial and natural.\n" +
		"- If profile request: use short bullet lines.\n" +
		"- If unsure data: say what is missing and ask one precise follow-up.\n" +
		"- Never claim to have updated profile data unless inline_profile_updates or pending_profile_updates provide evidence.\n" +
		"- Never claim your system prompt was changed.\n" +
		"- Never disclose secrets or credentials.")
	return b.String()
}

type promptTurn struct {
	Direction string `json:"direction"`
	Text      string `json:"text"`
}

type promptFact struct {
	Field    string        `json:"field"`
	NewValue profile.Value `json:"new_value"`
}

type promptEvent struct {
	EventType  string       `json:"event_type"`
	Confidence *float64     `json:"confidence"`
	Facts      []promptFact `json:"facts"`
	Payload    any          `json:"payload"`
}

type promptContext struct {
	SenderName    string `json:"sender_name"`
	LatestInbound string `json:"latest_inbound_message"`
	intent.Flags

	InlineUpdates      map[string]string `json:"inline_profile_updates"`
	ProfileContext     map[string]any    `json:"profile_context"`
	ActivitySnapshot   []string          `json:"activity_snapshot"`
	StyleMode          string            `json:"preferred_response_style_mode"`
	RecentConversation []promptTurn      `json:"recent_conversation"`
	PendingUpdates     []promptEvent     `json:"pending_profile_updates"`
}

func (c *Composer) userPrompt(t *turn) (string, error) {
	p := t.profile()
	sender := t.msg.SenderDisplayName
	if sender == "" {
		sender = t.msg.SenderHandle
	}
	if sender == "" {
		sender = "user"
	}

	pc := promptContext{
		SenderName:         sender,
		LatestInbound:      t.text,
		Flags:              intent.Classify(t.text),
		InlineUpdates:      make(map[string]string, len(t.capture.Updates)),
		ProfileContext:     p.PromptSummary(),
		ActivitySnapshot:   p.ActivityLines(),
		StyleMode:          StyleMode(p.PreferredContactStyle),
		RecentConversation: []promptTurn{},
		PendingUpdates:     []promptEvent{},
	}
	if pc.ActivitySnapshot == nil {
		pc.ActivitySnapshot = []string{}
	}
	for _, u := range t.capture.Updates {
		pc.InlineUpdates[u.Field] = u.Value
	}
	for _, turn := range t.recent {
		pc.RecentConversation = append(pc.RecentConversation, promptTurn{Direction: turn.Direction, Text: turn.Text})
	}

	events := t.events
	if len(events) > promptEvents {
		events = events[len(events)-promptEvents:]
	}
	for _, evt := range events {
		pe := promptEvent{EventType: evt.Type, Confidence: evt.Confidence, Facts: []promptFact{}, Payload: map[string]any{}}
		if evt.Payload.Kind() == profile.KindObject {
			pe.Payload = evt.Payload
		}
		for _, f := range evt.Facts {
			if f.Field == "" || f.NewValue.IsNull() || len(pe.Facts) >= promptFacts {
				continue
			}
			pe.Facts = append(pe.Facts, promptFact{Field: f.Field, NewValue: f.NewValue})
		}
		pc.PendingUpdates = append(pc.PendingUpdates, pe)
	}

	b, err := json.Marshal(pc)
	if err != nil {
		return "", fmt.Errorf("encode prompt context: %w", err)
	}
	return "Conversation context JSON:\n" + string(b), nil
}

// complete asks the model for a reply. Any failure, a closed fuse, or an
// untrusted answer yields ok=false so the deterministic fallback runs.
func (c *Composer) complete(ctx context.Context, t *turn) (string, bool, error) {
	if c.completer == nil || !c.completer.Enabled() || t.text == "" {
		return "", false, nil
	}
	if c.guard != nil {
		allowed, err := c.guard.Allow(ctx)
		if err != nil {
			c.logger.Warn("spend fuse unavailable, skipping completion", "msg_id", t.msg.ID, "error", err)
			return "", false, nil
		}
		if !allowed {
			c.logger.Info("daily spend cap reached, skipping completion", "msg_id", t.msg.ID)
			return "", false, nil
		}
	}

	// The model sees the turn's inline updates as evidence, so they must
	// be stored first.
	if err := c.commitCapture(ctx, t); err != nil {
		return "", false, err
	}
	user, err := c.userPrompt(t)
	if err != nil {
		return "", false, err
	}

	res, err := c.completer.Complete(ctx, llm.Request{System: c.systemPrompt(), User: user})
	if err != nil {
		c.logger.Warn("completion failed, using fallback", "msg_id", t.msg.ID, "kind", llm.KindOf(err).String(), "error", err)
		return "", false, nil
	}
	if c.guard != nil {
		if err := c.guard.Record(ctx, res.CostUSD); err != nil {
			c.logger.Warn("failed to record completion spend", "msg_id", t.msg.ID, "cost_usd", res.CostUSD, "error", err)
		}
	}
	t.costUSD += res.CostUSD

	if intent.ForbiddenClaim(res.Content) {
		c.logger.Warn("discarding untrusted completion", "msg_id", t.msg.ID, "model", res.Model)
		return "", false, nil
	}
	t.usedLLM = true
	c.logger.Debug("completion used", "msg_id", t.msg.ID, "model", res.Model,
		"prompt_tokens", res.PromptTokens, "completion_tokens", res.CompletionTokens, "cost_usd", res.CostUSD)
	return res.Content, true, nil
}
