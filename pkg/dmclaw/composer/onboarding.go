package composer

import (
	"context"
	"fmt"
	"reflect"
	"slices"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/intent"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/profile"
)

var slotQuestions = map[string][]string{
	profile.FieldRole: {
		"What title should I store for you right now?",
		"What role best describes what you do day to day right now?",
	},
	profile.FieldCompany: {
		"What company, project, or current status should I map you to?",
		"What org/project are you currently focused on?",
	},
	profile.FieldTopics: {
		"What are your top 2 priorities right now?",
		"What 2-3 focus areas should I tag (for example: grants, partnerships, pre-TGE chains)?",
	},
	profile.FieldStyle: {
		"How should I communicate with you: concise bullets, detailed notes, or quick back-and-forth?",
		"What response style do you prefer from me?",
	},
}

func slotQuestion(field string, seed int64) string {
	options, ok := slotQuestions[field]
	if !ok {
		options = slotQuestions[profile.FieldRole]
	}
	return pick(options, seed)
}

func (c *Composer) onboardingIntro(sender string, done, total int) string {
	if done <= 0 {
		return fmt.Sprintf("Hey %s, I'm %s, an AI assistant (not a human).\n", sender, c.persona) +
			"I help you keep your profile accurate so responses and suggestions stay relevant.\n" +
			fmt.Sprintf("Let's do a quick %d-step onboarding.", total)
	}
	return fmt.Sprintf("Great, quick profile check-in: %d/%d fields captured.", done, total)
}

// onboarding advances the slot-filling state machine. It returns ok=false
// when the flow has nothing to say this turn; state changes are kept
// either way.
func (c *Composer) onboarding(ctx context.Context, t *turn) (string, bool, error) {
	if err := c.commitCapture(ctx, t); err != nil {
		return "", false, err
	}
	before := cloneOnboarding(t.state.Onboarding)
	reply, ok := c.stepOnboarding(t)
	if !reflect.DeepEqual(before, t.state.Onboarding) {
		t.stateDirty = true
	}
	return reply, ok, nil
}

func (c *Composer) stepOnboarding(t *turn) (string, bool) {
	ob := &t.state.Onboarding
	p := t.profile()
	now := t.now

	ob.RequiredFields = profile.NormalizeFields(ob.RequiredFields, c.required, false)
	missing := p.Missing(ob.RequiredFields)
	ob.MissingFields = missing
	if !ob.Status.Valid() {
		ob.Status = profile.OnboardingNotStarted
	}

	newUser := p.CoreSlotsKnown() == 0
	captured := !t.capture.Empty()
	startRequested := intent.IsOnboardingStart(t.text) ||
		(intent.IsFullProfileRequest(t.text) && newUser) ||
		intent.IsAcknowledgement(t.text) ||
		captured

	start := func() {
		ob.Status = profile.OnboardingCollecting
		if ob.StartedAt == nil {
			ts := now
			ob.StartedAt = &ts
		}
	}
	if ob.Status == profile.OnboardingNotStarted || ob.Status == profile.OnboardingPaused {
		if newUser || (startRequested && len(missing) > 0) {
			start()
		}
	}

	total := len(ob.RequiredFields)
	done := total - len(missing)
	if done < 0 {
		done = 0
	}
	seed := t.msg.ID + int64(done) + int64(ob.Turns)

	if ob.Status == profile.OnboardingCollecting && intent.IsIndecision(t.text) {
		reply := indecisionReply(p)
		if len(missing) > 0 {
			next := missing[0]
			reply += "\n" +
				fmt.Sprintf("When you're ready, send one profile update so I can keep onboarding moving (%d/%d done).\n", done, total) +
				"Next slot: " + slotQuestion(next, seed)
			ob.LastPromptedField = next
		}
		start()
		ob.CompletedAt = nil
		ob.Turns++
		return reply, true
	}

	if len(missing) == 0 {
		ob.LastPromptedField = ""
		if ob.Status == profile.OnboardingCompleted {
			return "", false
		}
		announce := ob.Status == profile.OnboardingCollecting || newUser || captured
		ob.Status = profile.OnboardingCompleted
		ts := now
		ob.CompletedAt = &ts
		ob.Turns++
		if !announce {
			return "", false
		}
		c.logger.Info("onboarding completed", "user_id", t.msg.SenderID)
		if lines := p.SnapshotLines(false); len(lines) > 0 {
			return "Onboarding complete. Here's your saved profile context:\n" + bullets(lines, 6) + "\n" +
				"You can now:\n" +
				"- Ask \"What do you know about me?\" for your snapshot\n" +
				"- Send updates in plain text (for example: \"No longer at X, now at Y\")", true
		}
		return "Onboarding complete. I've stored your profile context. " +
			"Ask \"What do you know about me?\" anytime for a snapshot.", true
	}

	if ob.Status != profile.OnboardingCollecting {
		return "", false
	}

	next := missing[0]
	if intent.IsAcknowledgement(t.text) && slices.Contains(missing, ob.LastPromptedField) {
		next = ob.LastPromptedField
	}
	prompt := slotQuestion(next, seed)

	var body string
	switch {
	case captured:
		body = fmt.Sprintf("Captured: %s.\n", c.captureSummary(t)) +
			fmt.Sprintf("Progress: %d/%d fields captured.\n", done, total) +
			fmt.Sprintf("Step %d/%d: %s", done+1, total, prompt)
	case ob.Turns == 0 || startRequested:
		intro := c.onboardingIntro(senderLabel(t.msg), done, total)
		if done == 0 {
			header := "Let's get you set up."
			if intent.IsGreeting(t.text) {
				header = "Nice to meet you."
			}
			body = intro + "\n" + header + "\n" +
				fmt.Sprintf("Step 1/%d: %s\n", total, prompt) +
				"Quick format you can paste:\n" + quickFormat + "\n" +
				"Tip: You can also type naturally, like \"I moved to X\" or \"My focus is Y\"."
		} else {
			body = intro + "\n" + fmt.Sprintf("Step %d/%d: %s", done+1, total, prompt)
		}
	default:
		body = fmt.Sprintf("Quick onboarding check (%d/%d captured).\n", done, total) +
			fmt.Sprintf("Step %d/%d: %s", done+1, total, prompt)
	}

	ob.Status = profile.OnboardingCollecting
	ob.CompletedAt = nil
	ob.LastPromptedField = next
	ob.Turns++
	return body, true
}

func cloneOnboarding(ob profile.Onboarding) profile.Onboarding {
	out := ob
	out.RequiredFields = slices.Clone(ob.RequiredFields)
	out.MissingFields = slices.Clone(ob.MissingFields)
	if ob.StartedAt != nil {
		ts := *ob.StartedAt
		out.StartedAt = &ts
	}
	if ob.CompletedAt != nil {
		ts := *ob.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

