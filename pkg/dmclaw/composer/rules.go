package composer

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/intent"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/profile"
)

// Rule names, in evaluation order.
const (
	RuleControlPlane    = "control_plane"
	RuleSecret          = "secret"
	RuleDisallowedStyle = "disallowed_style"
	RuleDisengage       = "disengage"
	RuleNonText         = "non_text"
	RuleStyleAnswer     = "style_answer"
	RuleFeedback        = "feedback"
	RuleCapabilities    = "capabilities"
	RuleUnsupported     = "unsupported_action"
	RuleThirdParty      = "third_party_lookup"
	RuleAnalytics       = "analytics"
	RuleProvenance      = "provenance"
	RuleConfirmation    = "confirmation"
	RuleUpdateMode      = "update_mode"
	RuleInterview       = "interview"
	RuleTop3            = "top3"
	RuleShowMore        = "show_more"
	RuleOptionSelection = "option_selection"
	RuleOnboarding      = "onboarding"
	RuleSnapshot        = "profile_snapshot"
	RuleFieldUpdate     = "field_update"
	RuleUpdateHint      = "update_hint"
	RuleIndecision      = "indecision"
	RuleCompletion      = "completion"
	RuleFallback        = "fallback"
)

// rule is one row of the decision table. Plain replies skip style
// adaptation and the style prompts.
type rule struct {
	name  string
	plain bool
	apply func(ctx context.Context, t *turn) (string, bool, error)
}

// when builds a rule body from a text predicate and a renderer.
func when(pred func(string) bool, render func(t *turn) string) func(context.Context, *turn) (string, bool, error) {
	return func(_ context.Context, t *turn) (string, bool, error) {
		if !pred(t.text) {
			return "", false, nil
		}
		return render(t), true, nil
	}
}

func (c *Composer) ruleTable() []rule {
	return []rule{
		{name: RuleControlPlane, plain: true, apply: when(intent.IsControlPlane, func(*turn) string { return controlPlaneReply(c.persona) })},
		{name: RuleSecret, plain: true, apply: when(intent.IsSecretRequest, func(*turn) string { return secretReply() })},
		{name: RuleDisallowedStyle, plain: true, apply: when(intent.IsDisallowedStyle, func(*turn) string { return disallowedStyleReply() })},
		{name: RuleDisengage, plain: true, apply: when(intent.IsDisengage, func(*turn) string { return disengageReply() })},
		{name: RuleNonText, plain: true, apply: when(intent.IsNonTextMarker, func(*turn) string { return nonTextReply() })},
		{name: RuleStyleAnswer, plain: true, apply: c.styleAnswer},
		{name: RuleFeedback, apply: c.feedback},
		{name: RuleCapabilities, apply: when(intent.IsCapabilities, func(*turn) string { return capabilitiesReply() })},
		{name: RuleUnsupported, apply: when(intent.IsUnsupportedAction, func(*turn) string { return unsupportedActionReply() })},
		{name: RuleThirdParty, apply: c.thirdParty},
		{name: RuleAnalytics, apply: when(intent.IsAnalytics, func(t *turn) string { return analyticsReply(t.profile()) })},
		{name: RuleProvenance, apply: when(intent.IsProvenance, func(t *turn) string { return provenanceReply(t.profile()) })},
		{name: RuleConfirmation, apply: c.confirmation},
		{name: RuleUpdateMode, apply: when(intent.IsUpdateMode, func(*turn) string { return updateModeReply() })},
		{name: RuleInterview, apply: when(intent.IsInterviewStyle, func(t *turn) string { return interviewReply(t.profile()) })},
		{name: RuleTop3, apply: when(intent.IsTop3Prompt, func(t *turn) string { return top3Reply(t.profile()) })},
		{name: RuleShowMore, apply: when(intent.IsShowMore, c.showMoreReply)},
		{name: RuleOptionSelection, apply: c.optionSelection},
		{name: RuleOnboarding, apply: c.onboarding},
		{name: RuleSnapshot, apply: when(intent.IsFullProfileRequest, func(t *turn) string {
			return profileRequestReply(senderLabel(t.msg), t.profile())
		})},
		{name: RuleFieldUpdate, apply: c.fieldUpdate},
		{name: RuleUpdateHint, apply: when(intent.IsLikelyUpdate, func(*turn) string { return updateHintReply() })},
		{name: RuleIndecision, apply: when(intent.IsIndecision, func(t *turn) string { return indecisionReply(t.profile()) })},
		{name: RuleCompletion, apply: c.complete},
		{name: RuleFallback, apply: c.fallback},
	}
}

// styleAnswer resolves a yes/no to the pending style candidate or to an
// open reconfirmation nudge.
func (c *Composer) styleAnswer(_ context.Context, t *turn) (string, bool, error) {
	yes, no := intent.IsYes(t.text), intent.IsNo(t.text)
	if !yes && !no {
		return "", false, nil
	}
	style := t.snap.Style
	var reply string
	switch {
	case style.Pending != nil:
		value := style.Pending.Value
		if yes {
			style.Confirm(t.now)
			reply = fmt.Sprintf("Done. I'll use %s replies from now on.", value)
		} else {
			style.Reject(t.now)
			reply = "No problem, I'll keep my current style. Tell me anytime if you want a different one."
		}
		c.logger.Info("style candidate answered", "user_id", t.msg.SenderID, "value", value, "accepted", yes)
	case style.ReconfirmOpen:
		if yes {
			style.Reaffirm(t.now)
			reply = fmt.Sprintf("Great, I'll keep using %s replies.", style.Value)
		} else {
			style.CloseReconfirm(t.now)
			reply = "Got it. Tell me how you'd like me to communicate instead (for example: concise bullets or detailed notes)."
		}
	default:
		return "", false, nil
	}
	t.state.Style = style
	t.stateDirty = true
	return reply, true, nil
}

// feedback records product feedback: explicit remarks, and the implicit
// "that's not what I asked" kind.
func (c *Composer) feedback(ctx context.Context, t *turn) (string, bool, error) {
	kind := ""
	switch {
	case intent.IsMissedIntent(t.text):
		kind = profile.FeedbackImplicit
	case intent.IsExplicitFeedback(t.text):
		kind = profile.FeedbackExplicit
	default:
		return "", false, nil
	}
	err := c.store.RecordFeedback(ctx, profile.Feedback{
		UserID:         t.msg.SenderID,
		ConversationID: t.msg.ConversationID,
		MessageID:      t.msg.ID,
		Kind:           kind,
		Text:           profile.Truncate(t.text, 2000),
	})
	if err != nil {
		return "", false, err
	}
	if kind == profile.FeedbackImplicit {
		return missedIntentReply(t.profile()), true, nil
	}
	return feedbackReply(), true, nil
}

func (c *Composer) thirdParty(ctx context.Context, t *turn) (string, bool, error) {
	if !intent.IsThirdPartyRequest(t.text) {
		return "", false, nil
	}
	it := intent.ThirdPartyTarget(t.text)
	target := profile.Target{Handle: it.Handle, Name: it.Name, Company: it.Company}
	if target.Empty() {
		return thirdPartyNoTargetReply(), true, nil
	}
	m, found, err := c.store.LookupUser(ctx, target)
	if err != nil {
		return "", false, err
	}
	return thirdPartyReply(target, m, found), true, nil
}

func (c *Composer) confirmation(ctx context.Context, t *turn) (string, bool, error) {
	if !intent.IsConfirmation(t.text) {
		return "", false, nil
	}
	if err := c.commitCapture(ctx, t); err != nil {
		return "", false, err
	}
	return c.confirmationReply(t), true, nil
}

func (c *Composer) showMoreReply(t *turn) string {
	last := strings.ToLower(lastOutbound(t.recent))
	switch {
	case strings.Contains(last, strings.ToLower(pickOne)):
		return allOptionsReply(t.profile())
	case strings.HasPrefix(last, "current profile context for"),
		strings.HasPrefix(last, "onboarding complete"):
		return fullSnapshotReply(senderLabel(t.msg), t.profile())
	case strings.HasPrefix(last, "here's the activity data"):
		return analyticsReply(t.profile())
	}
	return showMoreFallbackReply()
}

func (c *Composer) optionSelection(_ context.Context, t *turn) (string, bool, error) {
	option, ok := intent.OptionSelection(t.text)
	if !ok {
		return "", false, nil
	}
	return optionSelectionReply(option, t.profile(), lastOutbound(t.recent)), true, nil
}

func (c *Composer) fieldUpdate(ctx context.Context, t *turn) (string, bool, error) {
	if t.capture.Empty() {
		return "", false, nil
	}
	if err := c.commitCapture(ctx, t); err != nil {
		return "", false, err
	}
	return c.savedReply(t), true, nil
}

func (c *Composer) fallback(ctx context.Context, t *turn) (string, bool, error) {
	if err := c.commitCapture(ctx, t); err != nil {
		return "", false, err
	}
	return c.fallbackReply(t), true, nil
}
