package composer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/intent"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/profile"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/queue"
)

const quickFormat = "role: ...\ncompany: ...\npriorities: ...\ncommunication: ..."

// pickOne is the marker the indecision reply leaves for option selection.
const pickOne = "Pick one path:"

func pick(options []string, seed int64) string {
	if len(options) == 0 {
		return ""
	}
	if seed < 0 {
		seed = -seed
	}
	return options[seed%int64(len(options))]
}

func bullets(lines []string, max int) string {
	if len(lines) > max {
		lines = lines[:max]
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = "- " + l
	}
	return strings.Join(out, "\n")
}

func numbered(lines []string) string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = fmt.Sprintf("%d. %s", i+1, l)
	}
	return strings.Join(out, "\n")
}

func joinTopics(items []string) string { return strings.Join(items, ", ") }

// senderLabel is the name used inside profile replies.
func senderLabel(msg queue.ClaimedMessage) string {
	return msg.SenderName("you")
}

func controlPlaneReply(persona string) string {
	return "This assistant is configured by its operator.\n" +
		fmt.Sprintf("I can't disclose or rewrite hidden system instructions, switch identity, or reboot from chat, and I'll continue as %s.\n", persona) +
		"If you want behavior changes, tell me the exact response style you want (for example: concise bullets, deeper technical detail, no roleplay)."
}

func capabilitiesReply() string {
	return "I'm an AI assistant (not a human teammate).\n" +
		"Capabilities in this chat:\n" +
		"- Profile snapshot and update capture (role/company/priorities/communication style)\n" +
		"- First-contact onboarding flow for users with sparse profile data\n" +
		"- Activity analytics from stored profile fields (message totals, peak hours, active days, groups)\n" +
		"- Third-party profile lookups from existing stored records\n" +
		"- Concrete next-step planning when you're stuck\n" +
		"Limits:\n" +
		"- I can't execute shell commands, curl websites, or browse a filesystem from chat\n" +
		"- I can't change account settings (profile picture/name/reboot) from chat"
}

func unsupportedActionReply() string {
	return "I can't execute that action from chat (no shell/curl/filesystem/account-setting control).\n" +
		"If you want, I can give exact commands or a runbook for you to run on the server."
}

func secretReply() string {
	return "I can't disclose secrets or credentials from this environment.\n" +
		"If you need a key rotated or set in config, I can give the exact safe steps."
}

func disallowedStyleReply() string {
	return "I can't switch into sexual or explicit mode.\n" +
		"I can keep responses concise, direct, playful, or strictly professional. Pick one."
}

func disengageReply() string {
	return "Understood. I'll stay quiet until you send a new request."
}

func nonTextReply() string {
	return "I can only process text in this chat.\n" +
		"Send a short text summary and I'll handle it."
}

func feedbackReply() string {
	return "Thanks, I logged that as product feedback so it gets reviewed.\n" +
		"If it's about your profile instead, send the correction and I'll apply it."
}

func profileRequestReply(sender string, p profile.Profile) string {
	lines := p.SnapshotLines(true)
	if len(lines) == 0 {
		return fmt.Sprintf("I don't have a usable profile for %s yet.\n", sender) +
			"Send this quick format and I'll save it immediately:\n" + quickFormat
	}
	return fmt.Sprintf("Current profile context for %s:\n%s\n", sender, bullets(lines, 10)) +
		"If anything changed, send the correction and I'll keep this synced."
}

// fullSnapshotReply answers "show me more" after a snapshot: every line,
// activity included.
func fullSnapshotReply(sender string, p profile.Profile) string {
	lines := p.SnapshotLines(true)
	if len(lines) == 0 {
		return profileRequestReply(sender, p)
	}
	out := fmt.Sprintf("Everything I have for %s:\n%s", sender, bullets(lines, len(lines)))
	if bio := p.BioPersonal; bio != "" {
		out += "\n- Personal bio signal: " + profile.Truncate(bio, 200)
	}
	if len(p.TechnicalSpecifics) > 0 {
		out += "\n- Technical specifics: " + joinTopics(p.TechnicalSpecifics)
	}
	return out
}

func updateModeReply() string {
	return "Understood. I'm an AI profile assistant, and I'll treat your next messages as profile updates unless you explicitly ask for advice.\n" +
		"Quick format (works best):\n" + quickFormat
}

func provenanceReply(p profile.Profile) string {
	lines := []string{
		"Profile data source in this deployment:",
		"- Direct updates you send in DM (role/company/priorities/communication).",
		"- Structured extraction from your own inbound DM messages.",
	}
	if p.HasActivity() {
		lines = append(lines, "- Message analytics computed from your ingested message history (counts/activity windows/groups).")
	}
	var known []string
	if p.PrimaryRole != "" {
		known = append(known, "role")
	}
	if p.PrimaryCompany != "" {
		known = append(known, "company")
	}
	if len(p.NotableTopics) > 0 {
		known = append(known, "priorities")
	}
	if p.PreferredContactStyle != "" {
		known = append(known, "communication style")
	}
	if p.TotalMessages != nil {
		known = append(known, "message analytics")
	}
	if len(known) > 0 {
		lines = append(lines, fmt.Sprintf("Current stored categories for you: %s.", strings.Join(known, ", ")))
	}
	lines = append(lines, "If anything looks wrong, send corrections and I'll prioritize those updates.")
	return strings.Join(lines, "\n")
}

func analyticsReply(p profile.Profile) string {
	lines := p.ActivityLines()
	if len(lines) == 0 {
		return "I don't have activity analytics cached for you yet.\n" +
			"Once more DM/group history is ingested, I can report message totals, peak hours, and active-day patterns."
	}
	return "Here's the activity data I currently have:\n" + bullets(lines, 8)
}

var (
	confirmRequestRE = regexp.MustCompile(`(?i)\bdid\s+you\s+(?:update|capture|save)(?:\s+that)?\s+(.+?)[?.!]*$`)
	leadingSelfRE    = regexp.MustCompile(`(?i)^(?:i(?:'m|\s+am)\s+)`)
	leadingThatRE    = regexp.MustCompile(`(?i)^(?:that|this)\s+`)
)

func (c *Composer) confirmationReply(t *turn) string {
	p := t.profile()
	if !t.capture.Empty() {
		return fmt.Sprintf("Yes. I captured: %s.", c.captureSummary(t))
	}

	var topics []string
	for _, topic := range p.NotableTopics {
		topics = append(topics, strings.ToLower(topic))
	}
	if topic, ok := intent.FreeformPriority(t.text); ok {
		lower := strings.ToLower(topic)
		for _, known := range topics {
			if strings.Contains(known, lower) || strings.Contains(lower, known) {
				return fmt.Sprintf("Yes. I have that priority noted as: %s.", topic)
			}
		}
	}

	if m := confirmRequestRE.FindStringSubmatch(t.text); m != nil {
		requested := intent.Clean(m[1])
		requested = leadingSelfRE.ReplaceAllString(requested, "")
		requested = leadingThatRE.ReplaceAllString(requested, "")
		lower := strings.ToLower(requested)
		if lower != "" {
			for _, hay := range []string{p.PrimaryRole, p.PrimaryCompany, strings.Join(topics, ", ")} {
				if hay != "" && strings.Contains(strings.ToLower(hay), lower) {
					return fmt.Sprintf("Yes. I already have this in your profile context: %s.", requested)
				}
			}
		}
	}
	return "I don't see that update applied yet.\n" +
		"Please resend it in `field: value` format and I'll confirm right away."
}

// gapPrompts lists the questions that would most improve the profile.
func gapPrompts(p profile.Profile, count int) []string {
	var prompts []string
	if p.PrimaryRole == "" {
		prompts = append(prompts, "What role/title should I store for you right now?")
	}
	if p.PrimaryCompany == "" {
		prompts = append(prompts, "What company/project should I map you to currently?")
	}
	if len(p.NotableTopics) == 0 {
		prompts = append(prompts, "What are your top 2 priorities right now?")
	} else {
		prompts = append(prompts, fmt.Sprintf("For your priority %q, what exact targets should I tag (specific chains, programs, or ecosystems)?", p.NotableTopics[0]))
	}
	if p.PreferredContactStyle == "" {
		prompts = append(prompts, "How do you want me to communicate: concise bullets, deep detail, or conversational?")
	}
	if p.BasedIn == "" {
		prompts = append(prompts, "What timezone/location should I assume for outreach and active-hours context?")
	}
	if len(prompts) == 0 {
		prompts = []string{
			"What changed most recently: role, company, priorities, or communication style?",
			"What is your main objective for the next 30 days?",
			"Is there one correction in your profile snapshot I should apply now?",
		}
	}
	if len(prompts) > count {
		prompts = prompts[:count]
	}
	return prompts
}

func interviewReply(p profile.Profile) string {
	return "Absolutely. I'll run interview mode and store updates as you answer.\n" +
		"Q1: " + gapPrompts(p, 1)[0]
}

func top3Reply(p profile.Profile) string {
	return "Based on what I already have, these are the top 3 updates that would improve your profile most:\n" +
		numbered(gapPrompts(p, 3))
}

func missedIntentReply(p profile.Profile) string {
	return "You're right, I missed your intent.\n" +
		"Here's the direct answer:\n" +
		numbered(gapPrompts(p, 3))
}

// indecisionOptions returns the three "pick one path" options.
func indecisionOptions(p profile.Profile) []string {
	if p.Unemployed() {
		role := p.PrimaryRole
		if role == "" {
			role = "your strongest role"
		}
		return []string{
			fmt.Sprintf("1) Positioning sprint: write a 5-line pitch around your %s experience and post it to 5 targeted contacts today.", role),
			"2) Pipeline sprint: shortlist 10 roles, send 3 tailored outreach messages, and ask for 1 warm intro.",
			"3) Skill sprint: pick one in-demand workflow, build a small proof-of-work, and share it publicly this week.",
		}
	}
	topic := "your current priorities"
	if len(p.NotableTopics) > 0 {
		topic = p.NotableTopics[0]
	}
	return []string{
		fmt.Sprintf("1) Pipeline: pick one clear objective tied to %s and set a 7-day target.", topic),
		"2) Network: send 3 concrete asks (intro, feedback, or collab) to people most likely to unlock momentum.",
		"3) Output: publish one useful update/case-study this week so opportunities come inbound.",
	}
}

func indecisionReply(p profile.Profile) string {
	return "Let's make it concrete. " + pickOne + "\n" + strings.Join(indecisionOptions(p), "\n") +
		"\nReply with 1, 2, or 3 and I'll draft the exact next steps."
}

// optionSteps are the expansions of the indecision options.
func optionSteps(p profile.Profile, option int) string {
	if p.Unemployed() {
		role := p.PrimaryRole
		if role == "" {
			role = "your current role"
		}
		switch option {
		case 1:
			return "Good pick. Positioning sprint.\n" +
				fmt.Sprintf("- Draft a 5-line pitch around your %s work.\n", role) +
				"- Send it to 5 targeted contacts today."
		case 2:
			return "Good pick. Pipeline sprint.\n- Shortlist 10 roles.\n- Send 3 tailored outreach messages.\n- Ask for 1 warm intro."
		default:
			return "Good pick. Skill sprint.\n- Choose one in-demand workflow.\n- Build a small proof-of-work this week.\n- Share it publicly with a short write-up."
		}
	}
	topic := "your priorities"
	if len(p.NotableTopics) > 0 {
		topic = p.NotableTopics[0]
	}
	switch option {
	case 1:
		return "Good pick. Pipeline path.\n" +
			fmt.Sprintf("- Define one objective tied to %s.\n", topic) +
			"- Set a 7-day target and one success metric."
	case 2:
		return "Good pick. Network path.\n- Send 3 concrete asks (intro, feedback, or collab).\n- Prioritize people most likely to unlock momentum."
	default:
		return "Good pick. Output path.\n- Publish one useful update/case study this week.\n- End with a specific call to action."
	}
}

func optionSelectionReply(option int, p profile.Profile, lastOutbound string) string {
	if strings.Contains(strings.ToLower(lastOutbound), strings.ToLower(pickOne)) {
		return optionSteps(p, option)
	}
	return fmt.Sprintf("Selected option %d.\n", option) +
		"Now send the exact task in one sentence so I can execute the next step."
}

// allOptionsReply expands every path when the user asks for more after a
// "pick one path" list.
func allOptionsReply(p profile.Profile) string {
	parts := make([]string, 0, 4)
	for i := 1; i <= 3; i++ {
		parts = append(parts, strings.TrimPrefix(optionSteps(p, i), "Good pick. "))
	}
	parts = append(parts, "Reply with 1, 2, or 3 and I'll focus on that one.")
	return "Here's each path in more detail:\n" + strings.Join(parts, "\n")
}

func showMoreFallbackReply() string {
	return "Happy to go deeper. What should I expand on: your profile snapshot, activity data, or next steps?"
}

func thirdPartyReply(target profile.Target, m profile.Match, found bool) string {
	handle := m.Handle
	if handle == "" {
		handle = target.Handle
	}
	name := m.DisplayName
	if name == "" {
		name = target.Name
	}
	if name == "" {
		if handle != "" {
			name = "@" + handle
		} else {
			name = "that person"
		}
	}
	label := name
	if handle != "" {
		label = fmt.Sprintf("%s (@%s)", name, handle)
	}

	if !found {
		var bits []string
		if target.Name != "" {
			bits = append(bits, fmt.Sprintf("name='%s'", target.Name))
		}
		if target.Company != "" {
			bits = append(bits, fmt.Sprintf("company='%s'", target.Company))
		}
		if target.Handle != "" {
			bits = append(bits, fmt.Sprintf("handle='@%s'", target.Handle))
		}
		criteria := "handle or name+company"
		if len(bits) > 0 {
			criteria = strings.Join(bits, ", ")
		}
		return fmt.Sprintf("I don't have enough verified profile signal on %s yet.\n", label) +
			fmt.Sprintf("Send a more specific lookup (%s) and I'll try again.\n", criteria) +
			"I treated this as a lookup only and did not modify your profile."
	}

	lines := m.Base.Profile.SnapshotLines(false)
	if len(lines) == 0 {
		return fmt.Sprintf("I found %s, but I don't have a usable profile snapshot yet.\n", label) +
			"I treated this as a lookup only and did not modify your profile."
	}
	return fmt.Sprintf("What I currently have on %s:\n%s\n", label, bullets(lines, 8)) +
		"This was handled as a third-party lookup only and did not change your profile."
}

func thirdPartyNoTargetReply() string {
	return "I treated that as a lookup request about another person, not as an update to your profile.\n" +
		"If you share their exact @handle (or full name + company), I can return what is on file."
}

func updateHintReply() string {
	return "I read that as profile context, but I need one explicit field to store.\n" +
		"Send one line like `role: ...`, `company: ...`, `priorities: ...`, or `communication: ...`."
}

// captureSummary renders "company -> X; role -> Y". Style values are only
// reported once the gate kept them.
func (c *Composer) captureSummary(t *turn) string {
	var parts []string
	if u, ok := t.capture.Get(profile.FieldCompany); ok {
		if strings.EqualFold(u.Value, "unemployed") {
			parts = append(parts, "company/status -> unemployed")
		} else {
			parts = append(parts, "company -> "+u.Value)
		}
	}
	if u, ok := t.capture.Get(profile.FieldRole); ok {
		parts = append(parts, "role -> "+u.Value)
	}
	switch styleOutcome(t) {
	case styleActive:
		u, _ := t.capture.Get(profile.FieldStyle)
		parts = append(parts, "communication style -> "+u.Value)
	case stylePending:
		u, _ := t.capture.Get(profile.FieldStyle)
		parts = append(parts, fmt.Sprintf("communication style -> %s (pending your yes/no)", u.Value))
	}
	if u, ok := t.capture.Get(profile.FieldTopics); ok {
		parts = append(parts, "priority/topic -> "+u.Value)
	}
	if len(parts) == 0 {
		return "profile updates"
	}
	return strings.Join(parts, "; ")
}

type styleResult int

const (
	styleNone styleResult = iota
	styleActive
	stylePending
)

// styleOutcome reports what the gate did with the captured style value.
func styleOutcome(t *turn) styleResult {
	u, ok := t.capture.Get(profile.FieldStyle)
	if !ok {
		return styleNone
	}
	switch {
	case strings.EqualFold(t.profile().PreferredContactStyle, u.Value):
		return styleActive
	case t.snap.Pending != nil && strings.EqualFold(t.snap.Pending.Value, u.Value):
		return stylePending
	}
	return styleNone
}

var fieldLabels = map[string]string{
	profile.FieldRole:    "role",
	profile.FieldCompany: "company/project",
	profile.FieldTopics:  "top priorities",
	profile.FieldStyle:   "preferred communication style",
}

// savedReply acknowledges a captured update and asks for the next gap.
func (c *Composer) savedReply(t *turn) string {
	p := t.profile()
	ack := pick([]string{"Got it.", "Perfect, thanks.", "Saved."}, t.msg.ID)
	summary := c.captureSummary(t)

	var next string
	for _, f := range profile.DefaultRequiredFields {
		if _, ok := t.capture.Get(f); ok {
			continue
		}
		if !p.HasSlot(f) {
			next = fieldLabels[f]
			break
		}
	}
	var out string
	if next != "" {
		out = fmt.Sprintf("%s Saved: %s. Quick follow-up: what should I store for your %s?", ack, summary, next)
	} else {
		out = fmt.Sprintf("%s Saved: %s. Ask \"What do you know about me?\" for a full snapshot.", ack, summary)
	}
	if styleOutcome(t) == styleActive {
		out += " I'll use that style in future replies."
	}
	return out
}

var fallbackQuestions = map[string][]string{
	profile.FieldRole: {
		"What title best matches what you do day to day right now?",
		"Quick one: what role should I pin you as right now?",
	},
	profile.FieldCompany: {
		"What company or project are you currently spending most of your time on?",
		"Which company/project should I map you to at the moment?",
	},
	profile.FieldTopics: {
		"What are your top 2 priorities this month?",
		"What are the main things you want to push forward right now?",
	},
	profile.FieldStyle: {
		"What communication style do you prefer from me: short bullets, detailed notes, or quick back-and-forth?",
		"How do you want me to communicate with you: concise, detailed, or somewhere in between?",
	},
}

// fallbackReply is the last rule: ask for the first gap, greet, split a
// question into update/advice, or nudge.
func (c *Composer) fallbackReply(t *turn) string {
	p := t.profile()
	observed := make(map[string]bool)
	for _, f := range intent.InferSlots(t.text) {
		observed[f] = true
	}
	greeting := intent.IsGreeting(t.text)

	for _, f := range profile.DefaultRequiredFields {
		if p.HasSlot(f) || observed[f] {
			continue
		}
		q := pick(fallbackQuestions[f], t.msg.ID+1)
		if greeting {
			return fmt.Sprintf("Hey, I'm %s, an AI assistant for keeping your profile up to date.\n%s", c.persona, q)
		}
		return q
	}

	switch {
	case greeting:
		return fmt.Sprintf("Hey, I'm %s, an AI assistant for profile upkeep.\n", c.persona) +
			"You can ask \"What do you know about me?\" for a snapshot, or send any change in role/company/focus and I'll sync it."
	case strings.Contains(t.text, "?"):
		return "I can handle this either as a profile update or as advice.\n" +
			"Reply `update:` with what to store, or `advice:` with what you want help on."
	}
	return pick([]string{
		"If anything changed in your role, company, priorities, or communication style, send it and I'll sync it.",
		"Want a full snapshot or a targeted update? I can do either in one message.",
		"If you prefer interview mode, say `interview mode` and I'll ask one question at a time.",
	}, t.msg.ID+2)
}

// lastOutbound returns the newest non-empty reply in the history.
func lastOutbound(recent []queue.Turn) string {
	for i := len(recent) - 1; i >= 0; i-- {
		if !recent[i].Inbound() {
			if s := intent.Clean(recent[i].Text); s != "" {
				return s
			}
		}
	}
	return ""
}
