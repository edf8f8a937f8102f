// Package intent holds the deterministic detectors run over inbound DM text.
// Every detector is a pure function of the text.
package intent

import (
	"regexp"
	"strings"
)

// Clean collapses whitespace runs and trims.
func Clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var (
	indecisionRE = regexp.MustCompile(`(?i)\b(?:idk|i\s+don'?t\s+know|not\s+sure|what\s+should\s+i(?:\s+do)?|any\s+advice|help\s+me\s+choose)\b`)

	thirdPartyQueryRE  = regexp.MustCompile(`(?i)\b(?:what(?:\s+do)?\s+you\s+know\s+about|tell\s+me\s+about|do\s+you\s+know(?:\s+much)?\s+about|who\s+is)\b`)
	thirdPartyTargetRE = regexp.MustCompile(`(?i)\b(?:about|on)\s+([A-Za-z0-9_][A-Za-z0-9_ .'-]{1,80}?)(?:\s+from\s+([A-Za-z0-9 .&()/'-]{2,80}))?(?:[?.!,]|$)`)
	selfReferenceRE    = regexp.MustCompile(`\babout\s+me\b|\bmy\s+profile\b|\babout\s+myself\b|\babout\s+us\b`)
	handleRE           = regexp.MustCompile(`@([A-Za-z0-9_]{3,32})`)

	systemPromptQueryRE = regexp.MustCompile(`(?i)\b(?:system\s+prompt|hidden\s+prompt|developer\s+prompt|instructions?|who\s+created\s+you|who\s+made\s+you|who\s+built\s+you)\b`)
	identityOverrideRE  = regexp.MustCompile(`(?i)\b(?:update|change|rewrite|replace)\b.{0,24}\b(?:system\s+prompt|prompt|instructions?)\b|` +
		`\b(?:call\s+yourself|rename\s+yourself|new\s+identity|from\s+now\s+on\s+you\s+are|reboot|restart|stay\s+in\s+roleplay|roleplay\s+mode|only\s+respond\s+with)\b`)

	capabilitiesRE = regexp.MustCompile(`(?i)\b(?:what\s+skills\s+do\s+you\s+have|what\s+can\s+you\s+do|your\s+capabilities)\b`)

	unsupportedActionRE = regexp.MustCompile(`(?i)\b(?:change|update|set)\b.{0,28}\b(?:profile\s+picture|avatar|pfp)\b|` +
		`\b(?:what\s+files?.{0,24}(?:desktop|~/|home)|list\s+files?.{0,20}(?:desktop|~/|home)|on\s+your\s+system|on\s+your\s+machine)\b|` +
		`\b(?:store|create|save)\b.{0,24}\b(?:new\s+skill|function(?:\s+calling)?)\b|` +
		`\b(?:fetch|get)\s+my\s+public\s+ip\b|` +
		`\b(?:open|launch|run|execute|start)\b.{0,36}\b(?:on\s+host|host|server|your\s+system|your\s+machine|terminal|shell|safari|chrome|app)\b|` +
		`\bcurl\s+https?://`)

	secretKeywordRE = regexp.MustCompile(`(?i)\b(?:api\s*key|access\s*token|private\s+key|password|credentials?|secrets?)\b`)
	secretVerbRE    = regexp.MustCompile(`(?i)\b(?:tell|show|reveal|give|share|send|expose|leak|what(?:'s| is)|display)\b`)

	sexualStyleRE = regexp.MustCompile(`(?i)\b(?:horny|sexy|sexual|erotic|nsfw|suggestive|flirty|seductive|explicit)\b`)
	disengageRE   = regexp.MustCompile(`(?i)^\s*(?:shut\s+up|stop|go\s+away|leave\s+me\s+alone|bye|goodbye)\s*$`)
	optionOnlyRE  = regexp.MustCompile(`(?i)^\s*(?:option\s*)?([123])\s*$`)
	nonTextRE     = regexp.MustCompile(`(?i)^\s*(?:voice\s+message|gif|sticker|photo|video|audio|file)\s*$`)

	onboardingStartRE = regexp.MustCompile(`(?i)\b(?:onboard|onboarding|set\s+up\s+my\s+profile|setup\s+my\s+profile|initialize\s+my\s+profile|update\s+my\s+profile)\b`)
	acknowledgementRE = regexp.MustCompile(`(?i)^\s*(?:yes|yep|yeah|sure|ok|okay|start|go\s+ahead|lets\s+go|let's\s+go)\s*[.!?]*\s*$`)
	yesRE             = regexp.MustCompile(`(?i)^\s*(?:y|yes|yep|yeah|yup|sure|correct|confirm(?:ed)?|ok|okay|sounds\s+good|please\s+do|do\s+it)\s*[.!?]*\s*$`)
	noRE              = regexp.MustCompile(`(?i)^\s*(?:n|no|nope|nah|don'?t|do\s+not|not\s+really|keep\s+(?:it|the\s+current(?:\s+one)?)|no\s+thanks)\s*[.!?]*\s*$`)
	greetingRE        = regexp.MustCompile(`(?i)^\s*(?:hi|hello|hey|yo|gm|good\s+(?:morning|afternoon|evening)|what'?s\s+up|sup)\b[!. ]*$`)

	updateModeRE = regexp.MustCompile(`(?i)\b(?:i\s+was\s+giving\s+you\s+info\s+to\s+update\s+my\s+profile|focus\s+(?:only|solely)\s+on\s+profile\s+updates?|` +
		`not\s+for\s+(?:advice|recommendations?)|no\s+advice\s+unless\s+i\s+ask|just\s+update\s+my\s+profile)\b`)
	provenanceRE = regexp.MustCompile(`(?i)\b(?:where\s+does\s+(?:this|the)\s+data\s+come\s+from|data\s+sources?|how\s+did\s+you\s+get\s+this\s+data|` +
		`what\s+(?:other\s+)?data\s+do\s+you\s+have(?:\s+on\s+me)?)\b`)
	analyticsRE = regexp.MustCompile(`(?i)\b(?:how\s+many\s+messages\s+have\s+i\s+sent|message\s+count|total\s+messages?|most\s+active\s+(?:time|times|day|days)|` +
		`peak\s+hours?|active\s+hours?|popular\s+times?|when\s+am\s+i\s+most\s+active|what\s+groups?\s+am\s+i\s+in|groups?\s+i'?m\s+in|` +
		`group\s+chats?|top\s+conversation\s+partners?)\b`)
	confirmationRE = regexp.MustCompile(`(?i)\b(?:did\s+you\s+update|did\s+you\s+capture|did\s+you\s+save|was\s+that\s+updated)\b`)
	interviewRE    = regexp.MustCompile(`(?i)\b(?:interview\s+style|interview\s+mode|one\s+question\s+at\s+a\s+time|question\s+by\s+question|split\s+this\s+up|` +
		`wall\s+of\s+text|too\s+long;\s*didn'?t\s+read|tl;dr)\b`)
	top3RE = regexp.MustCompile(`(?i)\b(?:top\s*3|three)\b.{0,80}\b(?:things\s+to\s+tell\s+you|what\s+to\s+tell\s+you|what\s+you\s+need\s+from\s+me|` +
		`improve\s+my\s+profile|update\s+my\s+profile)\b`)
	missedIntentRE     = regexp.MustCompile(`(?i)\b(?:that'?s?\s+not\s+what\s+i\s+asked|you\s+missed\s+my\s+question|not\s+what\s+i\s+asked)\b`)
	explicitFeedbackRE = regexp.MustCompile(`(?i)\b(?:feedback|feature\s+request|bug\s+report|you\s+should\s+(?:add|support|be\s+able\s+to)|` +
		`it\s+would\s+be\s+(?:nice|great|better)\s+if|i\s+wish\s+you\s+could)\b`)
	showMoreRE = regexp.MustCompile(`(?i)^\s*(?:show\s+(?:me\s+)?more|tell\s+me\s+more|more|more\s+details?|go\s+on|continue|expand(?:\s+on\s+that)?|keep\s+going)\s*[.!?]*\s*$`)

	inlineUpdateRE    = regexp.MustCompile(`(?i)^\s*(?:role|title|position|company|project|priorit(?:y|ies)|topics?|communication|style)\s*:`)
	updateStatementRE = regexp.MustCompile(`(?i)\b(?:no\s+longer\s+at|left\s+[A-Za-z0-9]+|joined\s+[A-Za-z0-9]+|my\s+role\s+is|my\s+title\s+is|` +
		`i\s+work\s+as|i(?:'m| am|’m)\s+(?:an?\s+)?[A-Za-z][A-Za-z0-9/&+().,' -]{1,60}\s+(?:at|with|for)\s+[A-Za-z0-9]+|` +
		`unemployed|between\s+jobs|looking\s+for\s+work)\b`)

	forbiddenClaimRE = regexp.MustCompile(`(?i)\b(?:system\s+prompt\s+updated|new\s+identity\s+confirmed|rebooting|executing\s+the\s+new\s+function|your\s+public\s+ip\s+is|` +
		`i(?:'ll| will)\s+(?:update|change|set)\s+my\s+(?:telegram\s+)?(?:profile\s+picture|avatar|pfp)|` +
		`(?:here(?:'s| is)\s+(?:my|the)\s+(?:api\s*key|secret|token)|\bsk-or-v1-[A-Za-z0-9]{24,}))\b`)
)

var fullProfileMarkers = []string{
	"full profile",
	"full context",
	"give me my full",
	"share my profile",
	"profile snapshot",
	"what do you know about me",
	"what information do you have about me",
	"what info do you have on me",
	"tell me about me",
}

// IsFullProfileRequest reports a request for the sender's own snapshot.
func IsFullProfileRequest(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range fullProfileMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// IsThirdPartyRequest reports a question about someone other than the
// sender.
func IsThirdPartyRequest(text string) bool {
	s := strings.ToLower(Clean(text))
	if s == "" || IsFullProfileRequest(s) || !thirdPartyQueryRE.MatchString(s) {
		return false
	}
	return !selfReferenceRE.MatchString(s)
}

// IsControlPlane reports attempts to read or rewrite the assistant's
// instructions or identity.
func IsControlPlane(text string) bool {
	s := Clean(text)
	return s != "" && (systemPromptQueryRE.MatchString(s) || identityOverrideRE.MatchString(s))
}

// IsSecretRequest needs both a credential keyword and a disclosure verb.
func IsSecretRequest(text string) bool {
	s := Clean(text)
	return s != "" && secretKeywordRE.MatchString(s) && secretVerbRE.MatchString(s)
}

func IsDisallowedStyle(text string) bool { return match(sexualStyleRE, text) }
func IsDisengage(text string) bool       { return disengageRE.MatchString(text) }
func IsNonTextMarker(text string) bool   { return nonTextRE.MatchString(text) }
func IsCapabilities(text string) bool    { return match(capabilitiesRE, text) }
func IsIndecision(text string) bool      { return indecisionRE.MatchString(text) }
func IsGreeting(text string) bool        { return greetingRE.MatchString(Clean(text)) }
func IsAcknowledgement(text string) bool { return acknowledgementRE.MatchString(Clean(text)) }
func IsOnboardingStart(text string) bool { return match(onboardingStartRE, text) }
func IsUpdateMode(text string) bool      { return match(updateModeRE, text) }
func IsProvenance(text string) bool      { return match(provenanceRE, text) }
func IsAnalytics(text string) bool       { return match(analyticsRE, text) }
func IsConfirmation(text string) bool    { return match(confirmationRE, text) }
func IsInterviewStyle(text string) bool  { return match(interviewRE, text) }
func IsTop3Prompt(text string) bool      { return match(top3RE, text) }
func IsMissedIntent(text string) bool    { return match(missedIntentRE, text) }
func IsShowMore(text string) bool        { return showMoreRE.MatchString(Clean(text)) }

// IsYes and IsNo recognize one-line answers to a yes/no prompt.
func IsYes(text string) bool { return yesRE.MatchString(Clean(text)) }
func IsNo(text string) bool  { return noRE.MatchString(Clean(text)) }

// IsUnsupportedAction reports requests for tools the assistant does not
// have (shell, files, account settings).
func IsUnsupportedAction(text string) bool {
	s := Clean(text)
	if s == "" || IsFullProfileRequest(s) || IsThirdPartyRequest(s) {
		return false
	}
	return unsupportedActionRE.MatchString(s)
}

// IsExplicitFeedback reports product feedback about the assistant itself.
func IsExplicitFeedback(text string) bool {
	return match(explicitFeedbackRE, text) && !IsThirdPartyRequest(text)
}

// IsLikelyUpdate reports text that reads as profile context without a
// field the extractor could pin down.
func IsLikelyUpdate(text string) bool {
	s := Clean(text)
	if s == "" || IsThirdPartyRequest(s) {
		return false
	}
	if IsUpdateMode(s) || inlineUpdateRE.MatchString(s) || updateStatementRE.MatchString(s) {
		return true
	}
	if _, ok := FreeformStyle(s); ok {
		return true
	}
	_, ok := FreeformPriority(s)
	return ok
}

// OptionSelection returns 1, 2 or 3 when the whole message picks an option.
func OptionSelection(text string) (int, bool) {
	m := optionOnlyRE.FindStringSubmatch(Clean(text))
	if m == nil {
		return 0, false
	}
	return int(m[1][0] - '0'), true
}

// ForbiddenClaim reports generated text claiming actions the assistant
// cannot take or leaking secrets.
func ForbiddenClaim(text string) bool {
	return match(forbiddenClaimRE, text)
}

// Target is the person a third-party question names.
type Target struct {
	Handle  string
	Name    string
	Company string
}

// ThirdPartyTarget extracts an @handle, or a name with an optional
// "from <company>" qualifier.
func ThirdPartyTarget(text string) Target {
	s := Clean(text)
	if s == "" {
		return Target{}
	}
	if m := handleRE.FindStringSubmatch(s); m != nil {
		return Target{Handle: strings.ToLower(m[1])}
	}
	m := thirdPartyTargetRE.FindStringSubmatch(s)
	if m == nil {
		return Target{}
	}
	name := Clean(m[1])
	switch strings.ToLower(name) {
	case "me", "myself", "my profile", "my":
		return Target{}
	}
	return Target{Name: name, Company: Clean(m[2])}
}

// Flags is the detector output handed to the completion model.
type Flags struct {
	ProfileRequest      bool `json:"is_profile_request"`
	ThirdPartyLookup    bool `json:"is_third_party_profile_lookup"`
	Indecision          bool `json:"is_indecision"`
	AnalyticsRequest    bool `json:"is_activity_analytics_request"`
	ProvenanceRequest   bool `json:"is_profile_data_provenance_request"`
	UpdateModeRequest   bool `json:"is_profile_update_mode_request"`
	ConfirmationRequest bool `json:"is_profile_confirmation_request"`
	InterviewRequest    bool `json:"is_interview_style_request"`
	Top3Request         bool `json:"is_top3_profile_prompt_request"`
	MissedIntent        bool `json:"is_missed_intent_feedback"`
	LikelyUpdate        bool `json:"likely_profile_update_message"`
}

// Classify runs every soft detector over text.
func Classify(text string) Flags {
	return Flags{
		ProfileRequest:      IsFullProfileRequest(text),
		ThirdPartyLookup:    IsThirdPartyRequest(text),
		Indecision:          IsIndecision(text),
		AnalyticsRequest:    IsAnalytics(text),
		ProvenanceRequest:   IsProvenance(text),
		UpdateModeRequest:   IsUpdateMode(text),
		ConfirmationRequest: IsConfirmation(text),
		InterviewRequest:    IsInterviewStyle(text),
		Top3Request:         IsTop3Prompt(text),
		MissedIntent:        IsMissedIntent(text),
		LikelyUpdate:        IsLikelyUpdate(text),
	}
}

func match(re *regexp.Regexp, text string) bool {
	s := Clean(text)
	return s != "" && re.MatchString(s)
}
