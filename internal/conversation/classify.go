package conversation

import (
	"regexp"
	"strings"
)

type intentPattern struct {
	intent  Intent
	pattern *regexp.Regexp
}

// Order matters: the first match wins, so the more specific booking changes
// are tested before plain scheduling.
var intentPatterns = []intentPattern{
	{IntentCancel, regexp.MustCompile(`\b(cancel|call off|won'?t (be able to )?make( it)?|can'?t make( it)?)\b`)},
	{IntentReschedule, regexp.MustCompile(`\b(re-?schedul\w*|(move|change|switch|push back) (my|the|our|that) (appointment|booking|time|day|slot)|(a|to a) (different|another) (day|time))\b`)},
	{IntentCheckAppointment, regexp.MustCompile(`\b(when is|what time is|check|confirm|do i have|status of|look up)\b.*\b(appointment|booking|car|vehicle)\b`)},
	{IntentSchedule, regexp.MustCompile(`\b(book|schedul\w*|make an appointment|set up|come in|bring (it|my \w+) in|need (an?|my)?\s*(oil|brake|tire|service|inspection|appointment)|oil change|tune[- ]?up|inspection|brakes?|tire rotation|alignment)\b`)},
	{IntentGeneralInquiry, regexp.MustCompile(`\b(how much|price|cost|hours|open|close|located|location|address|do you (do|offer|service)|question)\b`)},
}

// ClassifyIntent selects exactly one intent for a final transcript, or
// IntentUnknown when no pattern matches.
func ClassifyIntent(text string) Intent {
	t := normalize(text)
	if t == "" {
		return IntentUnknown
	}
	for _, p := range intentPatterns {
		if p.pattern.MatchString(t) {
			return p.intent
		}
	}
	return IntentUnknown
}

type escalationPattern struct {
	reason  string
	pattern *regexp.Regexp
}

const (
	ReasonCallerRequest      = "caller_request"
	ReasonHostility          = "hostility"
	ReasonComplaint          = "complaint"
	ReasonVerificationFailed = "verification_failed"
)

var escalationPatterns = []escalationPattern{
	{ReasonCallerRequest, regexp.MustCompile(`\b(speak|talk)\s+(to|with)\s+(a|an|the|your|some)?\s*(real\s+)?(human|person|manager|supervisor|representative|rep|agent|someone|somebody|owner)\b`)},
	{ReasonCallerRequest, regexp.MustCompile(`\b(real person|live person|human being|operator|transfer me|put me through|get me (a|the) (manager|supervisor|human))\b`)},
	{ReasonHostility, regexp.MustCompile(`\b(f+u+c*k+\w*|shit\w*|damn it|stupid|idiot\w*|useless|worthless|shut up|screw (you|this))\b`)},
	{ReasonComplaint, regexp.MustCompile(`\b(complain\w*|complaint|unacceptable|terrible service|worst service|ripped off|rip[- ]off|lawyer|sue (you|them)|refund|better business bureau)\b`)},
}

// DetectEscalation reports whether text asks for or warrants a human.
func DetectEscalation(text string) (reason string, ok bool) {
	t := normalize(text)
	for _, p := range escalationPatterns {
		if p.pattern.MatchString(t) {
			return p.reason, true
		}
	}
	return "", false
}

var (
	affirmPattern  = regexp.MustCompile(`^(yes|yeah|yep|yup|sure|correct|right|exactly|perfect|sounds good|that'?s (right|correct|fine|good|perfect)|go ahead|do it|book it|please do|absolutely|ok(ay)?|that works)\b`)
	negatePattern  = regexp.MustCompile(`^(no|nope|nah|not (quite|really|exactly)|wait|actually|hold on|that'?s (wrong|not right)|wrong)\b`)
	goodbyePattern = regexp.MustCompile(`\b(bye|goodbye|that'?s (all|it)|nothing else|no,? (thanks|thank you)|have a (good|nice|great) (day|one))\b`)
)

// Confirmation classifies a reply to a read-back question. ok is false
// when the reply is neither a clear yes nor a clear no.
func Confirmation(text string) (affirmed bool, ok bool) {
	t := normalize(text)
	switch {
	case negatePattern.MatchString(t):
		return false, true
	case affirmPattern.MatchString(t):
		return true, true
	default:
		return false, false
	}
}

func isGoodbye(text string) bool { return goodbyePattern.MatchString(normalize(text)) }

var (
	servicePattern = regexp.MustCompile(`\b(oil change|brake (inspection|job|pads?|service)|brakes|tire rotation|tires?|alignment|wheel alignment|state inspection|inspection|battery( replacement)?|tune[- ]?up|diagnostic\w*|check engine light|transmission( service)?|ac service|air conditioning|maintenance|\d{2,3},?000[- ]mile (service|maintenance))\b`)
	weekdayPattern = regexp.MustCompile(`\b(today|tomorrow|this (morning|afternoon|evening)|(next |this )?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)|(january|february|march|april|may|june|july|august|september|october|november|december) \d{1,2}(st|nd|rd|th)?|\d{1,2}/\d{1,2}(/\d{2,4})?|\d{4}-\d{2}-\d{2})\b`)
	timePattern    = regexp.MustCompile(`\b(\d{1,2}(:\d{2})?\s?(am|pm)|\d{1,2}:\d{2}|noon|(first thing in the )?morning|afternoon|(ten|eleven|twelve|one|two|three|four|five|six|seven|eight|nine) (o'?clock|am|pm|thirty))\b`)
	vehiclePattern = regexp.MustCompile(`\b((19|20)\d{2}\s+)?(acura|audi|bmw|buick|cadillac|chevy|chevrolet|chrysler|dodge|ford|gmc|honda|hyundai|infiniti|jeep|kia|lexus|lincoln|mazda|mercedes|nissan|ram|subaru|tesla|toyota|volkswagen|vw|volvo)(\s+[a-z0-9\-]+)?\b`)
	namePattern    = regexp.MustCompile(`\b(my name is|my name's|this is|i am|i'm)\s+([a-z]+(\s+[a-z]+)?)`)
)

// nonNames filters "I'm calling", "this is about" and similar.
var nonNames = map[string]bool{
	"calling": true, "looking": true, "trying": true, "about": true, "just": true,
	"not": true, "here": true, "wondering": true, "going": true, "interested": true,
	"hoping": true, "having": true, "sure": true, "sorry": true, "fine": true, "good": true,
	"and": true, "i": true, "with": true, "from": true, "here's": true, "over": true,
}

// fillerWords are trailing words the vehicle pattern can pick up after a make.
var fillerWords = map[string]bool{
	"to": true, "for": true, "in": true, "at": true, "and": true, "is": true, "on": true,
	"the": true, "with": true, "tomorrow": true, "today": true, "needs": true, "that": true,
}

// ExtractSlots pulls whatever slot values text obviously contains.
func ExtractSlots(text string) Slots {
	var out Slots
	t := normalize(text)
	if t == "" {
		return out
	}
	if m := servicePattern.FindString(t); m != "" {
		out.Set(SlotServiceType, m)
	}
	day := weekdayPattern.FindString(t)
	at := timePattern.FindString(t)
	switch {
	case day != "" && at != "":
		out.Set(SlotDateTime, day+" at "+at)
	case day != "" || at != "":
		out.Set(SlotDateTime, strings.TrimSpace(day+" "+at))
	}
	if m := vehiclePattern.FindString(t); m != "" {
		words := strings.Fields(m)
		if len(words) > 1 && fillerWords[words[len(words)-1]] {
			words = words[:len(words)-1]
		}
		out.Set(SlotVehicle, strings.Join(words, " "))
	}
	if m := namePattern.FindStringSubmatch(t); m != nil {
		words := strings.Fields(m[2])
		if len(words) > 0 && !nonNames[words[0]] {
			if len(words) > 1 && nonNames[words[1]] {
				words = words[:1]
			}
			out.Set(SlotName, titleCase(strings.Join(words, " ")))
		}
	}
	if digits := spokenDigits(t); len(digits) >= 10 {
		out.Set(SlotPhone, digits[len(digits)-10:])
	}
	return out
}

func normalize(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.NewReplacer("’", "'", "—", " ", "–", " ", "a.m.", "am", "p.m.", "pm").Replace(t)
	return strings.Join(strings.Fields(t), " ")
}

var digitWords = map[string]byte{
	"zero": '0', "oh": '0', "o": '0', "one": '1', "two": '2', "three": '3', "four": '4',
	"five": '5', "six": '6', "seven": '7', "eight": '8', "nine": '9',
}

// spokenDigits concatenates every digit in text, including digits spoken
// as words, in order.
func spokenDigits(text string) string {
	var b strings.Builder
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '-' || r == '(' || r == ')'
	}) {
		if d, ok := digitWords[word]; ok {
			b.WriteByte(d)
			continue
		}
		for _, r := range word {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
