package conversation

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MaxVerificationAttempts failed answers force escalation.
const MaxVerificationAttempts = 3

var (
	numericDatePattern = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{2,4})\b`)
	isoDatePattern     = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	spokenDatePattern  = regexp.MustCompile(`\b(january|february|march|april|may|june|july|august|september|october|november|december)\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
)

var months = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March, "april": time.April,
	"may": time.May, "june": time.June, "july": time.July, "august": time.August,
	"september": time.September, "october": time.October, "november": time.November, "december": time.December,
}

// verifyFact reports whether text contains a fact matching the caller
// record, and which kind of fact matched.
func verifyFact(text string, c *Caller) (string, bool) {
	if c == nil {
		return "", false
	}
	t := normalize(text)
	if dob := normalizeDate(c.DateOfBirth); dob != "" {
		for _, d := range datesIn(t) {
			if d == dob {
				return "date_of_birth", true
			}
		}
	}
	if phone := onlyDigits(c.Phone); len(phone) >= 4 {
		if strings.Contains(spokenDigits(t), phone[len(phone)-4:]) {
			return "phone_last4", true
		}
	}
	if matchAddress(t, c.Address) {
		return "address", true
	}
	if matchVehicle(t, c.Vehicle, c.VIN) {
		return "vehicle", true
	}
	return "", false
}

func datesIn(t string) []string {
	var out []string
	for _, m := range numericDatePattern.FindAllStringSubmatch(t, -1) {
		if d := formatDate(m[3], m[1], m[2]); d != "" {
			out = append(out, d)
		}
	}
	for _, m := range isoDatePattern.FindAllStringSubmatch(t, -1) {
		if d := formatDate(m[1], m[2], m[3]); d != "" {
			out = append(out, d)
		}
	}
	for _, m := range spokenDatePattern.FindAllStringSubmatch(t, -1) {
		if d := formatDate(m[3], strconv.Itoa(int(months[m[1]])), m[2]); d != "" {
			out = append(out, d)
		}
	}
	return out
}

func formatDate(year, month, day string) string {
	y, err1 := strconv.Atoi(year)
	m, err2 := strconv.Atoi(month)
	d, err3 := strconv.Atoi(day)
	if err1 != nil || err2 != nil || err3 != nil || m < 1 || m > 12 || d < 1 || d > 31 {
		return ""
	}
	if y < 100 {
		// Two-digit birth years: 30-99 are last century.
		if y >= 30 {
			y += 1900
		} else {
			y += 2000
		}
	}
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC).Format(time.DateOnly)
}

func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.Format(time.DateOnly)
	}
	if ds := datesIn(normalize(s)); len(ds) > 0 {
		return ds[0]
	}
	return ""
}

// matchAddress needs the house number and the first street word.
func matchAddress(t, address string) bool {
	words := strings.Fields(normalize(address))
	if len(words) < 2 {
		return false
	}
	number := onlyDigits(words[0])
	if number == "" {
		return false
	}
	street := strings.Trim(words[1], ".,")
	return strings.Contains(spokenDigits(t), number) && containsWord(t, street)
}

// matchVehicle accepts the last six VIN characters, or the model name plus
// either the make or the year.
func matchVehicle(t, vehicle, vin string) bool {
	if v := strings.ToLower(strings.TrimSpace(vin)); len(v) >= 6 {
		compact := strings.ReplaceAll(t, " ", "")
		if strings.Contains(compact, v[len(v)-6:]) {
			return true
		}
	}
	words := strings.Fields(normalize(vehicle))
	if len(words) < 2 {
		return false
	}
	model := words[len(words)-1]
	if !containsWord(t, model) {
		return false
	}
	for _, w := range words[:len(words)-1] {
		if containsWord(t, w) {
			return true
		}
	}
	return false
}

func containsWord(t, word string) bool {
	if word == "" {
		return false
	}
	for _, w := range strings.FieldsFunc(t, func(r rune) bool { return r == ' ' || r == ',' || r == '.' }) {
		if w == word {
			return true
		}
	}
	return false
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
