package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIIVehicleAndBirthDate(t *testing.T) {
	out, changed := RedactPII("my VIN is 1HGCM82633A004352 and I was born 04/12/1985")
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if !strings.Contains(out, "[REDACTED_VIN]") || !strings.Contains(out, "[REDACTED_DATE]") {
		t.Fatalf("unexpected redaction: %q", out)
	}
	if strings.Contains(out, "1985") {
		t.Fatalf("birth year leaked: %q", out)
	}
}

func TestRedactLeavesPlainSpeech(t *testing.T) {
	in := "I need an oil change tomorrow at 10am"
	out, changed := RedactPII(in)
	if changed || out != in {
		t.Fatalf("RedactPII(%q) = %q, %v; want unchanged", in, out, changed)
	}
	if got := Redact(in); got != in {
		t.Fatalf("Redact(%q) = %q", in, got)
	}
}
