package securegate

import (
	"strings"
	"testing"
)

func TestValidateInputIdentifierBoundary(t *testing.T) {
	exact := strings.Repeat("a", 64)
	value, err := ValidateInput(exact, KindIdentifier, 64)
	if err != nil {
		t.Fatalf("exact max length should pass: %v", err)
	}
	if value != exact {
		t.Fatalf("value mutated: %q", value)
	}
	if _, err := ValidateInput(exact+"a", KindIdentifier, 64); !IsInputViolation(err) {
		t.Fatalf("max+1 should fail with input violation, got %v", err)
	}
}

func TestValidateInputIdentifierCharset(t *testing.T) {
	valid := []string{"wf-20260830-120000-ab12", "stage_name", "security-report", "docs.v2"}
	for _, value := range valid {
		if _, err := ValidateInput(value, KindIdentifier, 128); err != nil {
			t.Fatalf("%q should pass: %v", value, err)
		}
	}
	invalid := []string{"Plan", "stage name", "a/b", "x;rm", "café"}
	for _, value := range invalid {
		if _, err := ValidateInput(value, KindIdentifier, 128); !IsInputViolation(err) {
			t.Fatalf("%q should fail, got %v", value, err)
		}
	}
}

func TestValidateInputRequestText(t *testing.T) {
	if _, err := ValidateInput("add X to the parser\nwith tests\ttoo", KindRequestText, 0); err != nil {
		t.Fatalf("newline/tab should be allowed: %v", err)
	}
	if _, err := ValidateInput("bad\x00request", KindRequestText, 0); !IsInputViolation(err) {
		t.Fatalf("control characters should fail, got %v", err)
	}
}

func TestValidateInputErrorStatesExpectedFormat(t *testing.T) {
	_, err := ValidateInput("Not Valid", KindIdentifier, 32)
	if err == nil || !strings.Contains(err.Error(), "expected lowercase letters") {
		t.Fatalf("error should state the expected format, got %v", err)
	}
}

func TestValidateInputLabel(t *testing.T) {
	if _, err := ValidateInput("stage:review", KindLabel, 64); err != nil {
		t.Fatalf("label with colon should pass: %v", err)
	}
	if _, err := ValidateInput("stage review", KindLabel, 64); !IsInputViolation(err) {
		t.Fatalf("space in label should fail, got %v", err)
	}
}
