package securegate

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// InputKind selects the character-class policy applied by ValidateInput.
type InputKind string

const (
	// KindIdentifier covers workflow ids, stage names, and artifact kinds:
	// lowercase letters, digits, '-', '_', '.'.
	KindIdentifier InputKind = "identifier"
	// KindRequestText covers free-form request text: printable characters
	// plus newline and tab.
	KindRequestText InputKind = "request-text"
	// KindLabel covers profiler labels and tags: identifier charset plus ':'.
	KindLabel InputKind = "label"
)

// InputViolationError reports a rejected input value along with the format
// the caller was expected to supply.
type InputViolationError struct {
	Kind     InputKind
	Reason   string
	Expected string
}

func (e *InputViolationError) Error() string {
	return fmt.Sprintf("securegate: input violation (%s): %s; expected %s", e.Kind, e.Reason, e.Expected)
}

// IsInputViolation reports whether err is an input violation.
func IsInputViolation(err error) bool {
	var iv *InputViolationError
	return errors.As(err, &iv)
}

// ValidateInput checks value against the kind's character class and the
// length bound. The value is returned unchanged on success; an input of
// exactly maxLen characters passes.
func ValidateInput(value string, kind InputKind, maxLen int) (string, error) {
	expected := expectedFormat(kind)
	if value == "" {
		return "", &InputViolationError{Kind: kind, Reason: "empty value", Expected: expected}
	}
	if maxLen > 0 && len(value) > maxLen {
		return "", &InputViolationError{
			Kind:     kind,
			Reason:   fmt.Sprintf("length %d exceeds limit %d", len(value), maxLen),
			Expected: expected,
		}
	}
	switch kind {
	case KindIdentifier:
		if idx := strings.IndexFunc(value, func(r rune) bool { return !identifierRune(r) }); idx >= 0 {
			return "", &InputViolationError{
				Kind:     kind,
				Reason:   fmt.Sprintf("disallowed character %q at position %d", value[idx], idx),
				Expected: expected,
			}
		}
	case KindLabel:
		if idx := strings.IndexFunc(value, func(r rune) bool { return !identifierRune(r) && r != ':' }); idx >= 0 {
			return "", &InputViolationError{
				Kind:     kind,
				Reason:   fmt.Sprintf("disallowed character %q at position %d", value[idx], idx),
				Expected: expected,
			}
		}
	case KindRequestText:
		for i, r := range value {
			if r == '\n' || r == '\t' {
				continue
			}
			if unicode.IsControl(r) {
				return "", &InputViolationError{
					Kind:     kind,
					Reason:   fmt.Sprintf("control character at position %d", i),
					Expected: expected,
				}
			}
		}
	default:
		return "", &InputViolationError{Kind: kind, Reason: "unknown input kind", Expected: "a registered input kind"}
	}
	return value, nil
}

func identifierRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_' || r == '.':
		return true
	}
	return false
}

func expectedFormat(kind InputKind) string {
	switch kind {
	case KindIdentifier:
		return "lowercase letters, digits, '-', '_', '.'"
	case KindLabel:
		return "identifier characters plus ':'"
	case KindRequestText:
		return "printable text (newline and tab allowed)"
	default:
		return "a registered input kind"
	}
}
