// Package validate provides pure field validators for personnel records.
//
// Validators never perform I/O and never panic on bad input: every check
// returns a Result that is either Valid (carrying the normalized form of the
// value) or Invalid (carrying a machine-readable reason). Callers branch on
// the outcome, which lets the record store validate a whole edit before
// deciding whether to accept it.
package validate

import (
	"strings"
)

// Reason is a machine-readable code explaining why a value was rejected.
type Reason string

const (
	// ReasonMalformed means the value does not have the shape the field
	// requires (wrong character set, empty body, missing separators).
	ReasonMalformed Reason = "MALFORMED"

	// ReasonChecksumMismatch means the value is well-formed but its embedded
	// check character does not match the computed checksum.
	ReasonChecksumMismatch Reason = "CHECKSUM_MISMATCH"
)

// Result is the outcome of validating a single field value.
//
// When OK is true, Normalized holds the canonical form of the input and
// should be stored in place of the raw value. When OK is false, Code holds
// the rejection reason.
type Result struct {
	OK         bool
	Normalized string
	Code       Reason
}

// Valid returns a successful Result carrying the canonical value.
func Valid(normalized string) Result {
	return Result{OK: true, Normalized: normalized}
}

// Invalid returns a failed Result carrying the rejection reason.
func Invalid(code Reason) Result {
	return Result{Code: code}
}

// Role identifies a logical field role that has a dedicated validator.
type Role string

const (
	RoleIdentity Role = "identityNumber"
	RoleEmail    Role = "email"
	RolePhone    Role = "phone"
)

// Func validates a raw field value and returns the outcome.
type Func func(raw string) Result

// ByRole maps each recognized role to its validator. The set of keys here is
// exactly the set of roles a column map may bind.
func ByRole(role Role) (Func, bool) {
	switch role {
	case RoleIdentity:
		return IdentityNumber, true
	case RoleEmail:
		return Email, true
	case RolePhone:
		return Phone, true
	default:
		return nil, false
	}
}

// Roles returns all roles that have validators, in a stable order.
func Roles() []Role {
	return []Role{RoleIdentity, RoleEmail, RolePhone}
}

// IdentityNumber validates a national identity number with an embedded
// check character (mod-11 scheme with weights cycling 2..7).
//
// Separators (dots, dashes, whitespace) are stripped and the check character
// is uppercased before checking. The body must be 1-8 digits followed by
// exactly one check character: a digit, or the letter K representing the
// check value 10. On success the canonical form is returned: the body with
// dotted thousands grouping, a dash, and the check character ("12.345.678-5").
func IdentityNumber(raw string) Result {
	clean := cleanIdentity(raw)
	if len(clean) < 2 {
		return Invalid(ReasonMalformed)
	}

	body, check := clean[:len(clean)-1], clean[len(clean)-1]
	if len(body) > 8 {
		return Invalid(ReasonMalformed)
	}
	for i := 0; i < len(body); i++ {
		if body[i] < '0' || body[i] > '9' {
			return Invalid(ReasonMalformed)
		}
	}
	if check != 'K' && (check < '0' || check > '9') {
		return Invalid(ReasonMalformed)
	}

	if CheckDigit(body) != check {
		return Invalid(ReasonChecksumMismatch)
	}
	return Valid(formatIdentity(body, check))
}

// CheckDigit computes the expected check character for a digit body.
//
// Digits are weighted right to left with weights cycling through 2,3,4,5,6,7.
// The weighted sum is reduced mod 11 and the check value is 11 - remainder,
// mapped to '0' for 11 and 'K' for 10. The body must contain only digits;
// behavior on other input is unspecified.
func CheckDigit(body string) byte {
	weights := [6]int{2, 3, 4, 5, 6, 7}
	sum, w := 0, 0
	for i := len(body) - 1; i >= 0; i-- {
		sum += int(body[i]-'0') * weights[w]
		w = (w + 1) % len(weights)
	}
	switch m := 11 - sum%11; m {
	case 11:
		return '0'
	case 10:
		return 'K'
	default:
		return byte('0' + m)
	}
}

// cleanIdentity strips separators and uppercases a trailing k.
func cleanIdentity(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r == '.' || r == '-' || r == ' ' || r == '\t':
			// separator
		case r == 'k':
			b.WriteByte('K')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// formatIdentity renders the canonical dotted form: "12.345.678-5".
func formatIdentity(body string, check byte) string {
	var b strings.Builder
	lead := len(body) % 3
	if lead > 0 {
		b.WriteString(body[:lead])
	}
	for i := lead; i < len(body); i += 3 {
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(body[i : i+3])
	}
	b.WriteByte('-')
	b.WriteByte(check)
	return b.String()
}

// Email validates an email address: a non-empty local part and a domain
// separated by exactly one '@', where the domain contains at least one dot
// with non-empty labels and no whitespace appears anywhere.
//
// The canonical form trims surrounding whitespace and lowercases the domain;
// the local part is preserved as given.
func Email(raw string) Result {
	addr := strings.TrimSpace(raw)
	if addr == "" || strings.ContainsAny(addr, " \t\r\n") {
		return Invalid(ReasonMalformed)
	}

	at := strings.Index(addr, "@")
	if at <= 0 || at != strings.LastIndex(addr, "@") {
		return Invalid(ReasonMalformed)
	}

	local, domain := addr[:at], strings.ToLower(addr[at+1:])
	if !strings.Contains(domain, ".") {
		return Invalid(ReasonMalformed)
	}
	for _, label := range strings.Split(domain, ".") {
		if label == "" {
			return Invalid(ReasonMalformed)
		}
	}
	return Valid(local + "@" + domain)
}

// Phone validates a phone number. Separators (spaces, dashes, parentheses)
// are stripped; what remains must be 8-15 digits, optionally prefixed by a
// '+' and country code. The canonical form is "+<digits>" when the plus
// prefix is present, otherwise the bare digit string.
func Phone(raw string) Result {
	s := strings.TrimSpace(raw)
	plus := strings.HasPrefix(s, "+")
	if plus {
		s = s[1:]
	}

	var digits strings.Builder
	digits.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')':
			// separator
		default:
			return Invalid(ReasonMalformed)
		}
	}

	n := digits.Len()
	if n < 8 || n > 15 {
		return Invalid(ReasonMalformed)
	}
	if plus {
		return Valid("+" + digits.String())
	}
	return Valid(digits.String())
}
