package util

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// ViolationCode identifies one password policy rule.
type ViolationCode string

const (
	ViolationLength       ViolationCode = "length"
	ViolationUppercase    ViolationCode = "uppercase"
	ViolationLowercase    ViolationCode = "lowercase"
	ViolationDigit        ViolationCode = "digit"
	ViolationSymbol       ViolationCode = "symbol"
	ViolationRepeat       ViolationCode = "repeat"
	ViolationCommon       ViolationCode = "common"
	ViolationPersonalInfo ViolationCode = "personal_info"
	ViolationHistory      ViolationCode = "history"
)

// Violation is one failed policy rule with a human-readable message.
type Violation struct {
	Code    ViolationCode `json:"code"`
	Message string        `json:"message"`
}

// ValidationResult collects every rule failure; Valid is true only when the
// list is empty.
type ValidationResult struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

// PersonalInfo holds the user attributes a password must not contain.
type PersonalInfo struct {
	Username  string
	Email     string
	FirstName string
	LastName  string
}

// HashCompare checks a candidate password against a stored hash. The policy
// validator never sees plaintext history, only hashes.
type HashCompare interface {
	Matches(candidate, storedHash string) bool
}

// HashCompareFunc adapts a function to the HashCompare interface.
type HashCompareFunc func(candidate, storedHash string) bool

// Matches calls f.
func (f HashCompareFunc) Matches(candidate, storedHash string) bool {
	return f(candidate, storedHash)
}

// BcryptCompare is the default HashCompare backed by bcrypt.
func BcryptCompare() HashCompare {
	return HashCompareFunc(func(candidate, storedHash string) bool {
		return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(candidate)) == nil
	})
}

// PasswordPolicy defines password complexity requirements.
type PasswordPolicy struct {
	MinLength        int
	MaxLength        int // prevents DoS through huge bcrypt inputs
	RequireUppercase bool
	RequireLowercase bool
	RequireDigit     bool
	RequireSymbol    bool
	MaxRepeatRun     int // longest allowed run of one character, 0 disables
	HistoryCount     int // how many previous hashes to check
	ForbiddenList    []string
}

// DefaultPasswordPolicy returns the default policy.
func DefaultPasswordPolicy() *PasswordPolicy {
	return &PasswordPolicy{
		MinLength:        12,
		MaxLength:        128,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireDigit:     true,
		RequireSymbol:    true,
		MaxRepeatRun:     2,
		HistoryCount:     5,
	}
}

// commonPasswords is the built-in short list of frequently breached passwords.
// The ForbiddenList config extends it.
var commonPasswords = map[string]struct{}{
	"password": {}, "password1": {}, "password123": {}, "123456": {},
	"12345678": {}, "123456789": {}, "qwerty": {}, "qwerty123": {},
	"abc123": {}, "letmein": {}, "welcome": {}, "welcome1": {},
	"admin": {}, "admin123": {}, "iloveyou": {}, "monkey": {},
	"dragon": {}, "sunshine": {}, "princess": {}, "football": {},
}

// Validate evaluates every rule independently and returns all violations in a
// fixed order: length, uppercase, lowercase, digit, symbol, repeat run,
// common list, personal info, history reuse.
func (p *PasswordPolicy) Validate(password string, info PersonalInfo, history []string, cmp HashCompare) ValidationResult {
	var violations []Violation
	add := func(code ViolationCode, msg string) {
		violations = append(violations, Violation{Code: code, Message: msg})
	}

	if len(password) < p.MinLength || (p.MaxLength > 0 && len(password) > p.MaxLength) {
		add(ViolationLength, lengthMessage(p.MinLength, p.MaxLength))
	}

	hasUpper, hasLower, hasDigit, hasSymbol := characterClasses(password)
	if p.RequireUppercase && !hasUpper {
		add(ViolationUppercase, "password must contain an uppercase letter")
	}
	if p.RequireLowercase && !hasLower {
		add(ViolationLowercase, "password must contain a lowercase letter")
	}
	if p.RequireDigit && !hasDigit {
		add(ViolationDigit, "password must contain a digit")
	}
	if p.RequireSymbol && !hasSymbol {
		add(ViolationSymbol, "password must contain a symbol")
	}

	if p.MaxRepeatRun > 0 && longestRun(password) > p.MaxRepeatRun {
		add(ViolationRepeat, "password contains too many repeated characters in a row")
	}

	if p.isCommon(password) {
		add(ViolationCommon, "password is too common")
	}

	if containsPersonalInfo(password, info) {
		add(ViolationPersonalInfo, "password must not contain personal information")
	}

	if cmp != nil && p.HistoryCount > 0 {
		checked := history
		if len(checked) > p.HistoryCount {
			checked = checked[:p.HistoryCount]
		}
		for _, hash := range checked {
			if cmp.Matches(password, hash) {
				add(ViolationHistory, "password was used recently")
				break
			}
		}
	}

	return ValidationResult{Valid: len(violations) == 0, Violations: violations}
}

func lengthMessage(min, max int) string {
	if max > 0 {
		return fmt.Sprintf("password length must be between %d and %d characters", min, max)
	}
	return fmt.Sprintf("password must be at least %d characters", min)
}

func characterClasses(password string) (upper, lower, digit, symbol bool) {
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	return
}

// longestRun returns the length of the longest run of one repeated character.
func longestRun(s string) int {
	longest, run := 0, 0
	var prev rune = -1
	for _, r := range s {
		if r == prev {
			run++
		} else {
			run = 1
			prev = r
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}

func (p *PasswordPolicy) isCommon(password string) bool {
	lower := strings.ToLower(password)
	if _, found := commonPasswords[lower]; found {
		return true
	}
	for _, forbidden := range p.ForbiddenList {
		if lower == strings.ToLower(forbidden) {
			return true
		}
	}
	return false
}

// containsPersonalInfo checks case-insensitive substring matches against the
// username, the local part of the email, and first/last names. Fragments of
// two characters or fewer are ignored to avoid false positives.
func containsPersonalInfo(password string, info PersonalInfo) bool {
	lower := strings.ToLower(password)

	emailLocal := info.Email
	if at := strings.IndexByte(emailLocal, '@'); at >= 0 {
		emailLocal = emailLocal[:at]
	}

	for _, fragment := range []string{info.Username, emailLocal, info.FirstName, info.LastName} {
		fragment = strings.ToLower(strings.TrimSpace(fragment))
		if len(fragment) <= 2 {
			continue
		}
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
