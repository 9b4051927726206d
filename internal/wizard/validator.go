package wizard

import (
	"regexp"
	"slices"
)

// Validator checks one field value against the full answer set. Check
// returns the error message and false when the value is rejected.
// Validators are pure and cheap enough to run on every keystroke.
type Validator struct {
	fn   func(key string, value any, answers Answers) (string, bool)
	deps []string
}

// ValidatorFunc wraps fn. deps names any other answer keys fn reads so the
// form can reject a misspelled dependency at construction.
func ValidatorFunc(fn func(key string, value any, answers Answers) (string, bool), deps ...string) Validator {
	return Validator{fn: fn, deps: deps}
}

// Check runs the validator. The zero Validator accepts everything.
func (v Validator) Check(key string, value any, answers Answers) (string, bool) {
	if v.fn == nil {
		return "", true
	}
	return v.fn(key, value, answers)
}

// Deps lists the answer keys the validator reads besides its own field.
func (v Validator) Deps() []string { return v.deps }

var (
	ZIPPattern   = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	FaxPattern   = regexp.MustCompile(`^\d{3}-\d{3}-\d{4}$`)
	EmailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	DatePattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// Required rejects empty values.
func Required(msg string) Validator {
	return ValidatorFunc(func(_ string, v any, _ Answers) (string, bool) {
		if isEmpty(v) {
			return msg, false
		}
		return "", true
	})
}

// Checked rejects anything but a true boolean. Used for attestations.
func Checked(msg string) Validator {
	return ValidatorFunc(func(_ string, v any, _ Answers) (string, bool) {
		if b, ok := v.(bool); ok && b {
			return "", true
		}
		return msg, false
	})
}

// RequiredIf makes a field required only while dep holds want.
func RequiredIf(dep string, want any, msg string) Validator {
	return ValidatorFunc(func(_ string, v any, a Answers) (string, bool) {
		if textOf(a[dep]) != textOf(want) {
			return "", true
		}
		if isEmpty(v) {
			return msg, false
		}
		return "", true
	}, dep)
}

// RequiredWhenSet makes a field required once dep holds any value.
func RequiredWhenSet(dep string, msg string) Validator {
	return ValidatorFunc(func(_ string, v any, a Answers) (string, bool) {
		if isEmpty(a[dep]) {
			return "", true
		}
		if isEmpty(v) {
			return msg, false
		}
		return "", true
	}, dep)
}

// Pattern rejects non-empty values that do not match re.
func Pattern(re *regexp.Regexp, msg string) Validator {
	return ValidatorFunc(func(_ string, v any, _ Answers) (string, bool) {
		s := textOf(v)
		if s == "" || re.MatchString(s) {
			return "", true
		}
		return msg, false
	})
}

// Email rejects malformed e-mail addresses.
func Email(msg string) Validator {
	return Pattern(EmailPattern, msg)
}

var digitsOnly = regexp.MustCompile(`^\d+$`)

// Digits rejects non-empty values that are not exactly n decimal digits.
func Digits(n int, msg string) Validator {
	return ValidatorFunc(func(_ string, v any, _ Answers) (string, bool) {
		s := textOf(v)
		if s == "" {
			return "", true
		}
		if len(s) != n || !digitsOnly.MatchString(s) {
			return msg, false
		}
		return "", true
	})
}

// OneOf rejects non-empty values outside options.
func OneOf(options []string, msg string) Validator {
	return ValidatorFunc(func(_ string, v any, _ Answers) (string, bool) {
		s := textOf(v)
		if s == "" || slices.Contains(options, s) {
			return "", true
		}
		return msg, false
	})
}

// MaxLength rejects values longer than n characters.
func MaxLength(n int, msg string) Validator {
	return ValidatorFunc(func(_ string, v any, _ Answers) (string, bool) {
		if len([]rune(textOf(v))) > n {
			return msg, false
		}
		return "", true
	})
}

// Chain runs validators in order and reports the first failure.
func Chain(vs ...Validator) Validator {
	var deps []string
	for _, v := range vs {
		deps = append(deps, v.deps...)
	}
	return ValidatorFunc(func(key string, value any, a Answers) (string, bool) {
		for _, v := range vs {
			if msg, ok := v.Check(key, value, a); !ok {
				return msg, false
			}
		}
		return "", true
	}, deps...)
}
