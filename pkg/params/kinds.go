package params

import (
	"fmt"
	"net/url"
	"strconv"
)

// NewBool constructs a boolean parameter. Accepts "0","1","true","false"
// (case-sensitive); "1" and "true" map to true.
func NewBool(category, key string, defaultValue bool) (*Parameter[bool], error) {
	return New(category, key, defaultValue,
		func(s string) (bool, error) {
			switch s {
			case "1", "true":
				return true, nil
			case "0", "false":
				return false, nil
			default:
				return false, fmt.Errorf("must be one of 0, 1, true, false")
			}
		},
		func(v bool) string {
			if v {
				return "true"
			}
			return "false"
		},
	)
}

// NewInt constructs an integer parameter. "max"/"min" resolve to IntMax /
// IntMin; anything else is parsed as a signed integer.
func NewInt(category, key string, defaultValue int) (*Parameter[int], error) {
	return New(category, key, defaultValue, parseInt, displayInt)
}

// NewRangedInt is NewInt's ranged variant: negative values are rejected.
func NewRangedInt(category, key string, defaultValue int) (*Parameter[int], error) {
	return New(category, key, defaultValue,
		func(s string) (int, error) {
			v, err := parseInt(s)
			if err != nil {
				return 0, err
			}
			if v < 0 {
				return 0, fmt.Errorf("must not be negative, got %d", v)
			}
			return v, nil
		},
		displayInt,
	)
}

func parseInt(s string) (int, error) {
	switch s {
	case "max":
		return IntMax, nil
	case "min":
		return IntMin, nil
	default:
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("not a valid integer: %w", err)
		}
		return v, nil
	}
}

func displayInt(v int) string { return strconv.Itoa(v) }

// NewString constructs a plain string parameter.
func NewString(category, key string, defaultValue string) (*Parameter[string], error) {
	return New(category, key, defaultValue,
		func(s string) (string, error) { return s, nil },
		func(v string) string { return v },
	)
}

// NewPassword constructs a string parameter whose display is always masked,
// regardless of the stored value.
func NewPassword(category, key string, defaultValue string) (*Parameter[string], error) {
	return New(category, key, defaultValue,
		func(s string) (string, error) { return s, nil },
		func(v string) string { return "*****" },
	)
}

// NewURL constructs a parameter whose value must parse as an absolute URL
// (non-empty scheme).
func NewURL(category, key string, defaultValue string) (*Parameter[string], error) {
	return New(category, key, defaultValue,
		func(s string) (string, error) {
			u, err := url.Parse(s)
			if err != nil {
				return "", fmt.Errorf("not a valid URL: %w", err)
			}
			if !u.IsAbs() || u.Scheme == "" {
				return "", fmt.Errorf("URL must be absolute with a scheme, got %q", s)
			}
			return s, nil
		},
		func(v string) string { return v },
	)
}

// AllowedSetProvider is called at parse time to fetch an EnumP's current
// allowed values, matching the "dynamically-provided allowed-set" design
// note — the set can change between calls (e.g. a discovered list of
// backend indices) without re-registering the parameter.
type AllowedSetProvider func() []string

// NewEnum constructs a parameter whose value must be a member of the set
// allowed() returns, re-evaluated on every SetFromString call.
func NewEnum(category, key string, defaultValue string, allowed AllowedSetProvider) (*Parameter[string], error) {
	return New(category, key, defaultValue,
		func(s string) (string, error) {
			for _, a := range allowed() {
				if a == s {
					return s, nil
				}
			}
			return "", fmt.Errorf("value %q is not in the allowed set %v", s, allowed())
		},
		func(v string) string { return v },
	)
}
