package authz

import "strings"

// Mode represents the global enforcement mode.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeShadow   Mode = "shadow"
	ModeEnforce  Mode = "enforce"
)

// FlagProvider supplies the current enforcement mode.
type FlagProvider interface {
	Mode() Mode
}

type staticFlagProvider struct {
	mode Mode
}

func (s staticFlagProvider) Mode() Mode {
	return s.mode
}

func NewStaticFlagProvider(mode Mode) FlagProvider {
	return staticFlagProvider{mode: sanitizeMode(mode)}
}

func sanitizeMode(mode Mode) Mode {
	switch strings.ToLower(strings.TrimSpace(string(mode))) {
	case string(ModeDisabled):
		return ModeDisabled
	case string(ModeEnforce):
		return ModeEnforce
	default:
		return ModeShadow
	}
}
