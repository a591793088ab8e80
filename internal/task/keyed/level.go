package keyed

import (
	"fmt"
	"strings"
)

// Priority is the raw priority of a submission. Higher runs first.
type Priority int

// Level is the bucket a raw priority falls into. It is used for statistics and
// priority-scoped cancellation only; ordering always uses the raw Priority.
type Level int

const (
	LevelLow Level = iota
	LevelNormal
	LevelHigh
	LevelCritical
	LevelEmergency

	numLevels = int(LevelEmergency) + 1
)

// Levels lists every level from lowest to highest.
var Levels = [numLevels]Level{LevelLow, LevelNormal, LevelHigh, LevelCritical, LevelEmergency}

// LevelOf maps a raw priority to its level: >=4 Emergency, 3 Critical,
// 2 High, 1 Normal, anything else Low.
func LevelOf(p Priority) Level {
	switch {
	case p >= 4:
		return LevelEmergency
	case p == 3:
		return LevelCritical
	case p == 2:
		return LevelHigh
	case p == 1:
		return LevelNormal
	default:
		return LevelLow
	}
}

// Priority returns the canonical raw priority for l.
func (l Level) Priority() Priority { return Priority(l) }

func (l Level) Valid() bool { return l >= LevelLow && l <= LevelEmergency }

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelNormal:
		return "normal"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel accepts level names (case-insensitive).
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, l := range Levels {
		if l.String() == name {
			return l, nil
		}
	}
	return LevelLow, fmt.Errorf("unknown priority level %q", s)
}

func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
