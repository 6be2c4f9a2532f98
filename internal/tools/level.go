package tools

import (
	"fmt"
	"strings"
)

// Level is the permission level a tool requires. Levels are totally ordered:
// a higher level means a more dangerous capability.
type Level int

const (
	LevelReadOnly Level = iota
	LevelWriteFile
	LevelReadWrite
	LevelExecuteSafe
	LevelExecuteUnsafe
	LevelNetwork
)

var levelNames = [...]string{
	LevelReadOnly:      "read_only",
	LevelWriteFile:     "write_file",
	LevelReadWrite:     "read_write",
	LevelExecuteSafe:   "execute_safe",
	LevelExecuteUnsafe: "execute_unsafe",
	LevelNetwork:       "network",
}

// Levels returns every level in ascending order.
func Levels() []Level {
	return []Level{LevelReadOnly, LevelWriteFile, LevelReadWrite, LevelExecuteSafe, LevelExecuteUnsafe, LevelNetwork}
}

func (l Level) String() string {
	if l < LevelReadOnly || l > LevelNetwork {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= LevelReadOnly && l <= LevelNetwork
}

// AtMost reports whether l is at or below ceiling.
func (l Level) AtMost(ceiling Level) bool {
	return l <= ceiling
}

// ParseLevel parses a level label. It accepts snake, kebab and compact spellings
// ("read_only", "read-only", "readonly") case-insensitively.
func ParseLevel(s string) (Level, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("-", "", "_", "", " ", "").Replace(key)
	for i, name := range levelNames {
		if strings.ReplaceAll(name, "_", "") == key {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("unknown permission level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid permission level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Decode lets envconfig parse level labels from the environment.
func (l *Level) Decode(value string) error {
	return l.UnmarshalText([]byte(value))
}
