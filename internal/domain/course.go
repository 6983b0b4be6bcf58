package domain

// Level is the difficulty tier of a course
type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

// Levels lists every level in progression order
var Levels = []Level{LevelBeginner, LevelIntermediate, LevelAdvanced}

// String returns the string representation of the level
func (l Level) String() string {
	return string(l)
}

// IsValid reports whether the level is one of the known tiers
func (l Level) IsValid() bool {
	return l.Rank() > 0
}

// Rank returns the 1-based position of the level, or 0 for unknown levels
func (l Level) Rank() int {
	for i, lvl := range Levels {
		if lvl == l {
			return i + 1
		}
	}
	return 0
}

// Next returns the level that follows l and false when l is the last one
func (l Level) Next() (Level, bool) {
	rank := l.Rank()
	if rank == 0 || rank >= len(Levels) {
		return "", false
	}
	return Levels[rank], true
}

// Course is an ordered collection of exercises at a single level
type Course struct {
	ID          string `json:"_id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Level       Level  `json:"level" yaml:"level"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}
