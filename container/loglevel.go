package container

import (
	"sync"

	"go.uber.org/zap/zapcore"
)

// levelTable implements interfaces.LogLevelController by keeping one
// zapcore.Level per qualified logger name, recorded on its first SetLevel.
type levelTable struct {
	mu     sync.Mutex
	levels map[string]zapcore.Level
}

func newLevelTable() *levelTable {
	return &levelTable{levels: make(map[string]zapcore.Level)}
}

// SetLevel implements interfaces.LogLevelController, returning the level
// qualname had before the change so change_loglevel can schedule a
// revert.
func (t *levelTable) SetLevel(qualname string, level zapcore.Level) (zapcore.Level, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	previous := t.levels[qualname]
	t.levels[qualname] = level
	return previous, nil
}

// Level returns the current level recorded for qualname, defaulting to
// InfoLevel if it was never set.
func (t *levelTable) Level(qualname string) zapcore.Level {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lvl, ok := t.levels[qualname]; ok {
		return lvl
	}
	return zapcore.InfoLevel
}
