package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		t.Run("level_"+level, func(t *testing.T) {
			l, err := NewLogger(Config{Level: level, Format: "json"})
			require.NoError(t, err)
			l.With("provider", "ollama").Info("[Test] hello %s", "world")
		})
	}

	_, err := NewLogger(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNopLogger(t *testing.T) {
	l := NewNop()
	l.LogError(errors.New("boom"), "[Test] failed %d", 1)
	l.LogError(nil, "[Test] fine")
	l.WithFields(map[string]interface{}{"k": "v"}).Debug("[Test] debug")
}
