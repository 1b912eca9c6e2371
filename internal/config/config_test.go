package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithDefaultsFillsZeroValues(t *testing.T) {
	e := Engine{}.WithDefaults()

	assert.Equal(t, 500, e.StartRateLimit)
	assert.Equal(t, time.Hour, e.StartRateWindow)
	assert.Equal(t, 100, e.SignalPageSize)
	assert.Equal(t, 100, e.EscalationMaxDepth)
	assert.Len(t, e.CounterSecret, 32)
}

func TestWithDefaultsKeepsExplicitValues(t *testing.T) {
	e := Engine{
		StartRateLimit:     7,
		StartRateWindow:    time.Minute,
		SignalPageSize:     25,
		EscalationMaxDepth: 3,
		CounterSecret:      "0123456789abcdef",
	}.WithDefaults()

	assert.Equal(t, 7, e.StartRateLimit)
	assert.Equal(t, time.Minute, e.StartRateWindow)
	assert.Equal(t, 25, e.SignalPageSize)
	assert.Equal(t, 3, e.EscalationMaxDepth)
	assert.Equal(t, "0123456789abcdef", e.CounterSecret)
}

func TestInitConfigReadsEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "/nonexistent/conf.yaml")
	t.Setenv("ENGINE_NAME", "env-engine")
	t.Setenv("ENGINE_SIGNAL_PAGE_SIZE", "42")

	c := InitConfig()

	assert.Equal(t, "env-engine", c.Name)
	assert.Equal(t, 42, c.Engine.SignalPageSize)
	assert.Equal(t, 500, c.Engine.StartRateLimit)
}
