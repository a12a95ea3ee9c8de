package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestActionsRoundTripToFunction(t *testing.T) {
	for _, fn := range Functions {
		for _, action := range []string{OnAction(fn), OffAction(fn), ConfigAction(fn)} {
			got, ok := FunctionOf(action)
			assert.True(t, ok, action)
			assert.Equal(t, fn, got, action)
		}
	}

	_, ok := FunctionOf("reboot")
	assert.False(t, ok)
}

func TestCooldownElapsed(t *testing.T) {
	now := time.Now()
	cfg := AutomationConfig{CooldownPeriod: 3600}

	assert.True(t, cfg.CooldownElapsed(now), "never triggered")

	cfg.LastTriggerAt = now.Add(-1000 * time.Second)
	assert.False(t, cfg.CooldownElapsed(now))

	cfg.LastTriggerAt = now.Add(-4000 * time.Second)
	assert.True(t, cfg.CooldownElapsed(now))

	cfg.LastTriggerAt = now.Add(-3600 * time.Second)
	assert.True(t, cfg.CooldownElapsed(now), "boundary is inclusive")
}

func TestAutomationConfigValidate(t *testing.T) {
	assert.Error(t, AutomationConfig{Enabled: true, Threshold: 30}.Validate(FunctionIrrigation))
	assert.NoError(t, AutomationConfig{Enabled: true, Threshold: 30}.Validate(FunctionLighting))
	assert.NoError(t, AutomationConfig{Enabled: true, Threshold: 30, TriggerDuration: 600}.Validate(FunctionIrrigation))
	assert.Error(t, AutomationConfig{Threshold: -1}.Validate(FunctionLighting))
}

func TestParseFunction(t *testing.T) {
	fn, err := ParseFunction("lighting")
	assert.NoError(t, err)
	assert.Equal(t, FunctionLighting, fn)

	_, err = ParseFunction("heating")
	assert.Error(t, err)
}
