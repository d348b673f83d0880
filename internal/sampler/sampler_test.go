package sampler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icc.tech/capture-agent/internal/bus"
	"icc.tech/capture-agent/internal/config"
	"icc.tech/capture-agent/internal/messages"
)

func newTestActor(t *testing.T, strategy *config.StrategyConfig) (*Actor, <-chan bus.Envelope) {
	t.Helper()
	b := bus.New(8)
	managerDest := bus.Dest{Actor: "test-manager"}
	mailbox, err := b.Register(managerDest)
	require.NoError(t, err)
	a := New(b, managerDest, strategy, nil)
	return a, mailbox
}

func TestEvaluateFiresDefaultModuleOnCPUThreshold(t *testing.T) {
	strategy := &config.StrategyConfig{Sample: config.SampleConfig{CPUPctGT: 50}}
	a, mailbox := newTestActor(t, strategy)

	a.evaluate(time.Now(), 90, 0, 0, 0)

	select {
	case env := <-mailbox:
		alert, ok := env.Body.(messages.SampleAlert)
		require.True(t, ok, "expected SampleAlert, got %T", env.Body)
		assert.True(t, alert.HitCPU)
		assert.Equal(t, "default", alert.Module)
	default:
		t.Fatal("expected an alert to be sent")
	}
}

func TestEvaluateNoAlertBelowThreshold(t *testing.T) {
	strategy := &config.StrategyConfig{Sample: config.SampleConfig{CPUPctGT: 90}}
	a, mailbox := newTestActor(t, strategy)

	a.evaluate(time.Now(), 10, 0, 0, 0)

	select {
	case env := <-mailbox:
		t.Fatalf("expected no alert, got %+v", env.Body)
	default:
	}
}

func TestEvaluateUsesNamedTriggersOverDefault(t *testing.T) {
	strategy := &config.StrategyConfig{
		Sample: config.SampleConfig{
			Triggers: []config.TriggerModule{
				{Name: "db-spike", CPUPctGT: 80, TriggerCapture: "process:postgres", CooldownSec: 60},
			},
		},
	}
	a, mailbox := newTestActor(t, strategy)

	a.evaluate(time.Now(), 95, 0, 0, 0)

	env := <-mailbox
	alert, ok := env.Body.(messages.SampleAlert)
	require.True(t, ok)
	assert.Equal(t, "db-spike", alert.Module)
	assert.Equal(t, "process:postgres", alert.CaptureHint)
}

func TestRefreshSwapsStrategy(t *testing.T) {
	a, _ := newTestActor(t, &config.StrategyConfig{})
	newStrategy := &config.StrategyConfig{Sample: config.SampleConfig{CPUPctGT: 5}}
	a.Refresh(newStrategy)
	assert.Same(t, newStrategy, a.strategy)
}
