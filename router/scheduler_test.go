package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/commandflow/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type tickPlugin struct {
	name     string
	schedule string
	runs     atomic.Int32
	cleanups atomic.Int32
	fail     bool
	panics   bool
	blocks   bool
	started  chan struct{}
}

func (p *tickPlugin) Metadata() plugins.Metadata {
	return plugins.Metadata{Name: p.name, Kind: plugins.KindBackground}
}
func (p *tickPlugin) Commands() []plugins.Command { return nil }
func (p *tickPlugin) Schedule() string            { return p.schedule }

func (p *tickPlugin) Run(ctx context.Context, env plugins.Env) error {
	p.runs.Add(1)
	if p.blocks {
		close(p.started)
		<-ctx.Done()
		return ctx.Err()
	}
	if p.panics {
		panic("tick panic")
	}
	if p.fail {
		return errors.New("tick failed")
	}
	return nil
}

func (p *tickPlugin) Cleanup(ctx context.Context) error {
	p.cleanups.Add(1)
	return nil
}

func newSchedulerFixture(t *testing.T, ps ...plugins.Plugin) (*Scheduler, *plugins.Registry) {
	t.Helper()
	reg := plugins.NewRegistry(zaptest.NewLogger(t))
	for _, p := range ps {
		require.NoError(t, reg.Install(context.Background(), p))
	}
	return NewScheduler(reg, plugins.Env{Registry: reg, Logger: zaptest.NewLogger(t)}, zaptest.NewLogger(t)), reg
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	tick := &tickPlugin{name: "tick", schedule: "@every 1s"}
	s, reg := newSchedulerFixture(t, tick)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerStarted)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "tick", jobs[0].Plugin)
	assert.Equal(t, "@every 1s", jobs[0].Schedule)

	assert.Eventually(t, func() bool { return tick.runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, int32(1), tick.cleanups.Load())
	_, ok := reg.Snapshot().Plugin("tick")
	assert.False(t, ok)

	require.NoError(t, s.Stop(ctx), "stop is idempotent")
}

func TestScheduler_FailuresAreIsolated(t *testing.T) {
	bad := &tickPlugin{name: "bad", schedule: "@every 1h", panics: true}
	flaky := &tickPlugin{name: "flaky", schedule: "@every 1h", fail: true}
	good := &tickPlugin{name: "good", schedule: "@every 1h"}
	s, _ := newSchedulerFixture(t, bad, flaky, good)

	err := s.RunNow(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	assert.EqualError(t, s.RunNow(context.Background(), "flaky"), "tick failed")
	assert.NoError(t, s.RunNow(context.Background(), "good"))
	assert.Equal(t, int32(1), good.runs.Load())

	assert.ErrorIs(t, s.RunNow(context.Background(), "ghost"), plugins.ErrPluginNotFound)
}

func TestScheduler_SkipsDisabledPlugins(t *testing.T) {
	tick := &tickPlugin{name: "tick", schedule: "@every 1h"}
	s, reg := newSchedulerFixture(t, tick)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	require.NoError(t, reg.Disable("tick"))
	s.runJob("tick", tick)
	assert.Equal(t, int32(0), tick.runs.Load())

	require.NoError(t, reg.Enable("tick"))
	s.runJob("tick", tick)
	assert.Equal(t, int32(1), tick.runs.Load())
}

func TestScheduler_StopCancelsRunningJobs(t *testing.T) {
	tick := &tickPlugin{name: "tick", schedule: "@every 1s", blocks: true, started: make(chan struct{})}
	s, _ := newSchedulerFixture(t, tick)
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-tick.started:
	case <-time.After(3 * time.Second):
		t.Fatal("background job never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, s.Stop(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), tick.cleanups.Load())
}
