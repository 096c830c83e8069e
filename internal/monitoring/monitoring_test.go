package monitoring

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/commandflow/internal/bridge"
	"github.com/BaSui01/commandflow/internal/cache"
	"github.com/BaSui01/commandflow/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeBridge struct{ ok bool }

func (b fakeBridge) HealthCheck(context.Context) bridge.Health {
	return bridge.Health{State: "connected", Connected: b.ok, Transport: "tcp"}
}

func (b fakeBridge) TestConnection(context.Context) bridge.ConnectionTest {
	if !b.ok {
		return bridge.ConnectionTest{Transport: "tcp", Error: "connection refused"}
	}
	return bridge.ConnectionTest{OK: true, Transport: "tcp"}
}

type fakeCache struct {
	enabled, healthy bool
}

func (c fakeCache) Enabled() bool { return c.enabled }
func (c fakeCache) HealthCheck(context.Context) cache.Health {
	h := cache.Health{Enabled: c.enabled, Backend: "redis", Healthy: c.healthy}
	if !c.healthy {
		h.Error = "dial tcp: refused"
	}
	return h
}
func (c fakeCache) Stats(context.Context) (*cache.Stats, error) {
	if !c.healthy {
		return nil, errors.New("down")
	}
	return &cache.Stats{Enabled: c.enabled, Backend: "redis", Hits: 3}, nil
}

type fakeHistory struct{ err error }

func (h fakeHistory) Ping(context.Context) error { return h.err }
func (h fakeHistory) DBStats() sql.DBStats       { return sql.DBStats{OpenConnections: 2, Idle: 1} }

type dbGauge struct {
	name       string
	open, idle int
}

func (g *dbGauge) RecordDBConnections(database string, open, idle int) {
	g.name, g.open, g.idle = database, open, idle
}

type cmdPlugin struct{}

func (cmdPlugin) Metadata() plugins.Metadata {
	return plugins.Metadata{Name: "system", Kind: plugins.KindCommand}
}
func (cmdPlugin) Commands() []plugins.Command {
	return []plugins.Command{{Name: "ping", Handler: func(context.Context, *plugins.ExecutionContext) (any, error) { return "pong", nil }}}
}

func newRegistry(t *testing.T, withCommands bool) *plugins.Registry {
	t.Helper()
	reg := plugins.NewRegistry(zaptest.NewLogger(t))
	if withCommands {
		require.NoError(t, reg.Install(context.Background(), cmdPlugin{}))
	}
	return reg
}

func TestService_HealthCombination(t *testing.T) {
	tests := []struct {
		name    string
		reg     bool
		opts    []Option
		want    Status
		failing []string
	}{
		{"all healthy", true, []Option{WithBridge(fakeBridge{ok: true}), WithCache(fakeCache{enabled: true, healthy: true}), WithHistory(fakeHistory{})}, StatusHealthy, nil},
		{"bridge down degrades", true, []Option{WithBridge(fakeBridge{}), WithCache(fakeCache{enabled: true, healthy: true})}, StatusDegraded, []string{"bridge"}},
		{"history down degrades", true, []Option{WithHistory(fakeHistory{err: errors.New("locked")})}, StatusDegraded, []string{"history"}},
		{"enabled cache down is unhealthy", true, []Option{WithBridge(fakeBridge{}), WithCache(fakeCache{enabled: true})}, StatusUnhealthy, []string{"bridge", "cache"}},
		{"disabled cache down degrades", true, []Option{WithCache(fakeCache{enabled: false})}, StatusDegraded, []string{"cache"}},
		{"no commands is unhealthy", false, nil, StatusUnhealthy, []string{"registry"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(newRegistry(t, tt.reg), "1.0.0", zaptest.NewLogger(t), tt.opts...)
			report := svc.Health(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Equal(t, "1.0.0", report.Version)

			var failing []string
			for name, r := range report.Checks {
				if r.Status == "fail" {
					failing = append(failing, name)
					assert.NotEmpty(t, r.Message)
				}
			}
			assert.ElementsMatch(t, tt.failing, failing)
		})
	}
}

func TestService_ChecksRunConcurrently(t *testing.T) {
	svc := NewService(newRegistry(t, true), "dev", nil)
	for _, name := range []string{"a", "b", "c"} {
		svc.RegisterCheck(Check{Name: name, Run: func(ctx context.Context) error {
			time.Sleep(200 * time.Millisecond)
			return nil
		}})
	}

	start := time.Now()
	report := svc.Health(context.Background())
	assert.Less(t, time.Since(start), 550*time.Millisecond)
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Len(t, report.Checks, 4)
}

func TestService_CheckTimeoutAndPanic(t *testing.T) {
	svc := NewService(newRegistry(t, true), "dev", nil, WithTimeout(50*time.Millisecond))
	svc.RegisterCheck(Check{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	svc.RegisterCheck(Check{Name: "broken", Severity: SeverityCritical, Run: func(context.Context) error {
		panic("boom")
	}})

	report := svc.Health(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Contains(t, report.Checks["slow"].Message, "deadline")
	assert.Contains(t, report.Checks["broken"].Message, "panicked")
}

func TestService_Status(t *testing.T) {
	gauge := &dbGauge{}
	started := time.Now().Add(-time.Hour)
	svc := NewService(newRegistry(t, true), "1.2.3", zaptest.NewLogger(t),
		WithBridge(fakeBridge{ok: true}),
		WithCache(fakeCache{enabled: true, healthy: true}),
		WithHistory(fakeHistory{}),
		WithClientCounter(func() int { return 4 }),
		WithMetrics(gauge),
		WithStartedAt(started),
	)

	st := svc.Status(context.Background())
	assert.Equal(t, StatusHealthy, st.Status)
	assert.Equal(t, "1.2.3", st.Version)
	assert.GreaterOrEqual(t, st.UptimeSeconds, 3600.0)
	assert.Equal(t, RegistryStatus{Plugins: 1, ActivePlugins: 1, Commands: 1}, st.Registry)
	require.Len(t, st.Plugins, 1)
	assert.Equal(t, 4, st.DuplexClients)
	require.NotNil(t, st.Bridge)
	assert.Equal(t, "connected", st.Bridge.State)
	require.NotNil(t, st.Cache)
	assert.Equal(t, uint64(3), st.Cache.Hits)
	assert.Equal(t, dbGauge{name: "history", open: 2, idle: 1}, *gauge)
	assert.GreaterOrEqual(t, svc.Uptime(), time.Hour)
}
