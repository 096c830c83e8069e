package plugins

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/BaSui01/commandflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(zaptest.NewLogger(t))
}

// --- constructor ---

func TestNewRegistry_NilLogger(t *testing.T) {
	r := NewRegistry(nil)
	require.NotNil(t, r)
	assert.Equal(t, 0, r.Snapshot().Len())
}

// --- validation ---

func TestRegistry_Validate(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, installAll(r, newFake("system", "status")))

	noHandler := newFake("nohandler")
	noHandler.commands = []Command{{Name: "x"}}

	dupAlias := newFake("dupalias")
	dupAlias.commands = []Command{cmd("a", "b"), cmd("b")}

	badParams := newFake("badparams")
	badParams.commands = []Command{{Name: "p", Handler: cmd("p").Handler, Params: Schema{{Name: "n", Type: "decimal"}}}}

	badKind := newFake("badkind", "k")
	badKind.meta.Kind = "cron"

	mwWithoutHandle := newFake("mw")
	mwWithoutHandle.meta.Kind = KindMiddleware

	badSchedule := &fakeBackground{fakePlugin: fakePlugin{meta: Metadata{Name: "bg", Kind: KindBackground}}, schedule: "every now and then"}
	goodSchedule := &fakeBackground{fakePlugin: fakePlugin{meta: Metadata{Name: "bg", Kind: KindBackground}}, schedule: "@every 30s"}

	tests := []struct {
		name    string
		plugin  Plugin
		wantErr error
	}{
		{"valid", newFake("content", "parse").dependsOn("system"), nil},
		{"nil plugin", nil, ErrInvalidPlugin},
		{"empty name", newFake("", "x"), ErrInvalidPlugin},
		{"name with space", newFake("my plugin", "x"), ErrInvalidPlugin},
		{"unknown kind", badKind, ErrInvalidPlugin},
		{"command kind without commands", newFake("empty"), ErrInvalidPlugin},
		{"missing handler", noHandler, ErrInvalidPlugin},
		{"duplicate alias in plugin", dupAlias, ErrInvalidPlugin},
		{"bad param schema", badParams, ErrInvalidPlugin},
		{"middleware without Handle", mwWithoutHandle, ErrInvalidPlugin},
		{"bad schedule", badSchedule, ErrInvalidPlugin},
		{"good schedule", goodSchedule, nil},
		{"self dependency", newFake("self", "x").dependsOn("self"), ErrDependencyCycle},
		{"missing dependency", newFake("orphan", "x").dependsOn("ghost"), ErrUnresolvedDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Plugin
			if tt.plugin != nil {
				p = tt.plugin
			}
			err := r.Validate(p)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// --- register ---

func TestRegistry_RegisterIsAtomicOnCollision(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, installAll(r, newFake("system", "status", "ping")))
	before := r.Snapshot()

	tests := []struct {
		name   string
		plugin Plugin
		taken  string
	}{
		{"plugin name", newFake("system", "other"), "system"},
		{"command name", newFake("dup", "fresh", "status"), "status"},
		{"alias vs name", &fakePlugin{meta: Metadata{Name: "dup", Kind: KindCommand}, commands: []Command{cmd("fresh", "ping")}}, "ping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.plugin)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrDuplicateCommand))
			assert.Contains(t, err.Error(), tt.taken)

			// 注册表保持不变
			assert.Same(t, before, r.Snapshot())
			_, ok := r.Snapshot().Lookup("fresh")
			assert.False(t, ok)
		})
	}
}

func TestRegistry_AliasCollidesWithExistingAlias(t *testing.T) {
	r := newTestRegistry(t)
	a := &fakePlugin{meta: Metadata{Name: "a", Kind: KindCommand}, commands: []Command{cmd("status", "st")}}
	b := &fakePlugin{meta: Metadata{Name: "b", Kind: KindCommand}, commands: []Command{cmd("stats", "st")}}
	require.NoError(t, installAll(r, a))

	err := r.Register(b)
	require.Error(t, err)
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrDuplicateCommand, e.Code)
	assert.Contains(t, e.Message, `"a"`)
}

// --- lifecycle ---

func TestRegistry_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := &recordingMetrics{}
	r := NewRegistry(zaptest.NewLogger(t), WithRegistryMetrics(m))
	p := newFake("system", "status")

	require.NoError(t, r.Register(p))
	state, _ := r.Snapshot().State("system")
	assert.Equal(t, StateRegistered, state)
	_, ok := r.Snapshot().Lookup("status")
	assert.False(t, ok, "registered but inactive commands do not resolve")

	require.NoError(t, r.Activate(ctx, "system"))
	assert.Equal(t, int32(1), p.initCalls.Load())
	assert.Equal(t, int32(1), m.active.Load())
	_, ok = r.Snapshot().Lookup("status")
	assert.True(t, ok)

	assert.ErrorIs(t, r.Activate(ctx, "system"), ErrInvalidState)
	assert.ErrorIs(t, r.Enable("system"), ErrInvalidState)

	require.NoError(t, r.Disable("system"))
	_, ok = r.Snapshot().Lookup("status")
	assert.False(t, ok)
	assert.Equal(t, int32(1), m.total.Load())
	assert.Equal(t, int32(0), m.active.Load())

	require.NoError(t, r.Enable("system"))
	_, ok = r.Snapshot().Lookup("status")
	assert.True(t, ok)

	require.NoError(t, r.Unload(ctx, "system"))
	assert.Equal(t, int32(1), p.cleanupCalls.Load())
	assert.Equal(t, 0, r.Snapshot().Len())
	assert.Equal(t, int32(0), m.total.Load())

	assert.ErrorIs(t, r.Unload(ctx, "system"), ErrPluginNotFound)
	assert.ErrorIs(t, r.Disable("system"), ErrPluginNotFound)
}

func TestRegistry_ActivateRequiresActiveDependencies(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	require.NoError(t, r.Register(newFake("system", "status")))
	require.NoError(t, r.Register(newFake("content", "parse").dependsOn("system")))

	assert.ErrorIs(t, r.Activate(ctx, "content"), ErrUnresolvedDependency)
	require.NoError(t, r.Activate(ctx, "system"))
	require.NoError(t, r.Activate(ctx, "content"))
}

func TestRegistry_InstallRollsBackFailedInit(t *testing.T) {
	r := newTestRegistry(t)
	p := newFake("flaky", "flake")
	p.initErr = errors.New("boom")

	err := r.Install(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	_, ok := r.Snapshot().Plugin("flaky")
	assert.False(t, ok)

	// 名称已释放
	require.NoError(t, r.Register(newFake("flaky2", "flake")))
}

func TestRegistry_UnloadRefusedWithActiveDependents(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	require.NoError(t, installAll(r,
		newFake("system", "status"),
		newFake("content", "parse").dependsOn("system"),
	))

	err := r.Unload(ctx, "system")
	assert.ErrorIs(t, err, ErrHasDependents)
	assert.Contains(t, err.Error(), "content")

	// 依赖方被禁用后允许卸载
	require.NoError(t, r.Disable("content"))
	require.NoError(t, r.Unload(ctx, "system"))
}

func TestRegistry_UnloadAllReverseOrder(t *testing.T) {
	r := newTestRegistry(t)
	sys := newFake("system", "status")
	content := newFake("content", "parse").dependsOn("system")
	content.cleanupErr = errors.New("cleanup failed")
	require.NoError(t, installAll(r, sys, content))

	err := r.UnloadAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cleanup failed")
	assert.Equal(t, 0, r.Snapshot().Len())
	assert.Equal(t, int32(1), sys.cleanupCalls.Load())
}

func TestRegistry_UnloadMidFlightKeepsSnapshot(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, installAll(r, newFake("system", "status")))

	held := r.Snapshot()
	route, err := held.Resolve("status", ResolveOptions{})
	require.NoError(t, err)

	require.NoError(t, r.Unload(context.Background(), "system"))

	// 执行方持有的快照仍然可用
	out, err := route.Command.Handler(context.Background(), &ExecutionContext{Snapshot: held})
	require.NoError(t, err)
	assert.Equal(t, "status", out)
	_, ok := held.Lookup("status")
	assert.True(t, ok)

	_, err = r.Snapshot().Resolve("status", ResolveOptions{})
	assert.True(t, types.IsCode(err, types.ErrCommandNotFound))
}

func TestRegistry_ConcurrentReadersAndWriters(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, installAll(r, newFake("system", "status")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("p%d", i)
			_ = r.Install(context.Background(), newFake(name, "cmd"+name))
			_ = r.Disable(name)
			_ = r.Unload(context.Background(), name)
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := r.Snapshot().Resolve("status", ResolveOptions{})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, r.Snapshot().Len())
}

// --- snapshot views ---

func TestSnapshot_Views(t *testing.T) {
	r := newTestRegistry(t)
	mw := newFakeMiddleware("audit")
	sys := newFake("system", "status", "help")
	sys.meta.Category = "system"
	require.NoError(t, installAll(r, sys, mw, newFake("cache", "cache")))
	require.NoError(t, r.Disable("cache"))

	snap := r.Snapshot()
	assert.Equal(t, 3, snap.Len())
	assert.Equal(t, 2, snap.ActiveCount())
	assert.Equal(t, 2, snap.CommandCount())

	cmds := snap.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "status", cmds[0].Name)
	assert.Equal(t, "system", cmds[0].Category)
	assert.Equal(t, "system", cmds[0].Plugin)

	infos := snap.Plugins()
	require.Len(t, infos, 3)
	assert.Equal(t, []string{"system", "audit", "cache"}, []string{infos[0].Metadata.Name, infos[1].Metadata.Name, infos[2].Metadata.Name})
	assert.Equal(t, StateDisabled, infos[2].State)

	require.Len(t, snap.Middleware(), 1)
	assert.Empty(t, snap.Backgrounds())
	assert.Greater(t, snap.Version(), uint64(0))
}
