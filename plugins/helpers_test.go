package plugins

import (
	"context"
	"errors"
	"sync/atomic"
)

// --- fake plugins ---

type fakePlugin struct {
	meta     Metadata
	commands []Command

	initErr      error
	cleanupErr   error
	initCalls    atomic.Int32
	cleanupCalls atomic.Int32
}

func newFake(name string, cmds ...string) *fakePlugin {
	p := &fakePlugin{meta: Metadata{Name: name, Version: "1.0.0", Kind: KindCommand}}
	for _, c := range cmds {
		p.commands = append(p.commands, cmd(c))
	}
	return p
}

func cmd(name string, aliases ...string) Command {
	return Command{
		Name:    name,
		Aliases: aliases,
		Handler: func(ctx context.Context, ec *ExecutionContext) (any, error) { return name, nil },
	}
}

func (p *fakePlugin) dependsOn(deps ...string) *fakePlugin {
	p.meta.Dependencies = deps
	return p
}

func (p *fakePlugin) Metadata() Metadata  { return p.meta }
func (p *fakePlugin) Commands() []Command { return p.commands }

func (p *fakePlugin) Init(ctx context.Context) error {
	p.initCalls.Add(1)
	return p.initErr
}

func (p *fakePlugin) Cleanup(ctx context.Context) error {
	p.cleanupCalls.Add(1)
	return p.cleanupErr
}

type fakeMiddleware struct {
	fakePlugin
}

func newFakeMiddleware(name string) *fakeMiddleware {
	return &fakeMiddleware{fakePlugin: fakePlugin{meta: Metadata{Name: name, Kind: KindMiddleware}}}
}

func (m *fakeMiddleware) Handle(ctx context.Context, ec *ExecutionContext) (Outcome, error) {
	return Continue, nil
}

type fakeBackground struct {
	fakePlugin
	schedule string
}

func (b *fakeBackground) Schedule() string                       { return b.schedule }
func (b *fakeBackground) Run(ctx context.Context, env Env) error { return errors.New("unused") }

type recordingMetrics struct {
	total, active atomic.Int32
}

func (m *recordingMetrics) SetRegistrySize(total, active int) {
	m.total.Store(int32(total))
	m.active.Store(int32(active))
}

func installAll(r *Registry, ps ...Plugin) error {
	for _, p := range ps {
		if err := r.Install(context.Background(), p); err != nil {
			return err
		}
	}
	return nil
}
