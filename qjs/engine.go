// Package qjs runs Angular Universal server bundles inside QuickJS.
//
// The bundle is evaluated once per engine. It is expected to call the global
// registerRenderAdapter(adapter) while loading, and the adapter's callback to
// call receiveRenderedPage(uuid, html, error) for every finished render.
// Rendering is requested through adapter.renderPage(uuid, uri, template).
package qjs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	quickjs "github.com/fastschema/qjs"

	universal "github.com/joetifa2003/universal"
	"github.com/joetifa2003/universal/internal/pool"
)

const engineName = "quickjs"

// prelude installs the globals a server bundle talks to. The adapter object
// stays on the JS side; Go only learns that it was registered.
const prelude = `
globalThis.registerRenderAdapter = function (adapter) {
	__universalRegisterRenderAdapter();
	globalThis.__universalRenderAdapter = adapter;
};
(function () {
	const format = (args) => args.map((a) => {
		if (typeof a === "string") return a;
		try { return JSON.stringify(a); } catch (e) { return String(a); }
	}).join(" ");
	globalThis.console = {
		debug: (...args) => __universalLog("debug", format(args)),
		log: (...args) => __universalLog("info", format(args)),
		info: (...args) => __universalLog("info", format(args)),
		warn: (...args) => __universalLog("warn", format(args)),
		error: (...args) => __universalLog("error", format(args)),
	};
})();
`

var _ universal.Host = (*Engine)(nil)

// Engine is one QuickJS runtime with a server bundle loaded into it.
type Engine struct {
	rt       *quickjs.Runtime
	ctx      *quickjs.Context
	logger   universal.Logger
	callback universal.RenderCallback

	mu      sync.Mutex
	adapter universal.RenderAdapter
}

type config struct {
	runtime quickjs.Option
	logger  universal.Logger
}

type Option func(c *config)

// WithMemoryLimit caps the runtime heap, in bytes.
func WithMemoryLimit(bytes int) Option {
	return func(c *config) {
		c.runtime.MemoryLimit = bytes
	}
}

// WithMaxStackSize caps the runtime stack, in bytes.
func WithMaxStackSize(bytes int) Option {
	return func(c *config) {
		c.runtime.MaxStackSize = bytes
	}
}

// WithMaxExecutionTime interrupts a single evaluation after the given
// number of milliseconds.
func WithMaxExecutionTime(ms int) Option {
	return func(c *config) {
		c.runtime.MaxExecutionTime = ms
	}
}

// WithLogger receives console output of the bundle.
func WithLogger(logger universal.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// New returns an EngineFactory booting QuickJS engines.
func New(opts ...Option) universal.EngineFactory {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	return func(assets universal.Assets, callback universal.RenderCallback) (universal.Engine, error) {
		e, err := newEngine(cfg, assets, callback)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

func newEngine(cfg *config, assets universal.Assets, callback universal.RenderCallback) (*Engine, error) {
	rt, err := quickjs.New(cfg.runtime)
	if err != nil {
		return nil, fmt.Errorf("failed to create quickjs runtime: %w", err)
	}

	e := &Engine{
		rt:       rt,
		ctx:      rt.Context(),
		logger:   cfg.logger,
		callback: callback,
	}

	e.installGlobals()

	if err := e.eval("prelude.js", prelude); err != nil {
		e.rt.Close()
		return nil, fmt.Errorf("failed to install globals: %w", err)
	}

	name := assets.BundleName
	if name == "" {
		name = "server.bundle.js"
	}
	if err := e.eval(name, string(assets.Bundle)); err != nil {
		e.rt.Close()
		return nil, fmt.Errorf("failed to evaluate server bundle: %w", err)
	}

	e.mu.Lock()
	registered := e.adapter != nil
	e.mu.Unlock()
	if !registered {
		e.rt.Close()
		return nil, universal.ErrAdapterNotRegistered
	}

	return e, nil
}

func (e *Engine) installGlobals() {
	e.ctx.SetFunc("__universalRegisterRenderAdapter", func(this *quickjs.This) (*quickjs.Value, error) {
		if err := e.Register(&jsAdapter{engine: e}); err != nil {
			return nil, err
		}
		return this.Context().NewUndefined(), nil
	})

	e.ctx.SetFunc("receiveRenderedPage", func(this *quickjs.This) (*quickjs.Value, error) {
		args := this.Args()

		var id, html string
		var renderErr error
		if len(args) > 0 {
			id = args[0].String()
		}
		if len(args) > 1 && !nullish(args[1]) {
			html = args[1].String()
		}
		if len(args) > 2 && !nullish(args[2]) {
			renderErr = scriptError(args[2])
		}

		e.OnRenderComplete(id, html, renderErr)
		return this.Context().NewUndefined(), nil
	})

	e.ctx.SetFunc("__universalLog", func(this *quickjs.This) (*quickjs.Value, error) {
		args := this.Args()
		if len(args) < 2 {
			return this.Context().NewUndefined(), nil
		}

		level := slog.LevelInfo
		switch args[0].String() {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		e.logger.LogAttrs(context.Background(), level, args[1].String(), slog.String("engine", engineName))
		return this.Context().NewUndefined(), nil
	})
}

func nullish(v *quickjs.Value) bool {
	return v == nil || v.IsUndefined() || v.IsNull()
}

func scriptError(v *quickjs.Value) *universal.ScriptError {
	encoded, err := v.JSONStringify()
	if err != nil {
		encoded = ""
	}
	return &universal.ScriptError{
		Message: v.String(),
		JSON:    encoded,
	}
}

func (e *Engine) eval(file, code string) error {
	result, err := e.ctx.Eval(file, quickjs.Code(code))
	if err != nil {
		return err
	}
	result.Free()
	return nil
}

// Register records the adapter of the bundle. A bundle registers once.
func (e *Engine) Register(adapter universal.RenderAdapter) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.adapter != nil {
		return universal.ErrAdapterAlreadyRegistered
	}
	e.adapter = adapter
	return nil
}

// OnRenderComplete relays a completion reported by the bundle.
func (e *Engine) OnRenderComplete(uuid, html string, err error) {
	e.callback(uuid, html, err)
}

func (e *Engine) Name() string { return engineName }

func (e *Engine) Render(req universal.Request) error {
	e.mu.Lock()
	adapter := e.adapter
	e.mu.Unlock()

	return adapter.RenderPage(req.UUID, req.URI, req.Template)
}

func (e *Engine) Close() error {
	e.rt.Close()
	return nil
}

var scriptPool = pool.NewBufferPool()

// jsAdapter calls the adapter object the bundle registered.
type jsAdapter struct {
	engine *Engine
}

func (a *jsAdapter) RenderPage(uuid, uri, template string) error {
	buf := scriptPool.Get()
	defer scriptPool.Put(buf)

	buf.WriteString("globalThis.__universalRenderAdapter.renderPage(")
	for i, arg := range []string{uuid, uri, template} {
		if i > 0 {
			buf.WriteString(", ")
		}
		literal, err := json.Marshal(arg)
		if err != nil {
			return err
		}
		buf.Write(literal)
	}
	buf.WriteString(");")

	if err := a.engine.eval("render.js", buf.String()); err != nil {
		return fmt.Errorf("renderPage failed: %w", err)
	}
	return nil
}
