package universal

import (
	"sync"
)

// Assets is what an engine is booted from.
type Assets struct {
	// Template is the index page the bundle renders into, in UTF-8.
	Template string
	// Bundle is the compiled server bundle.
	Bundle []byte
	// BundleName is used as the file name when evaluating the bundle.
	BundleName string
}

// Request is one render dispatched to an engine.
type Request struct {
	UUID     string
	URI      string
	Template string
}

// Engine is a loaded server bundle.
// Render only dispatches the request; the result arrives on the callback the
// engine was created with. An engine is used by one goroutine at a time.
type Engine interface {
	Name() string
	Render(req Request) error
	Close() error
}

// EngineFactory boots an engine from assets, reporting completions to callback.
type EngineFactory func(assets Assets, callback RenderCallback) (Engine, error)

// NewAdapterEngine returns an EngineFactory for bundles implemented in Go.
// The factory is bootstrapped once per engine.
func NewAdapterEngine(name string, factory AdapterFactory) EngineFactory {
	return func(assets Assets, callback RenderCallback) (Engine, error) {
		e := &adapterEngine{
			name:     name,
			callback: callback,
		}

		if _, err := Bootstrap(e, factory); err != nil {
			return nil, err
		}

		return e, nil
	}
}

type adapterEngine struct {
	name     string
	callback RenderCallback

	mu      sync.Mutex
	adapter RenderAdapter
}

func (e *adapterEngine) Register(adapter RenderAdapter) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.adapter != nil {
		return ErrAdapterAlreadyRegistered
	}
	e.adapter = adapter
	return nil
}

func (e *adapterEngine) OnRenderComplete(uuid, html string, err error) {
	e.callback(uuid, html, err)
}

func (e *adapterEngine) Name() string { return e.name }

func (e *adapterEngine) Render(req Request) error {
	e.mu.Lock()
	adapter := e.adapter
	e.mu.Unlock()

	if adapter == nil {
		return ErrAdapterNotRegistered
	}
	return adapter.RenderPage(req.UUID, req.URI, req.Template)
}

func (e *adapterEngine) Close() error { return nil }
