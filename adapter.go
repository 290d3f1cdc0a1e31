package universal

// RenderAdapter is the render entry point a server bundle hands to its host.
// RenderPage starts rendering uri into template; the result is reported later,
// through the RenderCallback the adapter was built with, under the same uuid.
type RenderAdapter interface {
	RenderPage(uuid, uri, template string) error
}

// RenderCallback receives one render completion. html is empty when the
// render produced no document and err is nil when it did not fail.
type RenderCallback func(uuid, html string, err error)

// AdapterFactory builds the adapter of a server bundle around the callback
// it must report completions to.
type AdapterFactory func(callback RenderCallback) (RenderAdapter, error)

// Host is the side of the process that owns a server bundle: it keeps the
// adapter the bundle registers and is told about every finished render.
type Host interface {
	// Register is called once, when the bundle is loaded.
	Register(adapter RenderAdapter) error

	// OnRenderComplete is called once per finished render.
	OnRenderComplete(uuid, html string, err error)
}

// NewRenderCallback returns a callback that relays every completion to host,
// synchronously and without looking at it.
func NewRenderCallback(host Host) RenderCallback {
	return func(uuid, html string, err error) {
		host.OnRenderComplete(uuid, html, err)
	}
}

// Bootstrap builds the adapter of a bundle and registers it with host.
// It is meant to be called once per host; there is no unregistration.
func Bootstrap(host Host, factory AdapterFactory) (RenderAdapter, error) {
	adapter, err := factory(NewRenderCallback(host))
	if err != nil {
		return nil, err
	}

	if err := host.Register(adapter); err != nil {
		return nil, err
	}

	return adapter, nil
}

// FuncAdapter adapts a function to RenderAdapter.
type FuncAdapter func(uuid, uri, template string) error

func (f FuncAdapter) RenderPage(uuid, uri, template string) error {
	return f(uuid, uri, template)
}
