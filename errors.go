package universal

import (
	"errors"
	"fmt"
)

var (
	ErrRendererNotRunning = errors.New("renderer is not running")
	ErrRenderTimeout      = errors.New("render timed out")
	ErrEmptyURI           = errors.New("render uri is empty")
	ErrUnknownCharset     = errors.New("unknown charset")
	ErrNoEngines          = errors.New("renderer requires at least one engine")

	// ErrAdapterNotRegistered is returned by engines whose server bundle never
	// called registerRenderAdapter.
	ErrAdapterNotRegistered = errors.New("server bundle did not register a render adapter")

	// ErrAdapterAlreadyRegistered is returned when a bundle registers a second adapter.
	ErrAdapterAlreadyRegistered = errors.New("render adapter already registered")
)

// ScriptError is a render failure reported by a script runtime.
// Message is the string form of the thrown value and JSON its JSON encoding,
// when the value could be encoded.
type ScriptError struct {
	Message string
	JSON    string
}

func (e *ScriptError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("script error: %s", e.JSON)
	}
	return fmt.Sprintf("script error: %s", e.Message)
}
