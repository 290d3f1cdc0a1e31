package universal

import (
	"context"
	"sync"
	"time"
)

// Future is a submitted render request.
type Future struct {
	uuid      string
	uri       string
	submitted time.Time

	// ctx is the submitter's context; a request whose context ended before
	// an engine picked it up is not rendered.
	ctx context.Context

	once sync.Once
	done chan struct{}
	html string
	err  error
}

func newFuture(ctx context.Context, uuid, uri string) *Future {
	return &Future{
		uuid:      uuid,
		uri:       uri,
		submitted: time.Now(),
		ctx:       ctx,
		done:      make(chan struct{}),
	}
}

// UUID is the identifier the request was dispatched under.
func (f *Future) UUID() string { return f.uuid }

// URI is the rendered uri.
func (f *Future) URI() string { return f.uri }

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the page is rendered or ctx ends.
// A failed render returns its error, and the html is discarded.
func (f *Future) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return "", f.err
		}
		return f.html, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// resolve stores the result; only the first call has an effect.
func (f *Future) resolve(html string, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.html = html
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}
