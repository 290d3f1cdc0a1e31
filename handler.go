package universal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/joetifa2003/universal/internal/pool"
)

// PageRenderer renders a uri to a complete html page.
type PageRenderer interface {
	Render(ctx context.Context, uri string) (string, error)
}

// Handler serves server-side rendered pages for a set of routes.
type Handler struct {
	renderer PageRenderer
	routes   []string
	charset  Charset
	logger   Logger
}

type handlerConfig struct {
	routes  []string
	charset Charset
	logger  Logger
}

type HandlerOption func(config *handlerConfig) error

// WithRoutes limits rendering to the given paths. A route ending in "/*"
// matches every path below it. Without routes every path is rendered.
func WithRoutes(routes ...string) HandlerOption {
	return func(config *handlerConfig) error {
		config.routes = append(config.routes, routes...)
		return nil
	}
}

// WithCharset sets the encoding of the response body. Default: UTF-8.
func WithCharset(label string) HandlerOption {
	return func(config *handlerConfig) error {
		cs, err := LookupCharset(label)
		if err != nil {
			return err
		}
		config.charset = cs
		return nil
	}
}

func WithHandlerLogger(logger Logger) HandlerOption {
	return func(config *handlerConfig) error {
		config.logger = logger
		return nil
	}
}

func NewHandler(renderer PageRenderer, options ...HandlerOption) (*Handler, error) {
	config := &handlerConfig{charset: DefaultCharset}

	for _, option := range options {
		if err := option(config); err != nil {
			return nil, err
		}
	}

	if config.logger == nil {
		config.logger = discardLogger()
	}

	return &Handler{
		renderer: renderer,
		routes:   config.routes,
		charset:  config.charset,
		logger:   config.logger,
	}, nil
}

// CanHandle reports whether path is one of the rendered routes.
func (h *Handler) CanHandle(path string) bool {
	if len(h.routes) == 0 {
		return true
	}

	for _, route := range h.routes {
		if prefix, ok := strings.CutSuffix(route, "/*"); ok {
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				return true
			}
			continue
		}
		if path == route {
			return true
		}
	}
	return false
}

var bufferPool = pool.NewBufferPool()

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uri := r.URL.RequestURI()

	html, err := h.renderer.Render(r.Context(), uri)
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			h.logger.LogAttrs(
				r.Context(), slog.LevelDebug, "client went away before the page was rendered",
				slog.String("uri", uri),
			)
			return
		}

		status := renderErrorStatus(err)
		h.logger.LogAttrs(
			r.Context(), slog.LevelError, "failed to render page",
			slog.String("uri", uri),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		http.Error(w, http.StatusText(status), status)
		return
	}

	buf := bufferPool.Get()
	defer bufferPool.Put(buf)

	enc := h.charset.NewHTMLWriter(buf)
	_, err = io.WriteString(enc, html)
	if err == nil {
		err = enc.Close()
	}
	if err != nil {
		h.logger.LogAttrs(
			r.Context(), slog.LevelError, "failed to encode page",
			slog.String("uri", uri),
			slog.String("charset", h.charset.Name()),
			slog.String("error", err.Error()),
		)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset="+h.charset.Name())
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	_, _ = buf.WriteTo(w)
}

func renderErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrRendererNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrRenderTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Middleware renders the configured routes and passes every other request,
// such as static assets or api calls, to next.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if (r.Method == http.MethodGet || r.Method == http.MethodHead) && h.CanHandle(r.URL.Path) {
			h.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
