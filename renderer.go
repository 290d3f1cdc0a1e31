package universal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/robbyt/go-supervisor/supervisor"

	"github.com/joetifa2003/universal/internal/finitestate"
)

var (
	_ supervisor.Runnable   = (*Renderer)(nil)
	_ supervisor.Reloadable = (*Renderer)(nil)
	_ supervisor.Stateable  = (*Renderer)(nil)
	_ supervisor.Readiness  = (*Renderer)(nil)
)

const (
	defaultRenderTimeout  = 30 * time.Second
	defaultReloadInterval = time.Second
	defaultQueueSize      = 64
)

// Renderer renders pages on a set of engines. Requests are queued, handed to
// the next free engine under a fresh uuid, and matched with the completion the
// engine reports for that uuid.
type Renderer struct {
	logger   Logger
	factory  EngineFactory
	provider AssetProvider

	engines        int
	renderTimeout  time.Duration
	reloadInterval time.Duration
	newID          func() (string, error)

	fsm   finitestate.Machine
	queue chan *Future

	// pending holds dispatched requests by uuid until their completion arrives.
	pending sync.Map

	mu        sync.Mutex
	accepting bool
	inflight  sync.WaitGroup

	reloadMu sync.Mutex
	current  *generation

	runCancel     context.CancelFunc
	runDone       chan struct{}
	stopRequested bool
}

// generation is one set of engines booted from the same assets, each with
// its own worker.
type generation struct {
	engines  []Engine
	template string
	loadedAt time.Time
	stop     chan struct{}
	wg       sync.WaitGroup
}

type rendererConfig struct {
	engines        int
	renderTimeout  time.Duration
	reloadInterval time.Duration
	queueSize      int
	logger         Logger
	newID          func() (string, error)
}

type RendererOption func(config *rendererConfig) error

// WithEngines sets how many engines render in parallel. Default: 1.
func WithEngines(n int) RendererOption {
	return func(config *rendererConfig) error {
		if n < 1 {
			return fmt.Errorf("%w, got %d", ErrNoEngines, n)
		}
		config.engines = n
		return nil
	}
}

// WithRenderTimeout bounds how long an engine may take to report a render.
// Default: 30s.
func WithRenderTimeout(d time.Duration) RendererOption {
	return func(config *rendererConfig) error {
		if d <= 0 {
			return fmt.Errorf("render timeout must be positive, got %s", d)
		}
		config.renderTimeout = d
		return nil
	}
}

// WithReloadInterval sets how often assets are checked for changes when the
// provider supports live reload. Default: 1s.
func WithReloadInterval(d time.Duration) RendererOption {
	return func(config *rendererConfig) error {
		if d <= 0 {
			return fmt.Errorf("reload interval must be positive, got %s", d)
		}
		config.reloadInterval = d
		return nil
	}
}

// WithQueueSize sets how many requests may wait for an engine. Default: 64.
func WithQueueSize(n int) RendererOption {
	return func(config *rendererConfig) error {
		if n < 0 {
			return fmt.Errorf("queue size must not be negative, got %d", n)
		}
		config.queueSize = n
		return nil
	}
}

func WithLogger(logger Logger) RendererOption {
	return func(config *rendererConfig) error {
		config.logger = logger
		return nil
	}
}

// WithIDGenerator replaces the uuid v4 request identifiers.
func WithIDGenerator(newID func() (string, error)) RendererOption {
	return func(config *rendererConfig) error {
		config.newID = newID
		return nil
	}
}

func newUUID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// New creates a renderer. Engines are booted by Run.
func New(factory EngineFactory, provider AssetProvider, options ...RendererOption) (*Renderer, error) {
	config := &rendererConfig{
		engines:        1,
		renderTimeout:  defaultRenderTimeout,
		reloadInterval: defaultReloadInterval,
		queueSize:      defaultQueueSize,
		newID:          newUUID,
	}

	for _, option := range options {
		if err := option(config); err != nil {
			return nil, err
		}
	}

	if config.logger == nil {
		config.logger = discardLogger()
	}

	r := &Renderer{
		logger:         config.logger,
		factory:        factory,
		provider:       provider,
		engines:        config.engines,
		renderTimeout:  config.renderTimeout,
		reloadInterval: config.reloadInterval,
		newID:          config.newID,
		queue:          make(chan *Future, config.queueSize),
	}

	fsm, err := finitestate.New(loggerHandler(config.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create state machine: %w", err)
	}
	r.fsm = fsm

	return r, nil
}

// loggerHandler reuses the handler of a *slog.Logger for the state machine.
func loggerHandler(logger Logger) slog.Handler {
	if l, ok := logger.(*slog.Logger); ok {
		return l.Handler().WithGroup("fsm")
	}
	return slog.DiscardHandler
}

func (r *Renderer) String() string {
	return "universal.Renderer"
}

// Run boots the engines and serves render requests until ctx is canceled or
// Stop is called. Queued requests are rendered before the engines are closed.
func (r *Renderer) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)

	r.mu.Lock()
	r.runCancel = cancel
	r.runDone = done
	if r.stopRequested {
		cancel()
	}
	r.mu.Unlock()

	if err := r.fsm.Transition(finitestate.StatusBooting); err != nil {
		return fmt.Errorf("failed to transition to booting state: %w", err)
	}

	gen, err := r.boot(runCtx)
	if err != nil {
		if stateErr := r.fsm.Transition(finitestate.StatusError); stateErr != nil {
			r.logger.LogAttrs(ctx, slog.LevelError, "failed to transition to error state", slog.String("error", stateErr.Error()))
		}
		if runCtx.Err() != nil {
			// stopped while booting
			if stateErr := r.fsm.Transition(finitestate.StatusStopped); stateErr != nil {
				r.logger.LogAttrs(ctx, slog.LevelError, "failed to transition to stopped state", slog.String("error", stateErr.Error()))
			}
			return nil
		}
		return fmt.Errorf("failed to start engines: %w", err)
	}

	r.reloadMu.Lock()
	r.current = gen
	r.reloadMu.Unlock()

	r.mu.Lock()
	r.accepting = !r.stopRequested
	r.mu.Unlock()

	if err := r.fsm.Transition(finitestate.StatusRunning); err != nil {
		return fmt.Errorf("failed to transition to running state: %w", err)
	}

	if r.provider.LiveReloadSupported() {
		go r.watchAssets(runCtx, gen.loadedAt)
	}

	<-runCtx.Done()

	r.logger.LogAttrs(ctx, slog.LevelInfo, "renderer shutting down")

	// a reload in progress finishes first, leaving the machine in Running
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	r.mu.Lock()
	r.accepting = false
	r.mu.Unlock()

	if err := r.fsm.Transition(finitestate.StatusStopping); err != nil {
		return fmt.Errorf("failed to transition to stopping state: %w", err)
	}

	// queued requests still hold the engines
	r.inflight.Wait()

	r.stopGeneration(r.current)
	r.current = nil

	if err := r.fsm.Transition(finitestate.StatusStopped); err != nil {
		return fmt.Errorf("failed to transition to stopped state: %w", err)
	}
	return nil
}

// Stop stops accepting requests and blocks until Run has rendered the queued
// requests and closed the engines.
func (r *Renderer) Stop() {
	r.mu.Lock()
	r.stopRequested = true
	r.accepting = false
	cancel := r.runCancel
	done := r.runDone
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Reload boots new engines from freshly loaded assets and retires the old
// ones. Requests already dispatched finish on the engines they started on.
// On failure the old engines keep serving and the error is returned.
func (r *Renderer) Reload(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	r.mu.Lock()
	accepting := r.accepting
	r.mu.Unlock()
	if !accepting || r.current == nil {
		return ErrRendererNotRunning
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := r.fsm.TransitionIfCurrentState(finitestate.StatusRunning, finitestate.StatusReloading); err != nil {
		return fmt.Errorf("failed to transition to reloading state: %w", err)
	}

	gen, err := r.boot(ctx)
	if err == nil {
		old := r.current
		r.current = gen
		r.stopGeneration(old)
		r.logger.LogAttrs(ctx, slog.LevelInfo, "renderer reloaded", slog.Int("engines", len(gen.engines)))
	}

	if stateErr := r.fsm.Transition(finitestate.StatusRunning); stateErr != nil {
		return errors.Join(err, fmt.Errorf("failed to transition to running state: %w", stateErr))
	}

	if err != nil {
		return fmt.Errorf("failed to reload engines: %w", err)
	}
	return nil
}

func (r *Renderer) GetState() string {
	return r.fsm.GetState()
}

func (r *Renderer) GetStateChan(ctx context.Context) <-chan string {
	return r.fsm.GetStateChan(ctx)
}

func (r *Renderer) IsRunning() bool {
	return r.fsm.GetState() == finitestate.StatusRunning
}

// IsReady reports whether the first engines have booted.
func (r *Renderer) IsReady() bool {
	switch r.fsm.GetState() {
	case finitestate.StatusRunning, finitestate.StatusReloading:
		return true
	default:
		return false
	}
}

// boot loads the assets and starts one worker per engine.
func (r *Renderer) boot(ctx context.Context) (*generation, error) {
	assets, err := r.provider.Load()
	if err != nil {
		return nil, err
	}

	gen := &generation{
		template: assets.Template,
		loadedAt: time.Now(),
		stop:     make(chan struct{}),
	}

	for i := 0; i < r.engines; i++ {
		if err := ctx.Err(); err != nil {
			closeEngines(gen.engines)
			return nil, err
		}

		t1 := time.Now()
		engine, err := r.factory(assets, r.complete)
		if err != nil {
			closeEngines(gen.engines)
			return nil, fmt.Errorf("failed to start engine %d: %w", i, err)
		}
		gen.engines = append(gen.engines, engine)

		r.logger.LogAttrs(
			ctx, slog.LevelInfo,
			"render engine started",
			slog.String("engine", engine.Name()),
			slog.Int("index", i),
			slog.String("dur", time.Since(t1).String()),
		)
	}

	for _, engine := range gen.engines {
		gen.wg.Add(1)
		go func() {
			defer gen.wg.Done()
			r.work(gen, engine)
		}()
	}

	return gen, nil
}

// stopGeneration waits for the workers to finish their current request and
// closes the engines.
func (r *Renderer) stopGeneration(gen *generation) {
	if gen == nil {
		return
	}
	close(gen.stop)
	gen.wg.Wait()
	closeEngines(gen.engines)
}

func closeEngines(engines []Engine) {
	for _, engine := range engines {
		_ = engine.Close()
	}
}

// watchAssets reloads when the assets changed after the last reload attempt.
// A failed attempt is not retried until the assets change again.
func (r *Renderer) watchAssets(ctx context.Context, since time.Time) {
	ticker := time.NewTicker(r.reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.reloadMu.Lock()
		if r.current != nil && r.current.loadedAt.After(since) {
			since = r.current.loadedAt
		}
		r.reloadMu.Unlock()

		required, err := r.provider.LiveReloadRequired(since)
		if err != nil {
			r.logger.LogAttrs(ctx, slog.LevelError, "failed to check assets", slog.String("error", err.Error()))
			continue
		}
		if !required {
			continue
		}

		r.logger.LogAttrs(ctx, slog.LevelInfo, "assets changed, reloading renderer")
		since = time.Now()
		if err := r.Reload(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.LogAttrs(
				ctx, slog.LevelError, "reload failed, keeping current engines until assets change",
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Renderer) work(gen *generation, engine Engine) {
	for {
		select {
		case <-gen.stop:
			return
		case f := <-r.queue:
			r.dispatch(gen, engine, f)
			r.inflight.Done()
		}
	}
}

// dispatch renders f on engine and waits for its completion or timeout.
func (r *Renderer) dispatch(gen *generation, engine Engine, f *Future) {
	if err := f.ctx.Err(); err != nil {
		f.resolve("", err)
		return
	}

	r.pending.Store(f.uuid, f)

	err := engine.Render(Request{
		UUID:     f.uuid,
		URI:      f.uri,
		Template: gen.template,
	})
	if err != nil {
		if _, ok := r.pending.LoadAndDelete(f.uuid); ok {
			f.resolve("", err)
		}
		return
	}

	timer := time.NewTimer(r.renderTimeout)
	defer timer.Stop()

	select {
	case <-f.done:
	case <-timer.C:
		if _, ok := r.pending.LoadAndDelete(f.uuid); ok {
			f.resolve("", fmt.Errorf("%w after %s", ErrRenderTimeout, r.renderTimeout))
		}
	}
}

// complete is the callback engines report to.
func (r *Renderer) complete(id, html string, err error) {
	v, ok := r.pending.LoadAndDelete(id)
	if !ok {
		r.logger.LogAttrs(
			context.Background(), slog.LevelWarn,
			"dropping completion of unknown render request",
			slog.String("uuid", id),
		)
		return
	}

	f := v.(*Future)
	f.resolve(html, err)
}

// Submit queues uri for rendering. It blocks while the queue is full.
func (r *Renderer) Submit(ctx context.Context, uri string) (*Future, error) {
	if uri == "" {
		return nil, ErrEmptyURI
	}

	r.mu.Lock()
	if !r.accepting {
		r.mu.Unlock()
		return nil, ErrRendererNotRunning
	}
	r.inflight.Add(1)
	r.mu.Unlock()

	id, err := r.newID()
	if err != nil {
		r.inflight.Done()
		return nil, fmt.Errorf("failed to generate request id: %w", err)
	}

	f := newFuture(ctx, id, uri)

	select {
	case r.queue <- f:
		return f, nil
	case <-ctx.Done():
		r.inflight.Done()
		return nil, ctx.Err()
	}
}

// Render renders uri and returns the page.
func (r *Renderer) Render(ctx context.Context, uri string) (string, error) {
	t1 := time.Now()

	f, err := r.Submit(ctx, uri)
	if err != nil {
		return "", err
	}

	html, err := f.Wait(ctx)
	if err != nil {
		var scriptErr *ScriptError
		level := slog.LevelWarn
		if errors.As(err, &scriptErr) {
			level = slog.LevelError
		}
		r.logger.LogAttrs(
			ctx, level, "render failed",
			slog.String("uri", uri),
			slog.String("uuid", f.UUID()),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	r.logger.LogAttrs(
		ctx, slog.LevelDebug, "rendered page",
		slog.String("uri", uri),
		slog.String("uuid", f.UUID()),
		slog.String("dur", time.Since(t1).String()),
	)
	return html, nil
}
