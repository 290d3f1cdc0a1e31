package universal_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/robbyt/go-supervisor/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	universal "github.com/joetifa2003/universal"
	"github.com/joetifa2003/universal/internal/finitestate"
)

func testProvider(t *testing.T) universal.AssetProvider {
	t.Helper()

	provider, err := universal.NewFSProvider(fstest.MapFS{
		"public/index.html": {Data: []byte(`<html><body><app-root></app-root></body></html>`)},
		"server.bundle.js":  {Data: []byte(`// bundle`)},
	}, "public/index.html", "server.bundle.js")
	require.NoError(t, err)
	return provider
}

// echoEngine renders "<uri>|<template>" synchronously from within RenderPage.
func echoEngine() universal.EngineFactory {
	return universal.NewAdapterEngine("echo", func(callback universal.RenderCallback) (universal.RenderAdapter, error) {
		return universal.FuncAdapter(func(uuid, uri, template string) error {
			callback(uuid, uri+"|"+template, nil)
			return nil
		}), nil
	})
}

func startRenderer(t *testing.T, r *universal.Renderer) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Run(ctx)
	}()

	require.Eventually(t, r.IsRunning, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("renderer did not stop")
		}
	})
}

// replaceFile swaps in new content with a current modification time in one
// step, so a watcher never sees a half written file.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()

	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	now := time.Now()
	require.NoError(t, os.Chtimes(tmp, now, now))
	require.NoError(t, os.Rename(tmp, path))
}

func TestNew_Options(t *testing.T) {
	tests := []struct {
		name    string
		options []universal.RendererOption
		wantErr error
	}{
		{name: "defaults"},
		{name: "zero engines", options: []universal.RendererOption{universal.WithEngines(0)}, wantErr: universal.ErrNoEngines},
		{name: "negative timeout", options: []universal.RendererOption{universal.WithRenderTimeout(-time.Second)}},
		{name: "zero reload interval", options: []universal.RendererOption{universal.WithReloadInterval(0)}},
		{name: "negative queue", options: []universal.RendererOption{universal.WithQueueSize(-1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := universal.New(echoEngine(), testProvider(t), tt.options...)
			if tt.name == "defaults" {
				require.NoError(t, err)
				assert.Equal(t, finitestate.StatusNew, r.GetState())
				assert.Equal(t, "universal.Renderer", r.String())
				return
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRenderer_Render(t *testing.T) {
	r, err := universal.New(echoEngine(), testProvider(t))
	require.NoError(t, err)
	startRenderer(t, r)

	html, err := r.Render(context.Background(), "/home")
	require.NoError(t, err)
	assert.Equal(t, "/home|<html><body><app-root></app-root></body></html>", html)
}

func TestRenderer_RenderError(t *testing.T) {
	renderErr := &universal.ScriptError{Message: "render failed"}

	factory := universal.NewAdapterEngine("failing", func(callback universal.RenderCallback) (universal.RenderAdapter, error) {
		return universal.FuncAdapter(func(uuid, uri, template string) error {
			callback(uuid, "", renderErr)
			return nil
		}), nil
	})

	r, err := universal.New(factory, testProvider(t))
	require.NoError(t, err)
	startRenderer(t, r)

	_, err = r.Render(context.Background(), "/broken")
	require.Error(t, err)

	var scriptErr *universal.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Same(t, renderErr, scriptErr)
}

func TestRenderer_DispatchError(t *testing.T) {
	dispatchErr := errors.New("adapter rejected request")

	factory := universal.NewAdapterEngine("rejecting", func(callback universal.RenderCallback) (universal.RenderAdapter, error) {
		return universal.FuncAdapter(func(uuid, uri, template string) error {
			return dispatchErr
		}), nil
	})

	r, err := universal.New(factory, testProvider(t))
	require.NoError(t, err)
	startRenderer(t, r)

	_, err = r.Render(context.Background(), "/")
	assert.ErrorIs(t, err, dispatchErr)
}

func TestRenderer_Timeout(t *testing.T) {
	var late universal.RenderCallback
	var lateUUID atomic.Value

	factory := universal.NewAdapterEngine("silent", func(callback universal.RenderCallback) (universal.RenderAdapter, error) {
		late = callback
		return universal.FuncAdapter(func(uuid, uri, template string) error {
			lateUUID.Store(uuid)
			return nil
		}), nil
	})

	r, err := universal.New(factory, testProvider(t), universal.WithRenderTimeout(50*time.Millisecond))
	require.NoError(t, err)
	startRenderer(t, r)

	_, err = r.Render(context.Background(), "/slow")
	assert.ErrorIs(t, err, universal.ErrRenderTimeout)

	// a completion arriving after the timeout is dropped
	assert.NotPanics(t, func() {
		late(lateUUID.Load().(string), "<html></html>", nil)
	})
}

func TestRenderer_UnknownCompletionIsDropped(t *testing.T) {
	var captured universal.RenderCallback

	factory := universal.NewAdapterEngine("echo", func(callback universal.RenderCallback) (universal.RenderAdapter, error) {
		captured = callback
		return universal.FuncAdapter(func(uuid, uri, template string) error {
			callback(uuid, uri, nil)
			return nil
		}), nil
	})

	r, err := universal.New(factory, testProvider(t))
	require.NoError(t, err)
	startRenderer(t, r)

	assert.NotPanics(t, func() {
		captured("not-a-request", "<html></html>", nil)
	})

	html, err := r.Render(context.Background(), "/after")
	require.NoError(t, err)
	assert.Equal(t, "/after", html)
}

func TestRenderer_DuplicateCompletion(t *testing.T) {
	factory := universal.NewAdapterEngine("twice", func(callback universal.RenderCallback) (universal.RenderAdapter, error) {
		return universal.FuncAdapter(func(uuid, uri, template string) error {
			callback(uuid, "first", nil)
			callback(uuid, "second", nil)
			return nil
		}), nil
	})

	r, err := universal.New(factory, testProvider(t))
	require.NoError(t, err)
	startRenderer(t, r)

	html, err := r.Render(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, "first", html)
}

func TestRenderer_AsyncEngines(t *testing.T) {
	factory := universal.NewAdapterEngine("async", func(callback universal.RenderCallback) (universal.RenderAdapter, error) {
		return universal.FuncAdapter(func(uuid, uri, template string) error {
			go func() {
				time.Sleep(time.Millisecond)
				callback(uuid, "<p>"+uri+"</p>", nil)
			}()
			return nil
		}), nil
	})

	r, err := universal.New(factory, testProvider(t), universal.WithEngines(4))
	require.NoError(t, err)
	startRenderer(t, r)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			uri := fmt.Sprintf("/page/%d", i)
			html, err := r.Render(context.Background(), uri)
			assert.NoError(t, err)
			assert.Equal(t, "<p>"+uri+"</p>", html)
		}()
	}
	wg.Wait()
}

func TestRenderer_UniqueIDs(t *testing.T) {
	r, err := universal.New(echoEngine(), testProvider(t))
	require.NoError(t, err)
	startRenderer(t, r)

	seen := map[string]bool{}
	for range 20 {
		f, err := r.Submit(context.Background(), "/")
		require.NoError(t, err)
		assert.False(t, seen[f.UUID()], "duplicate uuid %s", f.UUID())
		seen[f.UUID()] = true

		_, err = f.Wait(context.Background())
		require.NoError(t, err)
	}
}

func TestRenderer_SubmitErrors(t *testing.T) {
	r, err := universal.New(echoEngine(), testProvider(t))
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), "/")
	assert.ErrorIs(t, err, universal.ErrRendererNotRunning)

	startRenderer(t, r)

	_, err = r.Submit(context.Background(), "")
	assert.ErrorIs(t, err, universal.ErrEmptyURI)
}

func TestRenderer_CanceledBeforeDispatch(t *testing.T) {
	r, err := universal.New(echoEngine(), testProvider(t))
	require.NoError(t, err)
	startRenderer(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = r.Render(ctx, "/")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRenderer_EngineBootFailure(t *testing.T) {
	bootErr := errors.New("bundle did not load")
	factory := func(universal.Assets, universal.RenderCallback) (universal.Engine, error) {
		return nil, bootErr
	}

	r, err := universal.New(factory, testProvider(t))
	require.NoError(t, err)

	err = r.Run(context.Background())
	assert.ErrorIs(t, err, bootErr)
	assert.Equal(t, finitestate.StatusError, r.GetState())
}

func TestRenderer_StopDrainsQueue(t *testing.T) {
	release := make(chan struct{})

	factory := universal.NewAdapterEngine("gated", func(callback universal.RenderCallback) (universal.RenderAdapter, error) {
		return universal.FuncAdapter(func(uuid, uri, template string) error {
			go func() {
				<-release
				callback(uuid, uri, nil)
			}()
			return nil
		}), nil
	})

	r, err := universal.New(factory, testProvider(t))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Run(context.Background())
	}()
	require.Eventually(t, r.IsRunning, time.Second, 5*time.Millisecond)

	var futures []*universal.Future
	for i := range 3 {
		f, err := r.Submit(context.Background(), fmt.Sprintf("/%d", i))
		require.NoError(t, err)
		futures = append(futures, f)
	}

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		return r.GetState() == finitestate.StatusStopping
	}, time.Second, 5*time.Millisecond)

	_, err = r.Submit(context.Background(), "/late")
	assert.ErrorIs(t, err, universal.ErrRendererNotRunning)

	// Stop waits for the queued renders
	select {
	case <-stopped:
		t.Fatal("Stop returned before the queue drained")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("renderer did not stop")
	}
	<-stopped

	for i, f := range futures {
		html, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("/%d", i), html)
	}
	assert.Equal(t, finitestate.StatusStopped, r.GetState())
}

func TestRenderer_LiveReload(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "index.html")
	bundlePath := filepath.Join(dir, "server.bundle.js")
	require.NoError(t, os.WriteFile(indexPath, []byte("v1"), 0o644))
	require.NoError(t, os.WriteFile(bundlePath, []byte("// v1"), 0o644))

	provider, err := universal.NewFileProvider(indexPath, bundlePath)
	require.NoError(t, err)

	var boots atomic.Int32
	factory := func(assets universal.Assets, callback universal.RenderCallback) (universal.Engine, error) {
		boots.Add(1)
		return universal.NewAdapterEngine("file", func(callback universal.RenderCallback) (universal.RenderAdapter, error) {
			return universal.FuncAdapter(func(uuid, uri, template string) error {
				callback(uuid, template, nil)
				return nil
			}), nil
		})(assets, callback)
	}

	r, err := universal.New(factory, provider, universal.WithReloadInterval(10*time.Millisecond))
	require.NoError(t, err)
	startRenderer(t, r)

	html, err := r.Render(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, "v1", html)

	time.Sleep(20 * time.Millisecond)
	replaceFile(t, indexPath, "v2")

	require.Eventually(t, func() bool {
		return boots.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, r.IsRunning, time.Second, 5*time.Millisecond)
	html, err = r.Render(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, "v2", html)
}

func TestRenderer_ReloadFailureKeepsEngines(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "index.html")
	bundlePath := filepath.Join(dir, "server.bundle.js")
	require.NoError(t, os.WriteFile(indexPath, []byte("v1"), 0o644))
	require.NoError(t, os.WriteFile(bundlePath, []byte("// v1"), 0o644))

	provider, err := universal.NewFileProvider(indexPath, bundlePath)
	require.NoError(t, err)

	r, err := universal.New(echoEngine(), provider)
	require.NoError(t, err)
	startRenderer(t, r)

	require.NoError(t, os.Remove(bundlePath))
	err = r.Reload(context.Background())
	assert.ErrorContains(t, err, "failed to reload engines")
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.True(t, r.IsRunning())
	html, err := r.Render(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, "/|v1", html)
}

func TestRenderer_ReloadBeforeRun(t *testing.T) {
	r, err := universal.New(echoEngine(), testProvider(t))
	require.NoError(t, err)

	assert.ErrorIs(t, r.Reload(context.Background()), universal.ErrRendererNotRunning)
	assert.Equal(t, finitestate.StatusNew, r.GetState())
}

func TestRenderer_ReloadCanceled(t *testing.T) {
	r, err := universal.New(echoEngine(), testProvider(t))
	require.NoError(t, err)
	startRenderer(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, r.Reload(ctx), context.Canceled)
	assert.True(t, r.IsRunning())
}

// gatedFactory boots the first generation immediately and blocks every later
// boot until release is closed.
func gatedFactory(boots *atomic.Int32, booting chan<- struct{}, release <-chan struct{}) universal.EngineFactory {
	echo := echoEngine()
	return func(assets universal.Assets, callback universal.RenderCallback) (universal.Engine, error) {
		if boots.Add(1) > 1 {
			booting <- struct{}{}
			<-release
		}
		return echo(assets, callback)
	}
}

func TestRenderer_ShutdownDuringReload(t *testing.T) {
	var boots atomic.Int32
	booting := make(chan struct{}, 1)
	release := make(chan struct{})

	r, err := universal.New(gatedFactory(&boots, booting, release), testProvider(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()
	require.Eventually(t, r.IsRunning, time.Second, 5*time.Millisecond)

	reloadErr := make(chan error, 1)
	go func() { reloadErr <- r.Reload(context.Background()) }()

	<-booting
	assert.Equal(t, finitestate.StatusReloading, r.GetState())

	cancel()
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("renderer did not stop")
	}
	require.NoError(t, <-reloadErr)
	assert.Equal(t, finitestate.StatusStopped, r.GetState())
	assert.False(t, r.IsRunning())

	assert.ErrorIs(t, r.Reload(context.Background()), universal.ErrRendererNotRunning)
}

func TestRenderer_StopDuringReload(t *testing.T) {
	var boots atomic.Int32
	booting := make(chan struct{}, 1)
	release := make(chan struct{})

	r, err := universal.New(gatedFactory(&boots, booting, release), testProvider(t))
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(context.Background()) }()
	require.Eventually(t, r.IsRunning, time.Second, 5*time.Millisecond)

	go func() { _ = r.Reload(context.Background()) }()
	<-booting

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	require.NoError(t, <-runErr)
	assert.Equal(t, finitestate.StatusStopped, r.GetState())
}

func TestRenderer_StopBeforeRun(t *testing.T) {
	r, err := universal.New(echoEngine(), testProvider(t))
	require.NoError(t, err)

	r.Stop()

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, finitestate.StatusStopped, r.GetState())
}

func TestRenderer_StateChan(t *testing.T) {
	r, err := universal.New(echoEngine(), testProvider(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states := r.GetStateChan(ctx)

	runCtx, stop := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(runCtx) }()

	var got []string
	for len(got) < 3 {
		select {
		case state := <-states:
			got = append(got, state)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for state, got %v", got)
		}
	}
	assert.Equal(t, []string{finitestate.StatusNew, finitestate.StatusBooting, finitestate.StatusRunning}, got)

	stop()
	for len(got) < 5 {
		select {
		case state := <-states:
			got = append(got, state)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for state, got %v", got)
		}
	}
	assert.Equal(t, []string{finitestate.StatusStopping, finitestate.StatusStopped}, got[3:])
	require.NoError(t, <-runErr)
}

func TestRenderer_Supervised(t *testing.T) {
	var boots atomic.Int32
	factory := func(assets universal.Assets, callback universal.RenderCallback) (universal.Engine, error) {
		boots.Add(1)
		return echoEngine()(assets, callback)
	}

	r, err := universal.New(factory, testProvider(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	super, err := supervisor.New(
		supervisor.WithContext(ctx),
		supervisor.WithLogHandler(slog.DiscardHandler),
		supervisor.WithRunnables(r),
	)
	require.NoError(t, err)

	superErr := make(chan error, 1)
	go func() { superErr <- super.Run() }()

	require.Eventually(t, r.IsReady, 2*time.Second, 5*time.Millisecond)
	html, err := r.Render(context.Background(), "/home")
	require.NoError(t, err)
	assert.Equal(t, "/home|<html><body><app-root></app-root></body></html>", html)

	super.ReloadAll()
	require.Eventually(t, func() bool {
		return boots.Load() == 2 && r.IsRunning()
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-superErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, finitestate.StatusStopped, r.GetState())
}

func TestRenderer_LiveReloadFailureWaitsForChange(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "index.html")
	bundlePath := filepath.Join(dir, "server.bundle.js")
	require.NoError(t, os.WriteFile(indexPath, []byte("v1"), 0o644))
	require.NoError(t, os.WriteFile(bundlePath, []byte("// v1"), 0o644))

	provider, err := universal.NewFileProvider(indexPath, bundlePath)
	require.NoError(t, err)

	var boots atomic.Int32
	var broken atomic.Bool
	bootErr := errors.New("bundle threw during evaluation")
	factory := func(assets universal.Assets, callback universal.RenderCallback) (universal.Engine, error) {
		boots.Add(1)
		if broken.Load() {
			return nil, bootErr
		}
		return echoEngine()(assets, callback)
	}

	r, err := universal.New(factory, provider, universal.WithReloadInterval(10*time.Millisecond))
	require.NoError(t, err)
	startRenderer(t, r)

	broken.Store(true)
	time.Sleep(20 * time.Millisecond)
	replaceFile(t, bundlePath, "// v2 broken")

	require.Eventually(t, func() bool {
		return boots.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)

	// unchanged assets are not booted again
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), boots.Load())
	assert.True(t, r.IsRunning())

	broken.Store(false)
	time.Sleep(20 * time.Millisecond)
	replaceFile(t, indexPath, "v3")

	require.Eventually(t, func() bool {
		return boots.Load() == 3 && r.IsRunning()
	}, 2*time.Second, 5*time.Millisecond)

	html, err := r.Render(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, "/|v3", html)
}
