package services

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// worker runs a ticker loop plus on-demand jobs under one cancellable context.
// stop cancels the context and waits for every goroutine it started; jobs
// requested after stop are refused.
type worker struct {
	clock    clock.Clock
	interval time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// start launches the ticker loop, calling tick on every interval. It returns
// false when already running.
func (w *worker) start(parent context.Context, tick func(ctx context.Context)) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return false
	}
	w.ctx, w.cancel = context.WithCancel(parent)
	w.running = true

	ctx := w.ctx
	ticker := w.clock.Ticker(w.interval)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	return true
}

// spawn runs job on its own goroutine unless the worker is stopped.
func (w *worker) spawn(job func(ctx context.Context)) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return false
	}
	ctx := w.ctx
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		job(ctx)
	}()
	return true
}

// stop cancels outstanding work and waits for it. Safe to call repeatedly.
func (w *worker) stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
}
