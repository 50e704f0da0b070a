/*
Copyright 2025 The ktransformers Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package iodealer serializes all disk-touching operations of the cache
// engine through one dedicated worker goroutine. Callers submit a request
// and block on its completion channel; the worker processes requests in
// submission order, so two operations on the same file region never tear.
package iodealer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/Sakura-Byte/ktransformers/pkg/kvc2/metrics"
	"github.com/Sakura-Byte/ktransformers/pkg/utils/logging"
)

// ErrStopped is returned for requests submitted after Stop. Nothing is ever
// silently dropped: a request either completes or fails fast.
var ErrStopped = errors.New("io dealer stopped")

type opKind int

const (
	opRead opKind = iota
	opWrite
	opFlush
	opClose
)

func (k opKind) String() string {
	switch k {
	case opRead:
		return "read"
	case opWrite:
		return "write"
	case opFlush:
		return "flush"
	case opClose:
		return "close"
	default:
		return "unknown"
	}
}

// request is one unit of work for the worker. done carries the outcome and
// is buffered so the worker never blocks on a caller that gave up waiting.
type request struct {
	kind   opKind
	path   string
	offset int64
	data   []byte
	done   chan error
}

// Dealer owns the authoritative timeline of all disk I/O. Start spawns the
// worker; Stop drains every pending request and joins the worker.
type Dealer struct {
	queue workqueue.TypedInterface[*request]
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	started bool
}

// New creates a Dealer. Start must be called before any submission.
func New() *Dealer {
	return &Dealer{
		queue: workqueue.NewTyped[*request](),
	}
}

// Start spawns the worker goroutine. It is non-blocking.
func (d *Dealer) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	klog.FromContext(ctx).V(logging.DEBUG).Info("starting io dealer")
	d.wg.Add(1)
	go d.worker(ctx)
}

// Stop drains all pending requests, terminates the worker and waits for it.
// Submissions arriving after Stop fail with ErrStopped.
func (d *Dealer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	// ShutDown lets the worker finish everything already queued before
	// Get reports shutdown.
	d.queue.ShutDown()
	d.wg.Wait()
}

// submit enqueues the request and blocks until the worker completes it.
// The stopped check and Add share d.mu so that no request can slip into the
// queue after ShutDown, where it would be dropped without completion.
func (d *Dealer) submit(ctx context.Context, r *request) error {
	d.mu.RLock()
	if d.stopped || !d.started {
		d.mu.RUnlock()
		if !d.started {
			return fmt.Errorf("%s %s: io dealer not started", r.kind, r.path)
		}
		return fmt.Errorf("%s %s: %w", r.kind, r.path, ErrStopped)
	}
	d.queue.Add(r)
	d.mu.RUnlock()

	metrics.IOOps.WithLabelValues(r.kind.String()).Inc()

	// There is no cancellation of in-flight I/O; on context expiry the
	// request still runs to completion, the caller just stops waiting.
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadAt fills buf from the file at the given offset.
func (d *Dealer) ReadAt(ctx context.Context, path string, offset int64, buf []byte) error {
	return d.submit(ctx, &request{
		kind:   opRead,
		path:   path,
		offset: offset,
		data:   buf,
		done:   make(chan error, 1),
	})
}

// WriteAt writes data to the file at the given offset, creating the file if
// needed.
func (d *Dealer) WriteAt(ctx context.Context, path string, offset int64, data []byte) error {
	return d.submit(ctx, &request{
		kind:   opWrite,
		path:   path,
		offset: offset,
		data:   data,
		done:   make(chan error, 1),
	})
}

// Flush fsyncs the file. A completed Flush means every prior write to the
// file is durable.
func (d *Dealer) Flush(ctx context.Context, path string) error {
	return d.submit(ctx, &request{
		kind: opFlush,
		path: path,
		done: make(chan error, 1),
	})
}

// Close drops the worker's cached handle for the file. Needed before and
// after a rename so that later requests reopen the path instead of writing
// through a handle to the old inode.
func (d *Dealer) Close(ctx context.Context, path string) error {
	return d.submit(ctx, &request{
		kind: opClose,
		path: path,
		done: make(chan error, 1),
	})
}

// worker is the single goroutine touching the disk. It owns the open file
// table, so no locking is needed around it.
func (d *Dealer) worker(ctx context.Context) {
	defer d.wg.Done()
	logger := klog.FromContext(ctx).WithName("iodealer")

	files := make(map[string]*os.File)
	defer func() {
		for path, f := range files {
			if err := f.Close(); err != nil {
				logger.Error(err, "failed to close file", "path", path)
			}
		}
	}()

	for {
		r, shutdown := d.queue.Get()
		if shutdown {
			return
		}

		err := d.process(files, r)
		if err != nil {
			logger.Error(err, "io request failed", "op", r.kind.String(), "path", r.path, "offset", r.offset)
		}
		d.queue.Done(r)
		r.done <- err
	}
}

func (d *Dealer) process(files map[string]*os.File, r *request) error {
	if r.kind == opClose {
		f, ok := files[r.path]
		if !ok {
			return nil
		}
		delete(files, r.path)
		if err := f.Close(); err != nil {
			return fmt.Errorf("close %s: %w", r.path, err)
		}
		return nil
	}

	f, ok := files[r.path]
	if !ok {
		var err error
		f, err = os.OpenFile(r.path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", r.path, err)
		}
		files[r.path] = f
	}

	switch r.kind {
	case opRead:
		if _, err := f.ReadAt(r.data, r.offset); err != nil {
			return fmt.Errorf("read %s at %d: %w", r.path, r.offset, err)
		}
	case opWrite:
		if _, err := f.WriteAt(r.data, r.offset); err != nil {
			return fmt.Errorf("write %s at %d: %w", r.path, r.offset, err)
		}
	case opFlush:
		if err := f.Sync(); err != nil {
			return fmt.Errorf("flush %s: %w", r.path, err)
		}
	}
	return nil
}
