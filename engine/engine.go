// Package engine orchestrates sync passes between the local entity
// store and a remote record zone: push pending changes, resolve
// conflicts, pull remote deltas, deduplicate and advance the cursor.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zonekit/zonekit/changelog"
	"github.com/zonekit/zonekit/conflict"
	"github.com/zonekit/zonekit/cursor"
	"github.com/zonekit/zonekit/dedupe"
	syncErrors "github.com/zonekit/zonekit/errors"
	"github.com/zonekit/zonekit/localstore"
	"github.com/zonekit/zonekit/logging"
	"github.com/zonekit/zonekit/mapper"
	"github.com/zonekit/zonekit/transport"
)

// ZoneState persists whether the remote zone has been provisioned, so
// provisioning is attempted once and re-attempted only after the zone
// is deleted.
type ZoneState interface {
	Provisioned(ctx context.Context) (bool, error)
	SetProvisioned(ctx context.Context, provisioned bool) error
}

// Result describes one completed sync pass.
type Result struct {
	// PassID correlates log lines belonging to one pass
	PassID string

	// State is the terminal state: StateIdle or StateFailed
	State State

	// Pushed is the number of changes accepted by the remote
	Pushed int

	// Pulled is the number of records fetched and applied
	Pulled int

	// Deleted is the number of remote deletions applied locally
	Deleted int

	// ConflictsResolved is the number of per-record conflicts resolved
	ConflictsResolved int

	// Deduplicated is the number of duplicate entities removed
	Deduplicated int

	// Skipped is the number of records dropped for mapping failures
	Skipped int

	// StartTime is when the pass began
	StartTime time.Time

	// Duration is how long the pass took
	Duration time.Duration

	// Err is the failure that terminated the pass, if any
	Err error
}

type requestKind int

const (
	requestSync requestKind = iota
	requestDeleteZone
)

type request struct {
	kind  requestKind
	reply chan *Result
	errc  chan error
}

// Engine is the sole entry point for synchronization. One worker
// goroutine executes requests sequentially: at most one pass is ever
// in flight, and a request arriving mid-pass is queued behind it.
type Engine struct {
	store    localstore.Store
	log      changelog.Log
	remote   transport.Remote
	cursors  cursor.Store
	zone     ZoneState
	mapper   *mapper.Mapper
	resolver *conflict.Resolver
	dedup    *dedupe.Deduplicator
	opts     Options
	logger   *logging.Logger

	requests chan request
	quit     chan struct{}
	done     chan struct{}

	mu          sync.Mutex
	state       State
	subscribers []func(*Result)
	closed      bool
}

// New creates an engine and starts its worker. Configuration errors
// (missing schema, Custom policy without a resolver) are surfaced
// here, before any pass can start.
func New(store localstore.Store, log changelog.Log, remote transport.Remote, cursors cursor.Store, zone ZoneState, opts Options) (*Engine, error) {
	if store == nil || log == nil || remote == nil || cursors == nil || zone == nil {
		return nil, syncErrors.NewConfigurationError(syncErrors.OpProvision,
			fmt.Errorf("engine requires store, change log, remote, cursor store and zone state"))
	}
	if opts.Schema == nil {
		return nil, syncErrors.NewConfigurationError(syncErrors.OpProvision,
			fmt.Errorf("engine requires a schema"))
	}
	opts.setDefaults()

	resolver, err := conflict.New(opts.Policy, opts.CustomResolver)
	if err != nil {
		return nil, err
	}

	var dedup *dedupe.Deduplicator
	if opts.Dedupe != nil {
		dedup, err = dedupe.New(*opts.Dedupe, opts.Logger)
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{
		store:    store,
		log:      log,
		remote:   remote,
		cursors:  cursors,
		zone:     zone,
		mapper:   mapper.New(opts.Schema),
		resolver: resolver,
		dedup:    dedup,
		opts:     opts,
		logger:   opts.Logger.WithComponent("engine"),
		requests: make(chan request, opts.QueueDepth),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateIdle,
	}

	go e.run()
	return e, nil
}

// State returns the step the current pass is executing, or StateIdle.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// PerformSync requests a sync pass, fire-and-forget. The request is
// queued behind any in-flight pass; if the queue is full, a pending
// request already covers it and this one is dropped. Safe to call
// concurrently with Close; a request racing the shutdown is dropped.
func (e *Engine) PerformSync() {
	select {
	case <-e.quit:
	case e.requests <- request{kind: requestSync}:
	default:
		e.logger.Debug("sync request coalesced into pending queue")
	}
}

// SyncNow runs one pass through the worker queue and waits for its
// result. The pass itself is not cancelled by ctx: it runs to a
// terminal state, and ctx only bounds the wait.
func (e *Engine) SyncNow(ctx context.Context) (*Result, error) {
	reply := make(chan *Result, 1)
	select {
	case e.requests <- request{kind: requestSync, reply: reply}:
	case <-e.quit:
		return nil, errEngineClosed(syncErrors.OpPush)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case result := <-reply:
		return result, result.Err
	case <-e.done:
		// Shutdown raced the enqueue. The worker may still have
		// served the request before exiting; prefer its answer.
		select {
		case result := <-reply:
			return result, result.Err
		default:
			return nil, errEngineClosed(syncErrors.OpPush)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DeleteZoneAndResetCursor deprovisions the remote zone and forgets
// the pull cursor. Queued like a sync request so it never races an
// in-flight pass.
func (e *Engine) DeleteZoneAndResetCursor(ctx context.Context) error {
	errc := make(chan error, 1)
	select {
	case e.requests <- request{kind: requestDeleteZone, errc: errc}:
	case <-e.quit:
		return errEngineClosed(syncErrors.OpProvision)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-e.done:
		select {
		case err := <-errc:
			return err
		default:
			return errEngineClosed(syncErrors.OpProvision)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a callback invoked with the result of every
// completed pass.
func (e *Engine) Subscribe(handler func(*Result)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, handler)
}

// Close stops accepting requests and waits for the worker to drain.
// Cancellation mid-pass is not supported: an in-flight pass runs to a
// terminal state first. The request channel is never closed, so a
// caller racing Close can never panic on the send; late requests are
// either dropped or answered with an error.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.quit)
	<-e.done
	return nil
}

func errEngineClosed(op syncErrors.Operation) error {
	return syncErrors.New(op, fmt.Errorf("engine is closed"))
}

func (e *Engine) run() {
	defer close(e.done)

	for {
		select {
		case <-e.quit:
			// Answer anything already queued so no waiter hangs,
			// then stop.
			for {
				select {
				case req := <-e.requests:
					e.deny(req)
				default:
					return
				}
			}
		case req := <-e.requests:
			e.serve(req)
		}
	}
}

func (e *Engine) serve(req request) {
	switch req.kind {
	case requestSync:
		result := e.runPass(context.Background())
		if req.reply != nil {
			req.reply <- result
		}
	case requestDeleteZone:
		req.errc <- e.deleteZone(context.Background())
	}
}

func (e *Engine) deny(req request) {
	switch req.kind {
	case requestSync:
		if req.reply != nil {
			req.reply <- &Result{State: StateFailed, Err: errEngineClosed(syncErrors.OpPush)}
		}
	case requestDeleteZone:
		req.errc <- errEngineClosed(syncErrors.OpProvision)
	}
}

func (e *Engine) deleteZone(ctx context.Context) error {
	if err := e.remote.DeprovisionZone(ctx); err != nil {
		return syncErrors.NewTransportError(syncErrors.OpProvision, err)
	}
	if err := e.cursors.Reset(ctx); err != nil {
		return err
	}
	if err := e.zone.SetProvisioned(ctx, false); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "zone deleted and cursor reset")
	return nil
}

func (e *Engine) transition(state State) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	e.logger.Debug("state transition", "state", state.String())
}

func (e *Engine) notifySubscribers(result *Result) {
	e.mu.Lock()
	subscribers := make([]func(*Result), len(e.subscribers))
	copy(subscribers, e.subscribers)
	e.mu.Unlock()

	for _, handler := range subscribers {
		handler(result)
	}
}
