// Package viewer drives the live camera widget: it combines the heartbeat,
// the WHEP negotiator and the playback binder into a single availability
// state.
//
// All state changes happen on one event-loop goroutine. Heartbeat results,
// user requests, negotiation results and playback events are posted to it
// and applied in arrival order.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"livecam/native/internal/domain"
	"livecam/native/internal/metrics"
	"livecam/native/internal/playback"
)

var (
	// ErrInvalidTransition is returned by RequestStart and Retry when the
	// current state does not accept the request.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrDisposed is returned once the viewer has been disposed.
	ErrDisposed = errors.New("viewer disposed")
)

const (
	defaultNegotiateTimeout = 15 * time.Second
	closeTimeout            = 2 * time.Second
	subscriberBuffer        = 16
)

// Negotiator performs WHEP offer/answer exchanges and owns the transport.
// Close releases the session and waits for the server; Drop releases it
// without waiting.
type Negotiator interface {
	Negotiate(ctx context.Context, onTrack func(domain.Track)) (domain.Transport, error)
	Close(ctx context.Context)
	Drop()
}

// Heartbeat reports reachability until ctx is cancelled.
type Heartbeat interface {
	Run(ctx context.Context, report func(up bool))
}

// Poller is an independent background task scoped to the viewer.
type Poller interface {
	Run(ctx context.Context)
}

// Status is a point-in-time view of the viewer.
type Status struct {
	State     domain.State `json:"state"`
	Attempt   uint64       `json:"attempt"`
	SessionID string       `json:"session_id,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	Since     time.Time    `json:"since"`
}

// Options configures a Viewer.
type Options struct {
	Negotiator Negotiator
	Heartbeat  Heartbeat
	Surface    domain.Surface

	// Stats is optional.
	Stats   Poller
	Metrics *metrics.Metrics

	NegotiateTimeout time.Duration
	// AutoStart requests a start whenever the heartbeat makes the stream ready.
	AutoStart bool
}

// Viewer is the availability state machine. Start acquires its background
// tasks; Dispose releases them along with any open transport.
type Viewer struct {
	negotiator       Negotiator
	heartbeat        Heartbeat
	stats            Poller
	binder           *playback.Binder
	metrics          *metrics.Metrics
	negotiateTimeout time.Duration
	autoStart        bool
	now              func() time.Time

	events   chan event
	quit     chan struct{}
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	tasks    sync.WaitGroup

	lifecycle sync.Mutex
	started   bool
	disposed  bool

	// Owned by the loop goroutine.
	state      domain.State
	attempt    uint64
	negotiated bool
	playing    bool
	sessionID  string

	statusMu sync.RWMutex
	status   Status

	subMu sync.Mutex
	subs  []chan domain.Transition
}

// New creates a Viewer in the offline state.
func New(opts Options) *Viewer {
	if opts.NegotiateTimeout <= 0 {
		opts.NegotiateTimeout = defaultNegotiateTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	v := &Viewer{
		negotiator:       opts.Negotiator,
		heartbeat:        opts.Heartbeat,
		stats:            opts.Stats,
		binder:           playback.NewBinder(opts.Surface),
		metrics:          opts.Metrics,
		negotiateTimeout: opts.NegotiateTimeout,
		autoStart:        opts.AutoStart,
		now:              time.Now,
		events:           make(chan event, 32),
		quit:             make(chan struct{}),
		loopDone:         make(chan struct{}),
		ctx:              ctx,
		cancel:           cancel,
		state:            domain.StateOffline,
	}
	v.status = Status{State: domain.StateOffline, Since: v.now()}

	v.binder.OnPlaying(func(attempt uint64) { v.post(evPlaying{attempt: attempt}) })
	v.binder.OnError(func(attempt uint64, err error) {
		v.post(evPlaybackError{attempt: attempt, err: err})
	})
	return v
}

// Start launches the event loop, the heartbeat and the stats poller.
func (v *Viewer) Start() error {
	v.lifecycle.Lock()
	defer v.lifecycle.Unlock()
	if v.disposed {
		return ErrDisposed
	}
	if v.started {
		return nil
	}
	v.started = true

	v.tasks.Add(1)
	go func() {
		defer v.tasks.Done()
		v.heartbeat.Run(v.ctx, func(up bool) { v.post(evHeartbeat{up: up}) })
	}()
	if v.stats != nil {
		v.tasks.Add(1)
		go func() {
			defer v.tasks.Done()
			v.stats.Run(v.ctx)
		}()
	}

	go v.loop()
	log.Info().Str("module", "viewer").Msg("started")
	return nil
}

// Dispose stops both timers, closes any transport and detaches the surface.
// It blocks until every background task has returned. Safe to call more
// than once.
func (v *Viewer) Dispose() {
	v.lifecycle.Lock()
	if v.disposed {
		v.lifecycle.Unlock()
		<-v.loopDone
		return
	}
	v.disposed = true
	started := v.started
	close(v.quit)
	v.lifecycle.Unlock()

	if !started {
		v.teardown()
	}
	<-v.loopDone
}

// RequestStart moves a ready or errored viewer to connecting.
func (v *Viewer) RequestStart() error {
	return v.request(false)
}

// Retry moves an errored viewer to connecting.
func (v *Viewer) Retry() error {
	return v.request(true)
}

// Status returns the latest status.
func (v *Viewer) Status() Status {
	v.statusMu.RLock()
	defer v.statusMu.RUnlock()
	return v.status
}

// State returns the current state.
func (v *Viewer) State() domain.State {
	return v.Status().State
}

// Subscribe returns a channel of transitions. Slow subscribers miss events
// rather than stall the loop. The channel is closed on Dispose.
func (v *Viewer) Subscribe() <-chan domain.Transition {
	ch := make(chan domain.Transition, subscriberBuffer)
	v.subMu.Lock()
	defer v.subMu.Unlock()
	select {
	case <-v.loopDone:
		close(ch)
	default:
		v.subs = append(v.subs, ch)
	}
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (v *Viewer) Unsubscribe(ch <-chan domain.Transition) {
	v.subMu.Lock()
	defer v.subMu.Unlock()
	for i, s := range v.subs {
		if s == ch {
			v.subs = append(v.subs[:i], v.subs[i+1:]...)
			close(s)
			return
		}
	}
}

func (v *Viewer) request(retry bool) error {
	v.lifecycle.Lock()
	started, disposed := v.started, v.disposed
	v.lifecycle.Unlock()
	if disposed {
		return ErrDisposed
	}
	if !started {
		return fmt.Errorf("%w: viewer not started", ErrInvalidTransition)
	}

	reply := make(chan error, 1)
	if !v.post(evStart{retry: retry, reply: reply}) {
		return ErrDisposed
	}
	select {
	case err := <-reply:
		return err
	case <-v.loopDone:
		return ErrDisposed
	}
}

// post delivers e to the loop unless the viewer is shutting down.
func (v *Viewer) post(e event) bool {
	select {
	case v.events <- e:
		return true
	case <-v.quit:
		return false
	}
}

func (v *Viewer) loop() {
	for {
		select {
		case <-v.quit:
			v.teardown()
			return
		case e := <-v.events:
			v.handle(e)
		}
	}
}

func (v *Viewer) handle(e event) {
	switch e := e.(type) {
	case evHeartbeat:
		v.onHeartbeat(e.up)
	case evStart:
		e.reply <- v.onStart(e.retry)
	case evNegotiated:
		v.onNegotiated(e)
	case evTrack:
		v.onTrack(e)
	case evPlaying:
		v.onPlaying(e.attempt)
	case evPlaybackError:
		v.onPlaybackError(e)
	case evTransportFailed:
		v.onTransportFailed(e)
	}
}

func (v *Viewer) onHeartbeat(up bool) {
	switch {
	case up && v.state == domain.StateOffline:
		v.transition(domain.StateReady, "")
		if v.autoStart {
			v.connect()
		}
	case !up && (v.state == domain.StateReady || v.state == domain.StateError):
		v.transition(domain.StateOffline, "")
	}
	// connecting and live ignore the heartbeat: a failed probe never
	// preempts a negotiation or tears down a playing stream.
}

func (v *Viewer) onStart(retry bool) error {
	switch {
	case v.state == domain.StateError:
	case v.state == domain.StateReady && !retry:
	default:
		action := "start"
		if retry {
			action = "retry"
		}
		return fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, action, v.state)
	}
	v.connect()
	return nil
}

// connect begins a new attempt. The negotiator closes the previous
// transport before creating the next.
func (v *Viewer) connect() {
	v.binder.Release()
	v.attempt++
	v.negotiated = false
	v.playing = false
	v.sessionID = uuid.NewString()
	v.transition(domain.StateConnecting, "")

	attempt := v.attempt
	v.tasks.Add(1)
	go func() {
		defer v.tasks.Done()
		ctx, cancel := context.WithTimeout(v.ctx, v.negotiateTimeout)
		defer cancel()

		t, err := v.negotiator.Negotiate(ctx, func(track domain.Track) {
			v.post(evTrack{attempt: attempt, track: track})
		})
		if err == nil && t != nil {
			t.OnFailed(func(err error) {
				v.post(evTransportFailed{attempt: attempt, err: err})
			})
		}
		v.post(evNegotiated{attempt: attempt, err: err})
	}()
}

func (v *Viewer) onNegotiated(e evNegotiated) {
	if e.attempt != v.attempt || v.state != domain.StateConnecting {
		return
	}
	if e.err != nil {
		log.Warn().Str("module", "viewer").Str("session", v.sessionID).Err(e.err).Msg("negotiation failed")
		v.binder.Release()
		v.transition(domain.StateError, "negotiation failed: "+e.err.Error())
		return
	}
	v.negotiated = true
	log.Info().Str("module", "viewer").Str("session", v.sessionID).Msg("negotiated, waiting for first frame")
	v.maybeLive()
}

func (v *Viewer) onTrack(e evTrack) {
	if e.attempt != v.attempt {
		return
	}
	if v.state != domain.StateConnecting && v.state != domain.StateLive {
		return
	}
	if err := v.binder.Bind(e.attempt, e.track); err != nil {
		v.fail("playback failed", fmt.Errorf("attach %s track: %w", e.track.Kind(), err))
	}
}

func (v *Viewer) onPlaying(attempt uint64) {
	if attempt != v.attempt || v.state != domain.StateConnecting {
		return
	}
	v.playing = true
	v.maybeLive()
}

func (v *Viewer) onPlaybackError(e evPlaybackError) {
	if e.attempt != v.attempt {
		return
	}
	if v.state != domain.StateConnecting && v.state != domain.StateLive {
		return
	}
	v.fail("playback failed", e.err)
}

func (v *Viewer) onTransportFailed(e evTransportFailed) {
	if e.attempt != v.attempt {
		return
	}
	if v.state != domain.StateConnecting && v.state != domain.StateLive {
		return
	}
	v.fail("connection failed", e.err)
}

// fail handles a failure after a nominally successful handshake: the
// transport is still open and must be closed explicitly.
func (v *Viewer) fail(reason string, err error) {
	log.Warn().Str("module", "viewer").Str("session", v.sessionID).Err(err).Msg(reason)
	v.binder.Release()
	v.negotiator.Drop()
	// Results of this attempt still in flight are stale from here on.
	v.attempt++
	v.transition(domain.StateError, reason+": "+err.Error())
}

func (v *Viewer) maybeLive() {
	if v.negotiated && v.playing {
		v.transition(domain.StateLive, "")
	}
}

func (v *Viewer) closeTransport() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	v.negotiator.Close(ctx)
}

func (v *Viewer) transition(to domain.State, errMsg string) {
	from := v.state
	if !Allowed(from, to) {
		log.Error().Str("module", "viewer").Str("from", from.String()).Str("to", to.String()).Msg("refusing transition")
		return
	}
	v.state = to

	now := v.now()
	v.statusMu.Lock()
	v.status = Status{
		State:     to,
		Attempt:   v.attempt,
		SessionID: v.sessionID,
		LastError: errMsg,
		Since:     now,
	}
	v.statusMu.Unlock()

	v.metrics.ObserveTransition(from, to)
	log.Info().Str("module", "viewer").Str("from", from.String()).Str("to", to.String()).Msg("state")

	v.publish(domain.Transition{From: from, To: to, At: now, SessionID: v.sessionID, Error: errMsg})
}

func (v *Viewer) publish(t domain.Transition) {
	v.subMu.Lock()
	defer v.subMu.Unlock()
	for _, ch := range v.subs {
		select {
		case ch <- t:
		default:
		}
	}
}

func (v *Viewer) teardown() {
	v.cancel()
	v.tasks.Wait()
	v.closeTransport()
	v.binder.Release()

	v.subMu.Lock()
	for _, ch := range v.subs {
		close(ch)
	}
	v.subs = nil
	close(v.loopDone)
	v.subMu.Unlock()

	log.Info().Str("module", "viewer").Msg("disposed")
}
