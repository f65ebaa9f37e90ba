// Package playback binds negotiated media to a display surface and reports
// when frames are actually flowing.
package playback

import (
	"sync"

	"livecam/native/internal/domain"
)

// Binder attaches inbound tracks to a Surface. Surface events are forwarded
// only while something is bound, tagged with the attempt that bound it.
type Binder struct {
	surface domain.Surface

	mu        sync.Mutex
	bound     bool
	attempt   uint64
	onPlaying func(attempt uint64)
	onError   func(attempt uint64, err error)
}

// NewBinder creates a Binder over surface and takes over its event hooks.
func NewBinder(surface domain.Surface) *Binder {
	b := &Binder{surface: surface}
	surface.OnPlaying(b.playing)
	surface.OnError(b.failed)
	return b
}

// OnPlaying registers the handler for the surface's first frame.
func (b *Binder) OnPlaying(fn func(attempt uint64)) {
	b.mu.Lock()
	b.onPlaying = fn
	b.mu.Unlock()
}

// OnError registers the handler for post-attach playback failures.
func (b *Binder) OnError(fn func(attempt uint64, err error)) {
	b.mu.Lock()
	b.onError = fn
	b.mu.Unlock()
}

// Bind attaches track on behalf of attempt.
func (b *Binder) Bind(attempt uint64, track domain.Track) error {
	b.mu.Lock()
	b.bound = true
	b.attempt = attempt
	b.mu.Unlock()
	return b.surface.Attach(track)
}

// Release detaches the surface. Safe to call when nothing is bound.
func (b *Binder) Release() {
	b.mu.Lock()
	wasBound := b.bound
	b.bound = false
	b.mu.Unlock()
	if wasBound {
		b.surface.Detach()
	}
}

// Bound reports whether a track is currently attached.
func (b *Binder) Bound() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound
}

func (b *Binder) playing() {
	b.mu.Lock()
	fn, attempt, ok := b.onPlaying, b.attempt, b.bound
	b.mu.Unlock()
	if ok && fn != nil {
		fn(attempt)
	}
}

func (b *Binder) failed(err error) {
	b.mu.Lock()
	fn, attempt, ok := b.onError, b.attempt, b.bound
	b.mu.Unlock()
	if ok && fn != nil {
		fn(attempt, err)
	}
}
