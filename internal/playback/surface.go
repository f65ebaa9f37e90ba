package playback

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"livecam/native/internal/domain"
)

// ErrUnsupportedCodec is returned when a video track is not H264.
var ErrUnsupportedCodec = errors.New("unsupported video codec")

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// H264Surface writes inbound H264 video to w as an Annex-B elementary
// stream. It reports playing at the first coded slice written after each
// attach; parameter sets and SEI alone do not count. Audio tracks are
// drained.
type H264Surface struct {
	w io.Writer

	mu        sync.Mutex
	gen       uint64
	attached  bool
	onPlaying func()
	onError   func(error)
}

var _ domain.Surface = (*H264Surface)(nil)

// NewH264Surface creates a surface writing to w.
func NewH264Surface(w io.Writer) *H264Surface {
	return &H264Surface{w: w}
}

// OnPlaying registers the first-frame handler.
func (s *H264Surface) OnPlaying(fn func()) {
	s.mu.Lock()
	s.onPlaying = fn
	s.mu.Unlock()
}

// OnError registers the playback failure handler.
func (s *H264Surface) OnError(fn func(error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// Attach starts rendering track. Video and audio tracks of the same
// session share one attachment; Detach ends it.
func (s *H264Surface) Attach(track domain.Track) error {
	if track.Kind() == domain.TrackKindAudio {
		go drain(track)
		return nil
	}
	if !strings.EqualFold(track.Codec(), "video/H264") {
		return fmt.Errorf("%w: %s", ErrUnsupportedCodec, track.Codec())
	}

	s.mu.Lock()
	if !s.attached {
		s.gen++
		s.attached = true
	}
	gen := s.gen
	s.mu.Unlock()

	go s.render(gen, track)
	return nil
}

// Detach stops writing and drops further events until the next Attach.
func (s *H264Surface) Detach() {
	s.mu.Lock()
	s.attached = false
	s.gen++
	s.mu.Unlock()
}

func (s *H264Surface) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached && s.gen == gen
}

func (s *H264Surface) render(gen uint64, track domain.Track) {
	log.Debug().Str("module", "playback").Str("track", track.ID()).Msg("rendering H264 track")

	depack := NewH264Depacketizer()
	playing := false

	for {
		pkt, err := track.ReadRTP()
		if err != nil {
			s.fail(gen, fmt.Errorf("read video track: %w", err))
			return
		}
		if !s.current(gen) {
			return
		}

		for _, nalu := range depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
			if len(nalu) == 0 {
				continue
			}
			if err := s.write(nalu); err != nil {
				s.fail(gen, fmt.Errorf("write video: %w", err))
				return
			}
			if !playing && isSlice(nalu) {
				playing = true
				s.emitPlaying(gen)
			}
		}
	}
}

// isSlice reports whether nalu carries picture data (types 1 through 5).
func isSlice(nalu []byte) bool {
	t := nalu[0] & 0x1f
	return t >= 1 && t <= 5
}

func (s *H264Surface) write(nalu []byte) error {
	if _, err := s.w.Write(annexBStartCode); err != nil {
		return err
	}
	_, err := s.w.Write(nalu)
	return err
}

func (s *H264Surface) emitPlaying(gen uint64) {
	s.mu.Lock()
	fn := s.onPlaying
	ok := s.attached && s.gen == gen
	s.mu.Unlock()
	if ok && fn != nil {
		fn()
	}
}

// fail reports err only if the attachment is still current; reads fail
// routinely once the transport is closed.
func (s *H264Surface) fail(gen uint64, err error) {
	s.mu.Lock()
	fn := s.onError
	ok := s.attached && s.gen == gen
	s.mu.Unlock()
	if !ok {
		return
	}
	log.Warn().Str("module", "playback").Err(err).Msg("playback failed")
	if fn != nil {
		fn(err)
	}
}

func drain(track domain.Track) {
	for {
		if _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
