package viewer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"

	"livecam/native/internal/domain"
)

const testAnswer = "v=0\r\n" +
	"o=- 2 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=sendonly\r\n"

// tickerPool hands out manual tickers and tracks which are still running.
type tickerPool struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

type manualTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (p *tickerPool) New(time.Duration) domain.Ticker {
	t := &manualTicker{ch: make(chan time.Time)}
	p.mu.Lock()
	p.tickers = append(p.tickers, t)
	p.mu.Unlock()
	return t
}

func (p *tickerPool) active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.tickers {
		t.mu.Lock()
		if !t.stopped {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

func (p *tickerPool) created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tickers)
}

// tick fires the i-th ticker; it returns once the loop has taken the tick.
func (p *tickerPool) tick(t *testing.T, i int) {
	t.Helper()
	var tk *manualTicker
	deadline := time.Now().Add(time.Second)
	for tk == nil {
		p.mu.Lock()
		if len(p.tickers) > i {
			tk = p.tickers[i]
		}
		p.mu.Unlock()
		if tk == nil {
			if time.Now().After(deadline) {
				t.Fatalf("ticker %d never created", i)
			}
			time.Sleep(time.Millisecond)
		}
	}
	select {
	case tk.ch <- time.Now():
	case <-time.After(time.Second):
		t.Fatalf("ticker %d not being read", i)
	}
}

// mockPinger fails while fail is set.
type mockPinger struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (m *mockPinger) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return errors.New("unreachable")
	}
	return nil
}

func (m *mockPinger) setFail(v bool) {
	m.mu.Lock()
	m.fail = v
	m.mu.Unlock()
}

// mockFetcher serves fixed capture metadata.
type mockFetcher struct{}

func (mockFetcher) FetchMetadata(ctx context.Context) (*domain.Metadata, error) {
	return &domain.Metadata{LastModified: time.Now().Unix(), SizeKB: 12.5}, nil
}

// mockSurface records attachments and lets the test fire surface events.
type mockSurface struct {
	mu        sync.Mutex
	attached  []domain.Track
	detached  int
	attachErr error
	onPlaying func()
	onError   func(error)
}

func (m *mockSurface) Attach(track domain.Track) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attachErr != nil {
		return m.attachErr
	}
	m.attached = append(m.attached, track)
	return nil
}

func (m *mockSurface) Detach() {
	m.mu.Lock()
	m.detached++
	m.mu.Unlock()
}

func (m *mockSurface) OnPlaying(fn func())    { m.onPlaying = fn }
func (m *mockSurface) OnError(fn func(error)) { m.onError = fn }

func (m *mockSurface) attachCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attached)
}

func (m *mockSurface) detachCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detached
}

// mockTrack is an inbound video track that never yields packets.
type mockTrack struct{}

func (mockTrack) ID() string                    { return "video0" }
func (mockTrack) Kind() string                  { return domain.TrackKindVideo }
func (mockTrack) Codec() string                 { return "video/H264" }
func (mockTrack) ReadRTP() (*rtp.Packet, error) { return nil, io.EOF }

// mockTransport counts closes and keeps the registered track handler.
type mockTransport struct {
	mu       sync.Mutex
	onTrack  func(domain.Track)
	onFailed func(error)
	answered bool
	closed   int
}

func (m *mockTransport) CreateOffer(ctx context.Context) (string, error) {
	return "v=0\r\n", nil
}

func (m *mockTransport) SetAnswer(sdp string) error {
	m.mu.Lock()
	m.answered = true
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) OnTrack(fn func(domain.Track)) {
	m.mu.Lock()
	m.onTrack = fn
	m.mu.Unlock()
}

func (m *mockTransport) OnFailed(fn func(error)) {
	m.mu.Lock()
	m.onFailed = fn
	m.mu.Unlock()
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) emitTrack() {
	m.mu.Lock()
	fn := m.onTrack
	m.mu.Unlock()
	fn(mockTrack{})
}

// fail reports a connection failure once the viewer has registered for it.
func (m *mockTransport) fail(t *testing.T, err error) {
	t.Helper()
	var fn func(error)
	eventually(t, "failure handler registered", func() bool {
		m.mu.Lock()
		fn = m.onFailed
		m.mu.Unlock()
		return fn != nil
	})
	fn(err)
}

func (m *mockTransport) isAnswered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.answered
}

func (m *mockTransport) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// transportFactory hands out mockTransports.
type transportFactory struct {
	mu         sync.Mutex
	transports []*mockTransport
}

func (f *transportFactory) New() (domain.Transport, error) {
	t := &mockTransport{}
	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.mu.Unlock()
	return t, nil
}

func (f *transportFactory) all() []*mockTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*mockTransport(nil), f.transports...)
}

func (f *transportFactory) last() *mockTransport {
	all := f.all()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func (f *transportFactory) open() int {
	n := 0
	for _, t := range f.all() {
		if t.closeCount() == 0 {
			n++
		}
	}
	return n
}

// signaling is a WHEP endpoint with a switchable status. When hang is set
// it blocks until the request is cancelled.
type signaling struct {
	mu     sync.Mutex
	status int
	hang   bool
	posts  int
}

func (s *signaling) set(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *signaling) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		w.WriteHeader(http.StatusOK)
		return
	}
	io.Copy(io.Discard, r.Body)

	s.mu.Lock()
	s.posts++
	status, hang := s.status, s.hang
	s.mu.Unlock()

	if hang {
		<-r.Context().Done()
		return
	}
	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(status)
	if status >= 200 && status < 300 {
		io.WriteString(w, testAnswer)
	}
}

func (s *signaling) postCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts
}

// eventually polls cond for up to a second.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
