package whep

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"livecam/native/internal/domain"
	"livecam/native/internal/metrics"
)

const testOffer = "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\na=recvonly\r\n"

const testAnswer = "v=0\r\n" +
	"o=- 2 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=sendonly\r\n"

// mockTransport records calls for verification.
type mockTransport struct {
	offerErr  error
	answerErr error

	mu      sync.Mutex
	answer  string
	onTrack func(domain.Track)
	closed  int
}

func (m *mockTransport) CreateOffer(ctx context.Context) (string, error) {
	if m.offerErr != nil {
		return "", m.offerErr
	}
	return testOffer, nil
}

func (m *mockTransport) SetAnswer(sdp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.answerErr != nil {
		return m.answerErr
	}
	m.answer = sdp
	return nil
}

func (m *mockTransport) OnTrack(fn func(domain.Track)) {
	m.mu.Lock()
	m.onTrack = fn
	m.mu.Unlock()
}

func (m *mockTransport) OnFailed(fn func(error)) {}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// factory hands out mockTransports and keeps them for inspection.
type factory struct {
	mu         sync.Mutex
	transports []*mockTransport
	configure  func(*mockTransport)
	err        error
}

func (f *factory) New() (domain.Transport, error) {
	if f.err != nil {
		return nil, f.err
	}
	t := &mockTransport{}
	if f.configure != nil {
		f.configure(t)
	}
	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.mu.Unlock()
	return t, nil
}

// open counts transports created and not yet closed.
func (f *factory) open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.transports {
		if t.closeCount() == 0 {
			n++
		}
	}
	return n
}

type signalingServer struct {
	status   int
	body     string
	location string

	mu          sync.Mutex
	contentType string
	offer       string
	deletes     []string
}

func (s *signalingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Method == http.MethodDelete {
		s.deletes = append(s.deletes, r.URL.Path)
		w.WriteHeader(http.StatusOK)
		return
	}
	s.contentType = r.Header.Get("Content-Type")
	b, _ := io.ReadAll(r.Body)
	s.offer = string(b)
	if s.location != "" {
		w.Header().Set("Location", s.location)
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(s.status)
	io.WriteString(w, s.body)
}

func newTestNegotiator(t *testing.T, sig *signalingServer, f *factory, opts ...Option) *Negotiator {
	t.Helper()
	srv := httptest.NewServer(sig)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithHTTPClient(srv.Client())}, opts...)
	return New(srv.URL+"/cam/whep", f.New, opts...)
}

func TestNegotiate_Success(t *testing.T) {
	sig := &signalingServer{status: http.StatusCreated, body: testAnswer, location: "/cam/whep/session-1"}
	f := &factory{}
	n := newTestNegotiator(t, sig, f)

	tr, err := n.Negotiate(context.Background(), func(domain.Track) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mt := tr.(*mockTransport)
	if mt.answer != testAnswer {
		t.Errorf("expected answer applied, got %q", mt.answer)
	}
	if mt.onTrack == nil {
		t.Error("expected track handler registered")
	}
	if sig.contentType != "application/sdp" {
		t.Errorf("expected Content-Type application/sdp, got %q", sig.contentType)
	}
	if sig.offer != testOffer {
		t.Errorf("expected raw offer body, got %q", sig.offer)
	}
	if got, want := n.Resource(), n.Endpoint()+"/session-1"; got != want {
		t.Errorf("expected resource %q, got %q", want, got)
	}
	if mt.closeCount() != 0 {
		t.Error("expected transport to stay open")
	}
}

func TestNegotiate_FailureClosesTransport(t *testing.T) {
	cases := []struct {
		name      string
		sig       *signalingServer
		configure func(*mockTransport)
		want      error
	}{
		{"server error", &signalingServer{status: http.StatusInternalServerError, body: "down"}, nil, ErrStatus},
		{"not found", &signalingServer{status: http.StatusNotFound}, nil, ErrStatus},
		{"empty answer", &signalingServer{status: http.StatusCreated}, nil, ErrMalformedAnswer},
		{"garbage answer", &signalingServer{status: http.StatusCreated, body: "hello"}, nil, ErrMalformedAnswer},
		{"no media", &signalingServer{status: http.StatusCreated, body: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"}, nil, ErrMalformedAnswer},
		{"offer fails", &signalingServer{status: http.StatusCreated, body: testAnswer},
			func(m *mockTransport) { m.offerErr = errors.New("gathering") }, ErrOffer},
		{"apply fails", &signalingServer{status: http.StatusCreated, body: testAnswer},
			func(m *mockTransport) { m.answerErr = errors.New("bad fingerprint") }, ErrApplyAnswer},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := &factory{configure: c.configure}
			n := newTestNegotiator(t, c.sig, f)

			tr, err := n.Negotiate(context.Background(), nil)
			if tr != nil {
				t.Error("expected nil transport on failure")
			}
			if !errors.Is(err, c.want) {
				t.Fatalf("expected %v, got %v", c.want, err)
			}
			if len(f.transports) != 1 || f.transports[0].closeCount() != 1 {
				t.Fatalf("expected the single transport closed once")
			}
		})
	}
}

func TestNegotiate_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := &factory{}
	n := New(url+"/cam/whep", f.New)

	if _, err := n.Negotiate(context.Background(), nil); !errors.Is(err, ErrSignaling) {
		t.Fatalf("expected ErrSignaling, got %v", err)
	}
	if f.open() != 0 {
		t.Error("expected no open transports")
	}
}

func TestNegotiate_FactoryFailure(t *testing.T) {
	f := &factory{err: errors.New("no codecs")}
	n := New("http://127.0.0.1:1/whep", f.New)

	if _, err := n.Negotiate(context.Background(), nil); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestNegotiate_ClosesPreviousBeforeCreating(t *testing.T) {
	sig := &signalingServer{status: http.StatusCreated, body: testAnswer}
	f := &factory{}
	n := newTestNegotiator(t, sig, f)

	for i := 0; i < 3; i++ {
		if _, err := n.Negotiate(context.Background(), nil); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if got := f.open(); got != 1 {
			t.Fatalf("attempt %d: expected exactly one open transport, got %d", i, got)
		}
	}
	for i, tr := range f.transports[:2] {
		if tr.closeCount() != 1 {
			t.Errorf("transport %d closed %d times, expected 1", i, tr.closeCount())
		}
	}
}

func TestNegotiate_RepeatedFailuresLeakNothing(t *testing.T) {
	sig := &signalingServer{status: http.StatusInternalServerError}
	f := &factory{}
	n := newTestNegotiator(t, sig, f)

	const attempts = 5
	for i := 0; i < attempts; i++ {
		if _, err := n.Negotiate(context.Background(), nil); err == nil {
			t.Fatal("expected failure")
		}
	}
	if len(f.transports) != attempts {
		t.Fatalf("expected %d transports, got %d", attempts, len(f.transports))
	}
	for i, tr := range f.transports {
		if tr.closeCount() != 1 {
			t.Errorf("transport %d closed %d times, expected 1", i, tr.closeCount())
		}
	}
}

func TestClose_ClosesTransportAndDeletesResource(t *testing.T) {
	sig := &signalingServer{status: http.StatusCreated, body: testAnswer, location: "/cam/whep/abc"}
	f := &factory{}
	n := newTestNegotiator(t, sig, f)

	if _, err := n.Negotiate(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n.Close(context.Background())
	n.Close(context.Background())

	if f.transports[0].closeCount() != 1 {
		t.Errorf("expected close once, got %d", f.transports[0].closeCount())
	}
	sig.mu.Lock()
	defer sig.mu.Unlock()
	if len(sig.deletes) != 1 || sig.deletes[0] != "/cam/whep/abc" {
		t.Errorf("expected one DELETE of the session resource, got %v", sig.deletes)
	}
	if n.Resource() != "" {
		t.Error("expected resource cleared")
	}
}

func TestNegotiate_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	sig := &signalingServer{status: http.StatusInternalServerError}
	f := &factory{}
	n := newTestNegotiator(t, sig, f, WithMetrics(m))

	n.Negotiate(context.Background(), nil)
	sig.mu.Lock()
	sig.status, sig.body = http.StatusCreated, testAnswer
	sig.mu.Unlock()
	n.Negotiate(context.Background(), nil)

	expected := `
# HELP livecam_transports_open Number of open media transports (at most one)
# TYPE livecam_transports_open gauge
livecam_transports_open 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "livecam_transports_open"); err != nil {
		t.Error(err)
	}
}

// mockTrack lets the handler be exercised directly.
type mockTrack struct{}

func (mockTrack) ID() string                    { return "v0" }
func (mockTrack) Kind() string                  { return domain.TrackKindVideo }
func (mockTrack) Codec() string                 { return "video/H264" }
func (mockTrack) ReadRTP() (*rtp.Packet, error) { return nil, io.EOF }

func TestNegotiate_TrackHandlerReceivesTracks(t *testing.T) {
	sig := &signalingServer{status: http.StatusCreated, body: testAnswer}
	f := &factory{}
	n := newTestNegotiator(t, sig, f)

	var got domain.Track
	tr, err := n.Negotiate(context.Background(), func(track domain.Track) { got = track })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr.(*mockTransport).onTrack(mockTrack{})

	if got == nil || got.ID() != "v0" {
		t.Errorf("expected track v0 delivered, got %v", got)
	}
}

// gatedServer holds each POST until release is closed and records DELETEs.
// With holdDeletes set it answers POSTs at once and holds DELETEs instead.
type gatedServer struct {
	posted      chan struct{}
	release     chan struct{}
	holdDeletes bool

	mu      sync.Mutex
	deletes []string
}

func newGatedServer() *gatedServer {
	return &gatedServer{posted: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		if g.holdDeletes {
			<-g.release
		}
		g.mu.Lock()
		g.deletes = append(g.deletes, r.URL.Path)
		g.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	}
	io.Copy(io.Discard, r.Body)
	if !g.holdDeletes {
		g.posted <- struct{}{}
		<-g.release
	}
	w.Header().Set("Location", "/cam/whep/late")
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, testAnswer)
}

func (g *gatedServer) deleted() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.deletes...)
}

func TestNegotiate_CloseDuringExchangeDeletesLateSession(t *testing.T) {
	g := newGatedServer()
	srv := httptest.NewServer(g)
	defer srv.Close()
	f := &factory{}
	n := New(srv.URL+"/cam/whep", f.New, WithHTTPClient(srv.Client()))

	result := make(chan error, 1)
	go func() {
		_, err := n.Negotiate(context.Background(), nil)
		result <- err
	}()

	<-g.posted
	n.Close(context.Background())
	close(g.release)

	if err := <-result; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if got := g.deleted(); len(got) != 1 || got[0] != "/cam/whep/late" {
		t.Errorf("expected the late session deleted, got %v", got)
	}
	if f.transports[0].closeCount() != 1 {
		t.Errorf("expected transport closed once, got %d", f.transports[0].closeCount())
	}
	if n.Resource() != "" {
		t.Error("expected no resource recorded")
	}
}

func TestDrop_DoesNotWaitForDelete(t *testing.T) {
	g := newGatedServer()
	g.holdDeletes = true
	srv := httptest.NewServer(g)
	defer srv.Close()
	defer close(g.release)
	f := &factory{}
	n := New(srv.URL+"/cam/whep", f.New, WithHTTPClient(srv.Client()))

	if _, err := n.Negotiate(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		n.Drop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Drop blocked on the DELETE")
	}

	if f.transports[0].closeCount() != 1 {
		t.Errorf("expected transport closed once, got %d", f.transports[0].closeCount())
	}
	if n.Resource() != "" {
		t.Error("expected resource cleared")
	}
}
