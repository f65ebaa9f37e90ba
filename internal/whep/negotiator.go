// Package whep negotiates receive-only media sessions with a WHEP endpoint:
// one HTTP POST carrying the SDP offer, answered by the SDP answer.
package whep

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog/log"

	"livecam/native/internal/domain"
	"livecam/native/internal/metrics"
)

// ContentType is the media type of WHEP request and response bodies.
const ContentType = "application/sdp"

const (
	maxAnswerSize = 1 << 20
	deleteTimeout = 2 * time.Second
)

// Failure kinds returned by Negotiate, matched with errors.Is.
var (
	ErrTransport       = errors.New("create transport")
	ErrOffer           = errors.New("create offer")
	ErrSignaling       = errors.New("submit offer")
	ErrStatus          = errors.New("signaling status")
	ErrMalformedAnswer = errors.New("malformed answer")
	ErrApplyAnswer     = errors.New("apply answer")

	// ErrClosed means Close ran while the exchange was in flight.
	ErrClosed = errors.New("transport closed during negotiation")
)

// TransportFactory creates a fresh receive-only transport.
type TransportFactory func() (domain.Transport, error)

// Negotiator owns at most one transport at a time. Starting a negotiation
// closes the previous transport before creating the next one.
type Negotiator struct {
	endpoint     string
	http         *http.Client
	newTransport TransportFactory
	metrics      *metrics.Metrics

	mu       sync.Mutex
	current  domain.Transport
	resource string
}

// Option customizes a Negotiator.
type Option func(*Negotiator)

// WithHTTPClient sets the client used for signaling.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Negotiator) { n.http = c }
}

// WithMetrics records negotiation results and open transports.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Negotiator) { n.metrics = m }
}

// New creates a Negotiator posting offers to endpoint.
func New(endpoint string, newTransport TransportFactory, opts ...Option) *Negotiator {
	n := &Negotiator{
		endpoint:     endpoint,
		http:         http.DefaultClient,
		newTransport: newTransport,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Endpoint returns the signaling URL.
func (n *Negotiator) Endpoint() string {
	return n.endpoint
}

// Resource returns the session URL from the last successful answer's
// Location header, if the server sent one.
func (n *Negotiator) Resource() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.resource
}

// Negotiate performs one offer/answer exchange. onTrack is registered on
// the transport before the answer is applied. On failure the transport is
// closed; the negotiator never retries.
func (n *Negotiator) Negotiate(ctx context.Context, onTrack func(domain.Track)) (domain.Transport, error) {
	t, err := n.replace()
	if err != nil {
		n.metrics.ObserveNegotiation(err)
		return nil, err
	}
	if onTrack != nil {
		t.OnTrack(onTrack)
	}

	resource, err := n.exchange(ctx, t)
	if err != nil {
		n.metrics.ObserveNegotiation(err)
		n.release(t)
		return nil, err
	}

	n.mu.Lock()
	if n.current != t {
		n.mu.Unlock()
		err = ErrClosed
		n.metrics.ObserveNegotiation(err)
		if resource != "" {
			ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
			defer cancel()
			n.deleteResource(ctx, resource)
		}
		return nil, err
	}
	n.resource = resource
	n.mu.Unlock()
	n.metrics.ObserveNegotiation(nil)

	log.Info().Str("module", "whep").Str("resource", resource).Msg("negotiation complete")
	return t, nil
}

// Close closes the held transport, if any, and deletes the WHEP session
// resource. Deletion failures are logged only.
func (n *Negotiator) Close(ctx context.Context) {
	n.mu.Lock()
	t, resource := n.current, n.resource
	n.current, n.resource = nil, ""
	n.mu.Unlock()

	if t != nil {
		n.closeTransport(t)
	}
	if resource != "" {
		n.deleteResource(ctx, resource)
	}
}

// Drop closes the held transport like Close but deletes the WHEP resource
// in the background, so the caller never waits on the network.
func (n *Negotiator) Drop() {
	n.mu.Lock()
	t, resource := n.current, n.resource
	n.current, n.resource = nil, ""
	n.mu.Unlock()

	if t != nil {
		n.closeTransport(t)
	}
	if resource != "" {
		n.deleteAsync(resource)
	}
}

// replace closes the held transport and installs a new one.
func (n *Negotiator) replace() (domain.Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.current != nil {
		n.closeTransport(n.current)
		n.current = nil
	}
	if n.resource != "" {
		n.deleteAsync(n.resource)
		n.resource = ""
	}

	t, err := n.newTransport()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	n.metrics.TransportOpened()
	n.current = t
	return t, nil
}

// release closes t if it is still the held transport.
func (n *Negotiator) release(t domain.Transport) {
	n.mu.Lock()
	owned := n.current == t
	if owned {
		n.current = nil
	}
	n.mu.Unlock()

	if owned {
		n.closeTransport(t)
	}
}

func (n *Negotiator) closeTransport(t domain.Transport) {
	if err := t.Close(); err != nil {
		log.Warn().Str("module", "whep").Err(err).Msg("close transport")
	}
	n.metrics.TransportClosed()
}

func (n *Negotiator) exchange(ctx context.Context, t domain.Transport) (string, error) {
	offer, err := t.CreateOffer(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOffer, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(offer))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSignaling, err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)

	log.Debug().Str("module", "whep").Str("endpoint", n.endpoint).Int("offer_bytes", len(offer)).Msg("posting offer")

	resp, err := n.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSignaling, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerSize))
	if err != nil {
		return "", fmt.Errorf("%w: read answer: %w", ErrSignaling, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: http %d: %s", ErrStatus, resp.StatusCode, bytes.TrimSpace(body))
	}

	answer := string(body)
	if err := validateAnswer(answer); err != nil {
		return "", err
	}

	if err := t.SetAnswer(answer); err != nil {
		return "", fmt.Errorf("%w: %w", ErrApplyAnswer, err)
	}

	return n.resolveLocation(resp.Header.Get("Location")), nil
}

func validateAnswer(answer string) error {
	if strings.TrimSpace(answer) == "" {
		return fmt.Errorf("%w: empty body", ErrMalformedAnswer)
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(answer)); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedAnswer, err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: no media sections", ErrMalformedAnswer)
	}
	return nil
}

func (n *Negotiator) resolveLocation(loc string) string {
	if loc == "" {
		return ""
	}
	base, err := url.Parse(n.endpoint)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func (n *Negotiator) deleteAsync(resource string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
		defer cancel()
		n.deleteResource(ctx, resource)
	}()
}

func (n *Negotiator) deleteResource(ctx context.Context, resource string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, resource, nil)
	if err != nil {
		log.Debug().Str("module", "whep").Err(err).Msg("build delete request")
		return
	}
	resp, err := n.http.Do(req)
	if err != nil {
		log.Debug().Str("module", "whep").Err(err).Str("resource", resource).Msg("delete session")
		return
	}
	resp.Body.Close()
	log.Debug().Str("module", "whep").Int("status", resp.StatusCode).Str("resource", resource).Msg("session deleted")
}
