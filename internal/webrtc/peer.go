package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/logging"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"livecam/native/internal/domain"
)

// Options configures a Peer.
type Options struct {
	// ICEServers are STUN URLs used for candidate gathering. No TURN relay.
	ICEServers    []string
	LoggerFactory logging.LoggerFactory
}

// Peer wraps a receive-only Pion PeerConnection.
type Peer struct {
	pc        *pion.PeerConnection
	closeOnce sync.Once
	closeErr  error

	mu       sync.Mutex
	closing  bool
	failErr  error
	onFailed func(error)
}

var _ domain.Transport = (*Peer)(nil)

// NewPeer creates a PeerConnection with recvonly video and audio transceivers.
func NewPeer(opts Options) (*Peer, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generator)
	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}

	se := pion.SettingEngine{}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	)

	var servers []pion.ICEServer
	if len(opts.ICEServers) > 0 {
		servers = []pion.ICEServer{{URLs: opts.ICEServers}}
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeVideo, pion.RTPCodecTypeAudio} {
		_, err := pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	p := &Peer{pc: pc}
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("ice_state", state.String()).Msg("ICE connection state")
	})
	pc.OnConnectionStateChange(p.handleState)

	return p, nil
}

func (p *Peer) handleState(state pion.PeerConnectionState) {
	log.Info().Str("module", "webrtc").Str("peer_state", state.String()).Msg("peer connection state")
	switch state {
	case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed:
		p.fail(fmt.Errorf("peer connection %s", state))
	}
}

func (p *Peer) fail(err error) {
	p.mu.Lock()
	if p.closing || p.failErr != nil {
		p.mu.Unlock()
		return
	}
	p.failErr = err
	fn := p.onFailed
	p.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// CreateOffer creates the SDP offer, sets it as the local description and
// waits for ICE gathering so the offer carries every candidate.
func (p *Peer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}

	gathered := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("ice gathering: %w", ctx.Err())
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("local description missing after gathering")
	}
	log.Debug().Str("module", "webrtc").Msg("local SDP offer set")
	return local.SDP, nil
}

// SetAnswer applies the remote SDP answer.
func (p *Peer) SetAnswer(sdp string) error {
	answer := pion.SessionDescription{
		Type: pion.SDPTypeAnswer,
		SDP:  sdp,
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	log.Debug().Str("module", "webrtc").Msg("remote SDP answer set")
	return nil
}

// OnTrack registers the handler for inbound tracks.
func (p *Peer) OnTrack(fn func(domain.Track)) {
	p.pc.OnTrack(func(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
		codec := track.Codec()
		log.Info().Str("module", "webrtc").
			Str("kind", track.Kind().String()).
			Str("codec", codec.MimeType).
			Uint8("pt", uint8(codec.PayloadType)).
			Msg("got track")
		fn(&remoteTrack{track: track})
	})
}

// OnFailed registers the handler for a connection that fails or closes
// underneath us.
func (p *Peer) OnFailed(fn func(error)) {
	p.mu.Lock()
	p.onFailed = fn
	err := p.failErr
	replay := err != nil && !p.closing
	p.mu.Unlock()
	if replay {
		fn(err)
	}
}

// Close shuts down the PeerConnection. Safe to call more than once.
func (p *Peer) Close() error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}

type remoteTrack struct {
	track *pion.TrackRemote
}

func (t *remoteTrack) ID() string    { return t.track.ID() }
func (t *remoteTrack) Kind() string  { return t.track.Kind().String() }
func (t *remoteTrack) Codec() string { return t.track.Codec().MimeType }

func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}
