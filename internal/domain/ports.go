package domain

import (
	"context"

	"github.com/pion/rtp"
)

// Track kinds as reported by Track.Kind.
const (
	TrackKindVideo = "video"
	TrackKindAudio = "audio"
)

// Track is an inbound media track delivered by a negotiated transport.
// Closing the transport invalidates its tracks.
type Track interface {
	ID() string
	Kind() string
	Codec() string
	ReadRTP() (*rtp.Packet, error)
}

// Transport is a receive-only media connection negotiated over WHEP.
type Transport interface {
	// CreateOffer returns the local session description once ICE
	// gathering has completed.
	CreateOffer(ctx context.Context) (string, error)
	SetAnswer(sdp string) error
	OnTrack(fn func(Track))
	// OnFailed registers fn for a connection that fails after the answer
	// was applied. A failure seen before registration is replayed. Close
	// never triggers it.
	OnFailed(fn func(error))
	Close() error
}

// Surface renders inbound media and reports whether frames are flowing.
type Surface interface {
	Attach(track Track) error
	Detach()
	OnPlaying(fn func())
	OnError(fn func(error))
}

// Pinger asserts viewer presence to the camera server.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MetadataFetcher retrieves the camera's latest capture metadata.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context) (*Metadata, error)
}
