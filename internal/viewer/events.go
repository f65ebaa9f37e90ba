package viewer

import "livecam/native/internal/domain"

type event interface{}

type evHeartbeat struct{ up bool }

type evStart struct {
	retry bool
	reply chan error
}

type evNegotiated struct {
	attempt uint64
	err     error
}

type evTrack struct {
	attempt uint64
	track   domain.Track
}

type evPlaying struct{ attempt uint64 }

type evPlaybackError struct {
	attempt uint64
	err     error
}

type evTransportFailed struct {
	attempt uint64
	err     error
}
