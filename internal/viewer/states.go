package viewer

import "livecam/native/internal/domain"

// edges lists every permitted transition.
var edges = map[domain.State][]domain.State{
	domain.StateOffline:    {domain.StateReady},
	domain.StateReady:      {domain.StateOffline, domain.StateConnecting},
	domain.StateConnecting: {domain.StateLive, domain.StateError},
	domain.StateLive:       {domain.StateError},
	domain.StateError:      {domain.StateOffline, domain.StateConnecting},
}

// Allowed reports whether from -> to is a permitted transition.
func Allowed(from, to domain.State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}
