package discover

import (
	"context"

	"github.com/randalmurphal/meshrelay/pkg/relay/store"
)

// Discoverer performs one expensive route discovery. Implemented by
// the transport layer (for mesh networks, a traceroute); the engine
// only depends on this interface.
type Discoverer interface {
	// Name identifies the discovery channel. Cached entries produced
	// through this discoverer are keyed under it.
	Name() string

	// Discover finds a route from source to target. The returned
	// entry carries Path, HopCount, and LinkSNR; key fields and
	// timestamps are filled in by the caller.
	Discover(ctx context.Context, source, target string) (store.RouteEntry, error)
}
