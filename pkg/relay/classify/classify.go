// Package classify decides which destinations receive an event.
package classify

import (
	"github.com/randalmurphal/meshrelay/pkg/relay/config"
	"github.com/randalmurphal/meshrelay/pkg/relay/telemetry"
)

// Classify returns, for every enabled destination in the registry,
// whether the event should be delivered to it. A destination admits an
// event when its type allow-list matches (or is the "all" wildcard),
// the origin passes the node allow-list (empty admits all), and the
// origin is not on the deny-list.
//
// Pure function: no side effects, and the decision is made exactly once
// at admission time. Disabled destinations are absent from the result.
func Classify(evt telemetry.Event, registry *config.Registry) map[string]bool {
	decisions := make(map[string]bool)
	for _, dest := range registry.Enabled() {
		decisions[dest.Name] = dest.AllowsType(evt.Type) && dest.AllowsOrigin(evt.Origin)
	}
	return decisions
}

// Selected reduces a classification to the destination names that
// admitted the event.
func Selected(decisions map[string]bool) []string {
	names := make([]string, 0, len(decisions))
	for name, admit := range decisions {
		if admit {
			names = append(names, name)
		}
	}
	return names
}
