/*
Package config provides configuration loading for the delivery engine:
a type-safe map accessor, YAML/JSON file loading, and parsing into the
destination registry and engine settings.

# Overview

Config wraps a map[string]any and provides typed accessor methods that
handle missing keys and type mismatches gracefully by returning default
values. On top of that, ParseEngine and ParseDestinations turn a loaded
document into the typed EngineConfig and DestinationConfig records the
engine consumes.

# File Layout

A configuration document has an "agent" section and a "destinations"
section with one entry per remote endpoint:

	agent:
	  id: agent-001
	  location_name: Rooftop
	  priority_nodes: "!a1b2c3d4,!deadbeef"
	  priority_check_interval: 300
	  priority_cache_duration: 12

	destinations:
	  primary:
	    url: http://localhost:8082
	    api_key: primary-key
	    report_interval: 30
	  analytics:
	    url: http://analytics.example.com:8083
	    api_key: analytics-key
	    report_interval: 300
	    packet_types: position,telemetry
	    max_retries: 2

List-valued options (packet_types, filter_nodes, exclude_nodes,
priority_nodes) accept either a YAML list or a comma-separated string.
Interval options accept whole seconds or duration strings ("30s");
cache duration options accept whole hours.

# Registry

NewRegistry wraps the destination map for concurrent readers. A config
reload builds a fresh map and calls Replace, which swaps the whole map
atomically; destination records are never mutated in place.

# Thread Safety

Config is safe for concurrent read access. Registry is safe for
concurrent use.
*/
package config
