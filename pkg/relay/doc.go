// Package relay wires the delivery engine together: the destination
// registry, the persistent delivery queue, per-destination health and
// dispatch schedulers, the discovery route cache, and the priority
// monitor, all running under one task supervisor.
//
// The Engine is the single entry point. Raw sensor frames enter
// through Ingest, which normalizes, classifies, and admits them; the
// background schedulers deliver independently per destination; Stop
// drains every loop before the store is closed.
//
// Basic usage:
//
//	cfg, err := config.FromFile("agent.yaml")
//	engine, err := relay.FromConfig(cfg, relay.WithLogger(logger))
//	if err != nil { ... }
//	if err := engine.Start(ctx); err != nil { ... }
//	defer engine.Stop(5 * time.Second)
//
//	destinations, err := engine.Ingest(ctx, frame)
package relay
