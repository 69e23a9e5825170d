// Package streamflow is a convention-driven publish/subscribe layer over an
// append-only event stream store, built on Watermill.
//
// Producers publish typed messages without naming streams: the stream of a
// message is its event name, derived from the Go type (OrderPlaced becomes
// order.placed) unless a Resolver override or an EventName method says
// otherwise. Every event is stored with metadata recording when it was sent,
// by which client and under which event name.
//
// Consumers register typed handlers on a RegistryBuilder, one handler per
// event name. Service opens one catch-up subscription per registered name,
// replays everything after the stored checkpoint, follows the stream live and
// dispatches events one at a time per name. A checkpoint is written after
// every successful handler call, so a restart resumes where it left off.
// Delivery is at least once; handlers should be idempotent.
//
// # Storage engines
//
// The engine is selected by Config.StoreBackend and built from the store
// registry. Engines register themselves when imported:
//   - memory: in-process streams for tests and examples (always registered)
//   - nats-jetstream: one JetStream stream with a subject per event name and
//     KV checkpoints
//   - sqlite: embedded database with an events and a checkpoints table
//   - postgres: the same schema on PostgreSQL
//
// Import github.com/drblury/streamflow/store/stores to register all of them,
// or pass an Engine through ServiceDependencies.
//
// # Failures
//
// Config.FailurePolicy decides what happens when a handler fails: skip the
// event (default), retry and then skip, retry and then append it to a
// dead-letter stream, or block and redeliver it until it succeeds. Events that
// can never be handled, such as a corrupt envelope or an event name without a
// handler, are reported and dropped without moving the checkpoint.
//
// # Observability
//
// Service.Events reports connection lifecycle events, Service.Subscriptions
// and Service.StateChanges expose the subscription state machine
// (initializing, catching up, live, dropped), and the optional Prometheus
// metrics and web UI API publish the same data over HTTP. EventHooksMiddleware
// adds callbacks around every handler call.
package streamflow
