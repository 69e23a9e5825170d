/*
Package runtime implements the streamflow engine on top of Watermill.

# Flow

A Publisher resolves the event name of a message, encodes the metadata and
payload separately and appends both to the stream of that name.

The SubscriptionManager is the Watermill subscriber of the Service router.
For each event name it reads the checkpoint, opens a catch-up subscription on
the store and hands events to the router one at a time, waiting for the ack
before sending the next one. It tracks the state of every subscription and,
when configured, reopens dropped subscriptions with exponential backoff.

The Dispatcher is the router handler. It decodes the envelope, looks up the
registered handler by event name, invokes it and writes the checkpoint after
a success. Handler errors travel up the middleware chain, where the failure
policy decides whether the event is skipped, retried, dead-lettered or
redelivered.

# Files

  - service.go: the Host Loop (connect, subscribe, run, close)
  - registration.go: RegistryBuilder and the immutable Registry
  - publisher.go: Publisher and the dead-letter publisher
  - subscription.go: SubscriptionManager and its state machine
  - dispatcher.go: Dispatcher and checkpointing
  - middleware.go: failure policies, logging, tracing, metrics, recovery
  - hooks.go: EventHooks around handler calls
  - models.go: per-handler statistics
  - metrics.go: Prometheus subscription metrics
  - webui.go: read-only JSON API
*/
package runtime
