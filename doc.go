// Package quakeflow correlates earthquake detection results from multiple
// machine-learning producers and fans the outcome out to live subscribers.
// It consumes waveform and per-producer detection topics from a message bus
// (NATS, Kafka, RabbitMQ, HTTP, or in-memory Go channels, selected via
// Config), bootstraps a Watermill router with the default middleware chain
// for correlation IDs, logging, tracing, metrics, retries, and panic
// recovery, and runs a single dispatch loop over every input topic.
//
// Detection records for the same event ID are gathered in a correlation
// cache until one record per configured producer has arrived. Completed
// groups are compared pairwise (agreement, confidence spread, disagreement
// set), persisted to PostgreSQL or SQLite, and broadcast as a combined
// envelope to streaming subscribers. Waveform messages are relayed directly
// with their sample payload capped. Incomplete groups are evicted after a
// configurable idle TTL.
//
// The HTTP surface serves Server-Sent Events streams for waveforms and
// detections plus a read-only history API over the persisted records:
// per-event detail, filtered listing, and comparison/recent statistics.
// A minimal setup fills Config (or calls FromEnv), opens a Store, creates
// a Service, and calls Start; see cmd/quakeflow for the reference binary.
package quakeflow
