// Package consumer holds the downstream record consumers fed by the fanout
// distributor: CSV and SQLite persistence, throughput and index-continuity
// diagnostics, Prometheus metrics and a NATS publisher.
//
// Every consumer reads its inbox until the distributor closes it, so Run
// returns only after all buffered records have been handled.
package consumer
