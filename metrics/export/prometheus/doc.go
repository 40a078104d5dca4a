// Package prometheus renders authcore engine metrics in the Prometheus text
// exposition format.
//
// Mount [Exporter.Handler] on a scrape route. Counters are named
// authcore_*_total and the one histogram is authcore_verify_latency_seconds.
//
// # What this package must NOT do
//
//   - Register anything in a global registry.
//   - Mutate engine state.
package prometheus
