// Package otel publishes authcore engine metrics through an OpenTelemetry
// Meter.
//
// [NewExporter] registers one observable counter per engine counter and one
// observable gauge for the verification latency histogram, with the bucket
// bound carried in the "le" attribute. A single callback reads the engine
// snapshot on each collection.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate engine state.
package otel
