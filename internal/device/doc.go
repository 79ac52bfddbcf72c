// Package device defines the transport-facing abstractions used by the
// acquisition pipeline.
//
// This package provides:
//   - Transport and Client interfaces for connecting, subscribing, reading and closing
//   - ScanningDevice and Advertisement interfaces for discovery
//   - Structured connection errors and normalization of transport error messages
//   - Canonicalization helpers for peripheral addresses and characteristic UUIDs
//
// The go-ble backed implementation lives in the go-ble subpackage.
package device
