// Package util provides small building blocks shared by the lock manager,
// the protocol server and the simulator.
//
// The package contains:
//   - queue: an unbounded Multi-Producer Single-Consumer (MPSC) FIFO queue that
//     decouples the lock manager (which must never block while holding a
//     per-lock exclusion) from slow event consumers
//   - statistics: summary statistics (mean, standard deviation, min, max and
//     percentiles) used to report simulation latencies
package util
