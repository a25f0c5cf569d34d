// Package lockstats implements the lock statistics manager.
//
// The lock manager reports every state transition of a lock (request, award,
// release, recall, withdrawal, pending queue changes) to a Manager. The
// Manager keeps per-lock counters and histograms (github.com/rcrowley/go-metrics)
// and process-wide totals that can be exported in the Prometheus text format
// (github.com/VictoriaMetrics/metrics).
//
// Statistics are purely observational: the recorder hooks never fail, never
// block on I/O and never influence a grant decision. Collection can be toggled
// at runtime with SetLockStatisticsEnabled. While disabled every hook is a
// no-op and the counters stay frozen; re-enabling resumes from the frozen
// values. Reset discards everything and is called when the lock manager is
// (re)started.
//
// Per-lock values:
//   - Requests: number of lock requests (including try-locks)
//   - Releases: number of released holds
//   - Pending: current length of the pending queue
//   - Hops: number of recalls sent to greedy lease holders
//   - Withdrawn: pending requests given up (try-lock timeout, node disconnect)
//   - AvgHeldTime / AvgWaitTime: average time between award and release, and
//     between request and award
//   - AvgNestedDepth: average number of other locks the requester held at the
//     time of the award
package lockstats
