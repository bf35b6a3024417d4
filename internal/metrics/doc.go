// Package metrics aggregates traffic statistics produced by concurrently running
// virtual users.
//
// # Collector
//
// The central [Collector] type receives one call per HTTP request and one call per
// task outcome:
//
//	collector := metrics.NewCollector()
//	collector.Start()
//
//	collector.UserStarted()
//	collector.RecordRequest("POST /posts/create/", latency, err)
//	collector.RecordTask("create", err)
//	collector.RecordSkip("update")
//
// # Snapshots
//
// [Collector.Snapshot] returns the live [TrafficStats] (active users, cumulative
// requests, windowed requests per second). It never takes a lock; fields are read
// independently so a snapshot may be slightly skewed between fields, but the
// cumulative request count never decreases between successive snapshots.
//
// [Collector.Stats] computes the end-of-run report including latency percentiles
// per request name and per-task outcome counters.
//
// # Thread Safety
//
// Global counters are atomics. Latency histograms are kept per request name, each
// behind its own mutex, so concurrent users recording different requests do not
// contend on a single lock.
package metrics
