package metrics

import "time"

// NamespaceMetrics provides observability for the namespace engine.
//
// Every method takes the service name ("containers" or "files") so that a
// single instance can be shared by both services of a namespace.
//
// This interface is optional - if not provided to the namespace, operations
// proceed without metrics collection (zero overhead).
type NamespaceMetrics interface {
	// RecordAppend records a record appended to the backend.
	//
	// Parameters:
	//   - service: "containers" or "files"
	//   - recordType: Record type name (e.g., "UPDATE", "DELETE")
	//   - bytes: Payload size
	RecordAppend(service, recordType string, bytes int)

	// RecordBoot records the boot scan of a service.
	//
	// Parameters:
	//   - service: "containers" or "files"
	//   - duration: Time spent scanning and rebuilding the tree
	//   - warnings: Number of auto-repair warnings raised by the scan
	//   - diverted: Number of nodes moved to the recovery area
	RecordBoot(service string, duration time.Duration, warnings, diverted int)

	// RecordFollowerBatch records a batch committed by the replication follower.
	//
	// Parameters:
	//   - service: "containers" or "files"
	//   - updates: Number of applied updates
	//   - deletes: Number of applied deletions
	//   - deferred: Number of deletions or updates postponed to the next batch
	RecordFollowerBatch(service string, updates, deletes, deferred int)

	// RecordCompaction records a finished compaction attempt.
	//
	// Parameters:
	//   - service: "containers" or "files"
	//   - records: Number of live records copied
	//   - tail: Number of records caught up during commit
	//   - duration: Wall time of the whole compaction
	//   - err: Error if the compaction failed, nil if successful
	RecordCompaction(service string, records, tail int, duration time.Duration, err error)

	// SetLiveEntries updates the number of entries in the index.
	SetLiveEntries(service string, count int)
}

// noopNamespaceMetrics is a no-op implementation of NamespaceMetrics.
type noopNamespaceMetrics struct{}

// NewNoopNamespaceMetrics returns a NamespaceMetrics that records nothing.
func NewNoopNamespaceMetrics() NamespaceMetrics {
	return noopNamespaceMetrics{}
}

func (noopNamespaceMetrics) RecordAppend(service, recordType string, bytes int) {}
func (noopNamespaceMetrics) RecordBoot(service string, duration time.Duration, warnings, diverted int) {
}
func (noopNamespaceMetrics) RecordFollowerBatch(service string, updates, deletes, deferred int) {}
func (noopNamespaceMetrics) RecordCompaction(service string, records, tail int, duration time.Duration, err error) {
}
func (noopNamespaceMetrics) SetLiveEntries(service string, count int) {}
