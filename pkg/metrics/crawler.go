package metrics

// CrawlerMetrics provides observability for task processing and collection.
//
// Implementations must tolerate a nil receiver so that callers can hold the
// result of a constructor that returned nil with metrics disabled.
type CrawlerMetrics interface {
	// RecordTask records a settled task by kind ("backfill" or "schedule")
	// and disposition ("ack" or "nack").
	RecordTask(kind string, disposition string)

	// RecordDeadLetter records a task routed to the dead-letter subject.
	RecordDeadLetter(kind string)

	// RecordMessages adds to the count of messages emitted downstream.
	RecordMessages(count int)

	// RecordFloodWait records a rate-limit hit and the wait the platform
	// asked for.
	RecordFloodWait(seconds int)

	// RecordLeaseAcquire records a lease acquisition attempt outcome.
	RecordLeaseAcquire(acquired bool)
}
