package types

// Tags of the messages exchanged between a primary and its own workers.
// They share the tag space of both listeners, so they start high.
const (
	OurBatchTag uint8 = 100 + iota
	OthersBatchTag
	SynchronizeTag
	CleanupTag
)

// OurBatch reports a batch sealed by our worker and acknowledged by a quorum.
type OurBatch struct {
	Digest   Digest
	WorkerID WorkerID
}

// OthersBatch reports a batch of another authority stored by our worker.
type OthersBatch struct {
	Digest   Digest
	WorkerID WorkerID
}

// Synchronize asks a worker to fetch batches from the same worker of Target.
type Synchronize struct {
	Digests []Digest
	Target  string
}

// Cleanup tells workers the consensus round so they can drop stale requests.
type Cleanup struct {
	Round uint64
}
