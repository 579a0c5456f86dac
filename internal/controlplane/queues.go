package controlplane

// Queue names C10 enqueues onto (§4.3/§5): one queue per workflow, matching
// the name a worker dispatcher keys its dispatch switch on. Exported so
// cmd/worker.go's dispatcher shares these literals instead of re-declaring
// them; mirrors configreconciler's QueueSync/QueueConfig constants for the
// routes that package doesn't already own.
const (
	QueueSync     = "sync"
	QueueSnapshot = "snapshot"
	QueueRemoval  = "removal"
)
