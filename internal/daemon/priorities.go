package daemon

// Shutdown priorities. Workers with a higher priority are stopped first, so
// the stores outlive everything that writes to them.
const (
	PriorityCloseStore = iota
	PriorityCloseRedis
	PriorityMasterKeys
	PriorityAudit
	PriorityKeyringGC
	PriorityLockSweeper
	PriorityIdempotencySweeper
	PriorityRevocationSweeper
	PriorityPrometheus
)
