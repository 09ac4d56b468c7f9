package serenity

// ShardStatus represents the lifecycle state of a single shard. Transitions
// are serialized by the shard's own goroutine; other goroutines only read
// snapshots.
type ShardStatus int32

const (
	ShardStatusDisconnected ShardStatus = iota
	ShardStatusConnecting
	ShardStatusAwaitingHello
	ShardStatusAuthenticating
	ShardStatusConnected
	ShardStatusReconnecting
	ShardStatusShutDown
)

func (status ShardStatus) String() string {
	return []string{
		"Disconnected",
		"Connecting",
		"AwaitingHello",
		"Authenticating",
		"Connected",
		"Reconnecting",
		"ShutDown",
	}[status]
}

// ManagerStatus represents the aggregate state of a manager.
type ManagerStatus int32

const (
	ManagerStatusIdle ManagerStatus = iota
	ManagerStatusFailed
	ManagerStatusStarting
	ManagerStatusConnecting
	ManagerStatusReady
	ManagerStatusStopping
	ManagerStatusStopped
)

func (status ManagerStatus) String() string {
	return []string{
		"Idle",
		"Failed",
		"Starting",
		"Connecting",
		"Ready",
		"Stopping",
		"Stopped",
	}[status]
}

// ShardStatusUpdate is included in status API responses.
type ShardStatusUpdate struct {
	Manager   string      `json:"manager"`
	ShardID   int32       `json:"shard_id"`
	Status    ShardStatus `json:"status"`
	LatencyMS int64       `json:"latency_ms"`
}
