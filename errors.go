package serenity

import "errors"

var (
	ErrManagerMissingIdentifier = errors.New("manager missing identifier")
	ErrManagerMissingBotToken   = errors.New("manager missing bot token")
	ErrManagerMissingShards     = errors.New("manager missing shards")

	// ErrInvalidShardCount is returned when the configured shard count cannot
	// be satisfied by the gateway's session start limit.
	ErrInvalidShardCount = errors.New("invalid shard count for session start limit")

	ErrShardConnectFailed            = errors.New("shard connect failed")
	ErrShardInvalidHeartbeatInterval = errors.New("shard invalid heartbeat interval")

	// ErrShardZombie is raised when the gateway stops acknowledging heartbeats
	// on a transport that still appears open.
	ErrShardZombie = errors.New("shard stopped receiving heartbeat acks")

	// ErrAuthenticationRejected is returned when the gateway closes the
	// connection with an authentication failure. It is never retried.
	ErrAuthenticationRejected = errors.New("gateway rejected authentication")

	// ErrMalformedFrame and ErrDecompressionFailure are connection fatal:
	// the transport is reconnected, they are never surfaced as application errors.
	ErrMalformedFrame       = errors.New("failed to decode gateway frame")
	ErrDecompressionFailure = errors.New("failed to decompress gateway frame")

	ErrProducerMissing = errors.New("no producer with this name exists")

	ErrReadConfigurationFailure = errors.New("failed to read configuration")
	ErrLoadConfigurationFailure = errors.New("failed to load configuration")
)

// Control errors steering the shard run loop. Never surfaced to the application.
var (
	// errReconnectRequested is raised when the gateway asks the shard to
	// disconnect and resume on a fresh connection.
	errReconnectRequested = errors.New("gateway requested reconnect")

	// errSessionInvalidated is raised when the gateway declares the current
	// session invalid. The raiser clears the session first when the payload
	// marks it non resumable.
	errSessionInvalidated = errors.New("gateway invalidated session")
)
