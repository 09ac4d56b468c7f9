package serenity

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/zeyla/serenity/discord"
	"github.com/zeyla/serenity/pkg/syncmap"
	"go.uber.org/atomic"
)

// ManagerOptions configures a Manager. Configuration is required; nil
// providers fall back to in-process defaults.
type ManagerOptions struct {
	Logger        zerolog.Logger
	Configuration *ManagerConfiguration

	GatewayProvider  GatewayProvider
	IdentifyProvider IdentifyProvider
	ProducerProvider ProducerProvider

	// FatalHandler is called when a shard fails permanently. Other shards
	// keep running.
	FatalHandler func(shard *Shard, err error)
}

// Manager owns the shard set of one application.
type Manager struct {
	Logger zerolog.Logger

	configuration *ManagerConfiguration
	clientName    string

	gatewayProvider  GatewayProvider
	identifyProvider IdentifyProvider
	producerProvider ProducerProvider
	fatalHandler     func(shard *Shard, err error)

	producerMu sync.RWMutex
	producer   Producer

	status *atomic.Int32

	gatewayMu       sync.RWMutex
	gatewayBot      *discord.GatewayBotResponse
	shardCountV     int32
	maxConcurrencyV int32

	Shards *syncmap.Map[int32, *Shard]

	wg sync.WaitGroup

	cancelMu sync.Mutex
	runCtx   context.Context
	cancel   context.CancelFunc

	shutdownOnce sync.Once
}

func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Configuration == nil {
		return nil, ErrManagerMissingIdentifier
	}

	if err := options.Configuration.Validate(); err != nil {
		return nil, err
	}

	manager := &Manager{
		Logger: options.Logger.With().
			Str("manager", options.Configuration.ApplicationIdentifier).
			Logger(),

		configuration: options.Configuration,
		clientName:    options.Configuration.ClientName,

		gatewayProvider:  options.GatewayProvider,
		identifyProvider: options.IdentifyProvider,
		producerProvider: options.ProducerProvider,
		fatalHandler:     options.FatalHandler,

		status: atomic.NewInt32(int32(ManagerStatusIdle)),

		Shards: &syncmap.Map[int32, *Shard]{},
	}

	if manager.configuration.IncludeRandomSuffix {
		manager.clientName += "-" + randomHex(3)
	}

	if manager.gatewayProvider == nil {
		manager.gatewayProvider = NewClient()
	}

	if manager.identifyProvider == nil {
		manager.identifyProvider = NewIdentifyViaBuckets()
	}

	if manager.fatalHandler == nil {
		manager.fatalHandler = func(shard *Shard, err error) {
			shard.Logger.Error().Err(err).Msg("Shard reported fatal error")
		}
	}

	return manager, nil
}

// Initialize fetches gateway connection details and validates the configured
// shard count against the bot's session start limit.
func (m *Manager) Initialize(ctx context.Context) error {
	gatewayBot, err := m.gatewayProvider.FetchGatewayBot(ctx, m.configuration.BotToken)
	if err != nil {
		m.SetStatus(ManagerStatusFailed)

		return fmt.Errorf("failed to fetch gateway details: %w", err)
	}

	shardCount := m.configuration.ShardCount
	if m.configuration.AutoSharded || shardCount < 1 {
		shardCount = gatewayBot.Shards
	}

	if gatewayBot.SessionStartLimit.Remaining < shardCount {
		m.SetStatus(ManagerStatusFailed)

		return fmt.Errorf(
			"%w: %d shards but only %d session starts remaining",
			ErrInvalidShardCount,
			shardCount,
			gatewayBot.SessionStartLimit.Remaining,
		)
	}

	maxConcurrency := gatewayBot.SessionStartLimit.MaxConcurrency
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	m.gatewayMu.Lock()
	m.gatewayBot = gatewayBot
	m.shardCountV = shardCount
	m.maxConcurrencyV = maxConcurrency
	m.gatewayMu.Unlock()

	if m.producerProvider != nil {
		producer, err := m.producerProvider.GetProducer(ctx, m.identifier(), m.clientName)
		if err != nil {
			m.SetStatus(ManagerStatusFailed)

			return fmt.Errorf("failed to create producer: %w", err)
		}

		m.producerMu.Lock()
		m.producer = producer
		m.producerMu.Unlock()
	}

	m.Logger.Info().
		Int32("shard_count", shardCount).
		Int32("max_concurrency", maxConcurrency).
		Msg("Manager initialized")

	return nil
}

// Start spawns every configured shard. Shards are started in ascending order
// so identify buckets fill in admission order; the identify gate serialises
// the actual handshakes.
func (m *Manager) Start(ctx context.Context) error {
	if m.shardCount() == 0 {
		if err := m.Initialize(ctx); err != nil {
			return err
		}
	}

	shardIDs := m.shardIDs()
	if len(shardIDs) == 0 {
		m.SetStatus(ManagerStatusFailed)

		return ErrManagerMissingShards
	}

	m.SetStatus(ManagerStatusStarting)

	managerCtx, cancel := context.WithCancel(ctx)

	m.cancelMu.Lock()
	m.runCtx = managerCtx
	m.cancel = cancel
	m.cancelMu.Unlock()

	m.SetStatus(ManagerStatusConnecting)

	for _, shardID := range shardIDs {
		m.startShard(managerCtx, shardID)
	}

	go func() {
		if err := m.WaitForReady(managerCtx); err == nil {
			m.SetStatus(ManagerStatusReady)
		}
	}()

	return nil
}

func (m *Manager) startShard(ctx context.Context, shardID int32) {
	shard := newShard(m, shardID)

	shardCtx, cancel := context.WithCancel(ctx)
	shard.runCancel = cancel

	m.Shards.Store(shardID, shard)

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer close(shard.done)
		defer cancel()

		err := shard.Run(shardCtx)
		if err != nil {
			m.fatalHandler(shard, err)
		}
	}()
}

// Restart tears one shard down, waits for its runner to exit and starts a
// replacement. Other shards are unaffected.
func (m *Manager) Restart(ctx context.Context, shardID int32) error {
	shard, ok := m.Shards.Load(shardID)
	if !ok {
		return fmt.Errorf("%w: shard %d", ErrManagerMissingShards, shardID)
	}

	shard.runCancel()

	select {
	case <-shard.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.cancelMu.Lock()
	runCtx := m.runCtx
	m.cancelMu.Unlock()

	if runCtx == nil {
		return fmt.Errorf("%w: manager not started", ErrManagerMissingShards)
	}

	m.startShard(runCtx, shardID)

	return nil
}

// WaitForReady blocks until every shard has seen Ready at least once.
func (m *Manager) WaitForReady(ctx context.Context) error {
	shards := make([]*Shard, 0, m.Shards.Count())

	m.Shards.Range(func(_ int32, shard *Shard) bool {
		shards = append(shards, shard)

		return true
	})

	for _, shard := range shards {
		select {
		case <-shard.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Shutdown stops every shard and waits for the runners to exit, or until ctx
// expires. Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error

	m.shutdownOnce.Do(func() {
		m.SetStatus(ManagerStatusStopping)

		m.cancelMu.Lock()
		cancel := m.cancel
		m.cancelMu.Unlock()

		if cancel != nil {
			cancel()
		}

		done := make(chan struct{})

		go func() {
			m.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()

			m.Logger.Warn().Err(err).Msg("Gave up waiting for shards to stop")
		}

		m.producerMu.Lock()
		producer := m.producer
		m.producer = nil
		m.producerMu.Unlock()

		if producer != nil {
			if closeErr := producer.Close(); closeErr != nil {
				m.Logger.Error().Err(closeErr).Msg("Failed to close producer")
			}
		}

		m.SetStatus(ManagerStatusStopped)
	})

	return err
}

// ShardCount returns the total shard count the application identifies with.
func (m *Manager) ShardCount() int32 {
	return m.shardCount()
}

// Status returns the status of one shard.
func (m *Manager) Status(shardID int32) (ShardStatus, error) {
	shard, ok := m.Shards.Load(shardID)
	if !ok {
		return ShardStatusDisconnected, fmt.Errorf("%w: shard %d", ErrManagerMissingShards, shardID)
	}

	return shard.GetStatus(), nil
}

// StatusUpdates snapshots every shard for the status API.
func (m *Manager) StatusUpdates() []ShardStatusUpdate {
	updates := make([]ShardStatusUpdate, 0, m.Shards.Count())

	m.Shards.Range(func(_ int32, shard *Shard) bool {
		updates = append(updates, shard.StatusUpdate())

		return true
	})

	return updates
}

func (m *Manager) GetStatus() ManagerStatus {
	return ManagerStatus(m.status.Load())
}

func (m *Manager) SetStatus(status ManagerStatus) {
	m.status.Store(int32(status))

	m.Logger.Debug().Str("status", status.String()).Msg("Manager status changed")
}

func (m *Manager) identifier() string {
	return m.configuration.ApplicationIdentifier
}

func (m *Manager) shardCount() int32 {
	m.gatewayMu.RLock()
	defer m.gatewayMu.RUnlock()

	return m.shardCountV
}

func (m *Manager) maxConcurrency() int32 {
	m.gatewayMu.RLock()
	defer m.gatewayMu.RUnlock()

	return m.maxConcurrencyV
}

func (m *Manager) gatewayURL() string {
	m.gatewayMu.RLock()
	defer m.gatewayMu.RUnlock()

	if m.gatewayBot == nil {
		return ""
	}

	return m.gatewayBot.URL
}

func (m *Manager) getProducer() Producer {
	m.producerMu.RLock()
	defer m.producerMu.RUnlock()

	return m.producer
}

// shardIDs resolves the configured shard subset, defaulting to every shard.
func (m *Manager) shardIDs() []int32 {
	shardCount := m.shardCount()

	if m.configuration.ShardIDs != "" {
		return returnRangeInt32(m.configuration.ShardIDs, shardCount)
	}

	shardIDs := make([]int32, 0, shardCount)
	for i := int32(0); i < shardCount; i++ {
		shardIDs = append(shardIDs, i)
	}

	return shardIDs
}
