package serenity

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/zeyla/serenity/discord"
)

// heartbeat emits heartbeats for the life of one connection. The first beat
// fires after a random fraction of the interval so shards that connected
// together do not beat together. Exits when ctx is cancelled, which happens
// atomically with the connection being torn down.
func (s *Shard) heartbeat(ctx context.Context) {
	interval := s.heartbeatInterval.Load()

	timer := time.NewTimer(time.Duration(rand.Int63n(int64(interval))))
	defer timer.Stop()

	missed := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		timer.Reset(interval)

		// An ack older than the last send means the previous cycle went
		// unacknowledged.
		if s.lastHeartbeatAck.Load().Before(s.lastHeartbeatSent.Load()) {
			missed++
		} else {
			missed = 0
		}

		if missed >= MaxHeartbeatFailures {
			s.Logger.Warn().
				Int("missed", missed).
				Dur("interval", interval).
				Msg("Gateway stopped acking heartbeats")

			s.cancel(fmt.Errorf("%w: %d unacknowledged heartbeats", ErrShardZombie, missed))

			return
		}

		err := s.SendEvent(ctx, discord.GatewayOpHeartbeat, s.sequence.Load())
		if err != nil {
			if ctx.Err() == nil {
				s.Logger.Error().Err(err).Msg("Failed to send heartbeat")
				s.cancel(fmt.Errorf("failed to send heartbeat: %w", err))
			}

			return
		}

		s.lastHeartbeatSent.Store(time.Now().UTC())
	}
}

// onHeartbeatACK records the ack and derives gateway latency from the round
// trip.
func (s *Shard) onHeartbeatACK() {
	now := time.Now().UTC()

	s.lastHeartbeatAck.Store(now)

	latency := now.Sub(s.lastHeartbeatSent.Load()).Milliseconds()
	s.gatewayLatency.Store(latency)

	serenityGatewayLatency.
		WithLabelValues(s.manager.identifier(), s.shardLabel()).
		Set(float64(latency))
}
