package serenity

import (
	"context"
	"time"

	"github.com/zeyla/serenity/discord"
)

type gatewayHandler func(ctx context.Context, s *Shard, payload *discord.GatewayPayload) error

var gatewayHandlers = map[discord.GatewayOp]gatewayHandler{}

func registerGatewayHandler(op discord.GatewayOp, handler gatewayHandler) {
	gatewayHandlers[op] = handler
}

func init() {
	registerGatewayHandler(discord.GatewayOpDispatch, gatewayOpDispatch)
	registerGatewayHandler(discord.GatewayOpHeartbeat, gatewayOpHeartbeat)
	registerGatewayHandler(discord.GatewayOpReconnect, gatewayOpReconnect)
	registerGatewayHandler(discord.GatewayOpInvalidSession, gatewayOpInvalidSession)
	registerGatewayHandler(discord.GatewayOpHello, gatewayOpHello)
	registerGatewayHandler(discord.GatewayOpHeartbeatACK, gatewayOpHeartbeatACK)
}

func (s *Shard) onEvent(ctx context.Context, payload *discord.GatewayPayload) error {
	handler, ok := gatewayHandlers[payload.Op]
	if !ok {
		s.Logger.Warn().
			Int("op", int(payload.Op)).
			Msg("Received unknown gateway op")

		return nil
	}

	return handler(ctx, s, payload)
}

func gatewayOpDispatch(ctx context.Context, s *Shard, payload *discord.GatewayPayload) error {
	trace := Trace{}
	trace.Set("receive", time.Now().UnixNano())

	// Sequence numbers only move forward, whatever order envelopes claim.
	if payload.Sequence > s.sequence.Load() {
		s.sequence.Store(payload.Sequence)
	}

	serenityDispatchEventCount.
		WithLabelValues(s.manager.identifier(), payload.Type).
		Inc()

	switch payload.Type {
	case "READY":
		s.onReady(payload)
	case "RESUMED":
		s.onResumed()
	}

	if containsString(s.manager.configuration.EventBlacklist, payload.Type) {
		return nil
	}

	if containsString(s.manager.configuration.ProduceBlacklist, payload.Type) {
		return nil
	}

	return s.publishDispatch(ctx, payload, trace)
}

func (s *Shard) onReady(payload *discord.GatewayPayload) {
	ready := discord.Ready{}

	err := json.Unmarshal(payload.Data, &ready)
	if err != nil {
		s.Logger.Error().Err(err).Msg("Failed to unmarshal ready")

		return
	}

	s.sessionID.Store(ready.SessionID)
	s.resumeGatewayURL.Store(ready.ResumeGatewayURL)
	s.resumeAttempts.Store(0)
	s.setUser(ready.User)

	s.Logger.Info().
		Str("user", ready.User.Username).
		Msg("Received READY")

	s.SetStatus(ShardStatusConnected)
	s.signalReady()
}

func (s *Shard) onResumed() {
	s.resumeAttempts.Store(0)

	s.Logger.Info().
		Int64("sequence", s.sequence.Load()).
		Msg("Session resumed")

	s.SetStatus(ShardStatusConnected)
	s.signalReady()
}

// publishDispatch forwards a dispatch envelope to the manager's producer.
// Publish failures are logged, never fatal to the connection.
func (s *Shard) publishDispatch(ctx context.Context, payload *discord.GatewayPayload, trace Trace) error {
	producer := s.manager.getProducer()
	if producer == nil {
		return nil
	}

	trace.Set("publish", time.Now().UnixNano())

	err := producer.Publish(ctx, s, ProducedPayload{
		GatewayPayload: *payload,
		Metadata: ProducedMetadata{
			Identifier:    s.manager.configuration.ProducerIdentifier,
			Application:   s.manager.identifier(),
			ApplicationID: s.User().ID,
			Shard:         [2]int32{s.ShardID, s.manager.shardCount()},
		},
		Trace: trace,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.Logger.Error().
			Err(err).
			Str("type", payload.Type).
			Msg("Failed to publish dispatch event")
	}

	return nil
}

// gatewayOpHeartbeat handles the gateway explicitly requesting a beat.
func gatewayOpHeartbeat(ctx context.Context, s *Shard, _ *discord.GatewayPayload) error {
	err := s.SendEvent(ctx, discord.GatewayOpHeartbeat, s.sequence.Load())
	if err != nil {
		return err
	}

	s.lastHeartbeatSent.Store(time.Now().UTC())

	return nil
}

func gatewayOpReconnect(_ context.Context, s *Shard, _ *discord.GatewayPayload) error {
	s.Logger.Info().Msg("Gateway requested reconnect")

	return errReconnectRequested
}

func gatewayOpInvalidSession(_ context.Context, s *Shard, payload *discord.GatewayPayload) error {
	resumable := false
	_ = json.Unmarshal(payload.Data, &resumable)

	if !resumable {
		s.clearSession()
	}

	s.Logger.Warn().
		Bool("resumable", resumable).
		Msg("Gateway invalidated session")

	return errSessionInvalidated
}

// gatewayOpHello covers a hello arriving outside the handshake, which the
// handshake path has already consumed. Nothing to do beyond noting it.
func gatewayOpHello(_ context.Context, s *Shard, _ *discord.GatewayPayload) error {
	s.Logger.Warn().Msg("Received unexpected hello")

	return nil
}

func gatewayOpHeartbeatACK(_ context.Context, s *Shard, _ *discord.GatewayPayload) error {
	s.onHeartbeatACK()

	return nil
}
