package serenity

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeyla/serenity/discord"
	"github.com/zeyla/serenity/pkg/limiter"
	"go.uber.org/atomic"
	"nhooyr.io/websocket"
)

const (
	WebsocketReadLimit = 512 << 20

	// WebsocketSendLimit is the gateway's payload budget per connection.
	// Heartbeats are exempt so a backed up send queue can never zombie us.
	WebsocketSendLimit = 110

	// MaxHeartbeatFailures is how many full heartbeat cycles may pass without
	// an ack before the connection is declared a zombie.
	MaxHeartbeatFailures = 1

	// MaxResumeAttempts bounds consecutive resume attempts before the session
	// is discarded and the shard identifies fresh.
	MaxResumeAttempts = 3

	// ShardConnectRetries bounds consecutive connection attempts that never
	// reach Connected before the shard fails permanently.
	ShardConnectRetries = 5

	MinReconnectWait = 1 * time.Second
	MaxReconnectWait = 60 * time.Second

	// FirstEventTimeout is how long we wait for Hello on a new connection.
	FirstEventTimeout = 5 * time.Second

	GatewayLargeThreshold = 100
)

// GatewayURLQuery is appended to every gateway URL we dial.
const GatewayURLQuery = "v=10&encoding=json"

type closePolicy int

const (
	// closeResume preserves the session and resumes on the next connection.
	closeResume closePolicy = iota
	// closeIdentify discards the session and identifies fresh.
	closeIdentify
	// closeFatal shuts the shard down permanently.
	closeFatal
)

// closePolicies maps gateway close codes to reconnect behaviour. Codes not
// listed are treated as resumable, matching the gateway's advice for unknown
// errors.
var closePolicies = map[websocket.StatusCode]closePolicy{
	websocket.StatusNormalClosure: closeIdentify,
	websocket.StatusGoingAway:     closeIdentify,

	discord.CloseUnknownError:         closeResume,
	discord.CloseUnknownOpCode:        closeResume,
	discord.CloseDecodeError:          closeResume,
	discord.CloseNotAuthenticated:     closeIdentify,
	discord.CloseAuthenticationFailed: closeFatal,
	discord.CloseAlreadyAuthenticated: closeResume,
	discord.CloseInvalidSeq:           closeIdentify,
	discord.CloseRateLimited:          closeResume,
	discord.CloseSessionTimeout:       closeIdentify,
	discord.CloseInvalidShard:         closeFatal,
	discord.CloseShardingRequired:     closeFatal,
	discord.CloseInvalidAPIVersion:    closeFatal,
	discord.CloseInvalidIntents:       closeFatal,
	discord.CloseDisallowedIntents:    closeFatal,
}

func policyForClose(code websocket.StatusCode) closePolicy {
	if policy, ok := closePolicies[code]; ok {
		return policy
	}

	return closeResume
}

// Shard represents a single gateway connection and its session. All fields
// that cross goroutines are atomics; everything else is owned by the shard's
// Run goroutine.
type Shard struct {
	ShardID int32
	Logger  zerolog.Logger

	manager *Manager

	// ctx spans one connection. cancel carries the reason the connection was
	// torn down, read back through context.Cause.
	ctx    context.Context
	cancel context.CancelCauseFunc

	wsConn *websocket.Conn
	wsMu   sync.Mutex

	decoder     *payloadDecoder
	sendLimiter *limiter.DurationLimiter

	status *atomic.Int32

	sequence         *atomic.Int64
	sessionID        *atomic.String
	resumeGatewayURL *atomic.String
	resumeAttempts   *atomic.Int32

	heartbeatInterval *atomic.Duration
	lastHeartbeatSent *atomic.Time
	lastHeartbeatAck  *atomic.Time
	gatewayLatency    *atomic.Int64

	userMu sync.RWMutex
	user   discord.User

	ready     chan struct{}
	readyOnce sync.Once

	// runCancel and done are managed by the manager so it can restart the
	// shard independently of the others.
	runCancel context.CancelFunc
	done      chan struct{}
}

func newShard(manager *Manager, shardID int32) *Shard {
	return &Shard{
		ShardID: shardID,
		Logger:  manager.Logger.With().Int32("shard_id", shardID).Logger(),

		manager: manager,

		sendLimiter: limiter.NewDurationLimiter(WebsocketSendLimit, time.Minute),

		status: atomic.NewInt32(int32(ShardStatusDisconnected)),

		sequence:         atomic.NewInt64(0),
		sessionID:        atomic.NewString(""),
		resumeGatewayURL: atomic.NewString(""),
		resumeAttempts:   atomic.NewInt32(0),

		heartbeatInterval: atomic.NewDuration(0),
		lastHeartbeatSent: atomic.NewTime(time.Time{}),
		lastHeartbeatAck:  atomic.NewTime(time.Time{}),
		gatewayLatency:    atomic.NewInt64(0),

		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Run connects the shard and keeps it connected until ctx is cancelled or a
// permanent failure occurs. Recoverable disconnects are retried with
// exponential backoff; reaching Connected resets the retry budget.
func (s *Shard) Run(ctx context.Context) error {
	retriesRemaining := int32(ShardConnectRetries)
	wait := MinReconnectWait

	for {
		connected, err := s.runOnce(ctx)

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			s.SetStatus(ShardStatusShutDown)

			return nil
		}

		if connected {
			retriesRemaining = ShardConnectRetries
			wait = MinReconnectWait
		}

		if err != nil && isFatalError(err) {
			s.Logger.Error().Err(err).Msg("Shard failed permanently")
			s.SetStatus(ShardStatusShutDown)

			return err
		}

		if !connected {
			retriesRemaining--
			if retriesRemaining <= 0 {
				s.SetStatus(ShardStatusShutDown)

				return fmt.Errorf("%w: %v", ErrShardConnectFailed, err)
			}
		}

		s.Logger.Info().Err(err).Dur("wait", wait).Msg("Shard reconnecting")
		s.SetStatus(ShardStatusReconnecting)
		serenityReconnectCount.WithLabelValues(s.manager.identifier(), s.shardLabel()).Inc()

		// Full jitter on the backoff so shards that died together do not
		// reconnect together.
		jittered := MinReconnectWait + time.Duration(rand.Int63n(int64(wait)))

		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			s.SetStatus(ShardStatusShutDown)

			return nil
		}

		wait *= 2
		if wait > MaxReconnectWait {
			wait = MaxReconnectWait
		}
	}
}

// runOnce performs a single connection lifecycle: dial, hello, authenticate,
// listen. connected reports whether the session reached Connected, which
// resets the caller's retry budget.
func (s *Shard) runOnce(ctx context.Context) (connected bool, err error) {
	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.ctx = connCtx
	s.cancel = cancel

	s.SetStatus(ShardStatusConnecting)

	willResume := s.hasSession()

	gatewayURL := s.manager.gatewayURL()
	if willResume {
		gatewayURL = replaceIfEmpty(s.resumeGatewayURL.Load(), gatewayURL)
	}

	gatewayURL += "?" + GatewayURLQuery
	if s.manager.configuration.TransportCompression {
		gatewayURL += "&compress=zlib-stream"
	}

	// The decoder owns the connection's decompression context and must not
	// outlive the connection.
	s.decoder = newPayloadDecoder(s.manager.configuration.TransportCompression)
	s.sendLimiter.Reset()

	s.Logger.Debug().Str("url", gatewayURL).Bool("resume", willResume).Msg("Dialing gateway")

	conn, _, err := websocket.Dial(connCtx, gatewayURL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial gateway: %w", err)
	}

	conn.SetReadLimit(WebsocketReadLimit)
	s.setConn(conn)

	// Closing with 1000 or 1001 tells the gateway to invalidate the session,
	// which would defeat any resume on the next connection.
	defer s.closeWS(websocket.StatusServiceRestart)

	s.SetStatus(ShardStatusAwaitingHello)

	err = s.awaitHello(connCtx)
	if err != nil {
		return false, err
	}

	go s.heartbeat(connCtx)

	s.SetStatus(ShardStatusAuthenticating)

	err = s.authenticate(connCtx)
	if err != nil {
		return false, fmt.Errorf("failed to authenticate: %w", err)
	}

	err = s.listen(connCtx)

	connected = s.GetStatus() == ShardStatusConnected

	return connected, s.classifyDisconnect(connCtx, err)
}

// awaitHello reads the Hello envelope and arms the heartbeat state.
func (s *Shard) awaitHello(ctx context.Context) error {
	helloCtx, cancel := context.WithTimeout(ctx, FirstEventTimeout)
	defer cancel()

	payload, err := s.readPayload(helloCtx)
	if err != nil {
		return fmt.Errorf("did not receive hello in time: %w", err)
	}

	if payload.Op != discord.GatewayOpHello {
		return fmt.Errorf("expected hello, received op %d", payload.Op)
	}

	hello := discord.Hello{}

	err = json.Unmarshal(payload.Data, &hello)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if hello.HeartbeatInterval <= 0 {
		return ErrShardInvalidHeartbeatInterval
	}

	now := time.Now().UTC()

	s.heartbeatInterval.Store(time.Duration(hello.HeartbeatInterval) * time.Millisecond)
	s.lastHeartbeatSent.Store(now)
	s.lastHeartbeatAck.Store(now)

	return nil
}

// authenticate resumes when a valid session is held, identifying fresh
// otherwise. A fresh identify waits on the admission gate first.
func (s *Shard) authenticate(ctx context.Context) error {
	if s.hasSession() {
		if s.resumeAttempts.Load() < MaxResumeAttempts {
			s.resumeAttempts.Inc()

			s.Logger.Info().
				Int64("sequence", s.sequence.Load()).
				Msg("Resuming session")

			return s.SendEvent(ctx, discord.GatewayOpResume, discord.Resume{
				Token:     s.manager.configuration.BotToken,
				SessionID: s.sessionID.Load(),
				Sequence:  s.sequence.Load(),
			})
		}

		s.Logger.Warn().
			Int32("attempts", s.resumeAttempts.Load()).
			Msg("Exhausted resume attempts, discarding session")
		s.clearSession()
	}

	err := s.manager.identifyProvider.Identify(ctx, s)
	if err != nil {
		return fmt.Errorf("failed to wait for identify slot: %w", err)
	}

	return s.SendEvent(ctx, discord.GatewayOpIdentify, discord.Identify{
		Token: s.manager.configuration.BotToken,
		Properties: discord.IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "serenity",
			Device:  "serenity",
		},
		Shard:          [2]int32{s.ShardID, s.manager.shardCount()},
		LargeThreshold: GatewayLargeThreshold,
		Intents:        s.manager.configuration.Intents,
		Compress:       !s.manager.configuration.TransportCompression,
	})
}

// listen decodes and dispatches inbound payloads until the connection dies or
// a handler requests teardown.
func (s *Shard) listen(ctx context.Context) error {
	for {
		payload, err := s.readPayload(ctx)
		if err != nil {
			return err
		}

		err = s.onEvent(ctx, payload)
		if err != nil {
			return err
		}
	}
}

// readPayload reads websocket messages until one completes a gateway payload.
// Partial chunks of a compressed transport stream decode to nothing.
func (s *Shard) readPayload(ctx context.Context) (*discord.GatewayPayload, error) {
	conn := s.conn()
	if conn == nil {
		return nil, errors.New("no gateway connection")
	}

	for {
		messageType, data, err := conn.Read(ctx)
		if err != nil {
			return nil, err
		}

		payload, err := s.decoder.Decode(messageType, data)
		if err != nil {
			return nil, err
		}

		if payload == nil {
			continue
		}

		serenityEventCount.WithLabelValues(s.manager.identifier()).Inc()

		return payload, nil
	}
}

// classifyDisconnect turns a listen error into the action Run should take:
// nil session state changes for resumable errors, cleared session for
// non-resumable ones, a fatal error for the rest.
func (s *Shard) classifyDisconnect(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	// The heartbeater and handlers tear the connection down through the
	// connection context; its cause is the real reason the read failed.
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}

	switch {
	case errors.Is(err, ErrShardZombie):
		s.Logger.Warn().Msg("Shard heartbeats were not acknowledged")

		return err
	case errors.Is(err, errReconnectRequested),
		errors.Is(err, errSessionInvalidated),
		errors.Is(err, ErrMalformedFrame),
		errors.Is(err, ErrDecompressionFailure):
		return err
	}

	closeError := websocket.CloseError{}
	if errors.As(err, &closeError) {
		switch policyForClose(closeError.Code) {
		case closeFatal:
			if closeError.Code == discord.CloseAuthenticationFailed {
				return fmt.Errorf("%w: %v", ErrAuthenticationRejected, err)
			}

			return fmt.Errorf("gateway refused connection: %w", err)
		case closeIdentify:
			s.clearSession()
		}

		return err
	}

	return err
}

func isFatalError(err error) bool {
	if errors.Is(err, ErrAuthenticationRejected) {
		return true
	}

	closeError := websocket.CloseError{}
	if errors.As(err, &closeError) {
		return policyForClose(closeError.Code) == closeFatal
	}

	return false
}

// SendEvent encodes and sends a payload, honouring the connection's send
// budget. Heartbeats bypass the budget.
func (s *Shard) SendEvent(ctx context.Context, op discord.GatewayOp, data any) error {
	frame, err := encodePayload(op, data)
	if err != nil {
		return err
	}

	if op != discord.GatewayOpHeartbeat {
		err = s.sendLimiter.Lock(ctx)
		if err != nil {
			return err
		}
	}

	conn := s.conn()
	if conn == nil {
		return errors.New("no gateway connection")
	}

	return conn.Write(ctx, websocket.MessageText, frame)
}

func (s *Shard) setConn(conn *websocket.Conn) {
	s.wsMu.Lock()
	s.wsConn = conn
	s.wsMu.Unlock()
}

func (s *Shard) conn() *websocket.Conn {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()

	return s.wsConn
}

func (s *Shard) closeWS(code websocket.StatusCode) {
	s.wsMu.Lock()
	conn := s.wsConn
	s.wsConn = nil
	s.wsMu.Unlock()

	if conn != nil {
		_ = conn.Close(code, "")
	}
}

func (s *Shard) hasSession() bool {
	return s.sessionID.Load() != "" && s.sequence.Load() > 0
}

func (s *Shard) clearSession() {
	s.sessionID.Store("")
	s.sequence.Store(0)
	s.resumeGatewayURL.Store("")
	s.resumeAttempts.Store(0)
}

// User returns the bot user from the most recent Ready.
func (s *Shard) User() discord.User {
	s.userMu.RLock()
	defer s.userMu.RUnlock()

	return s.user
}

func (s *Shard) setUser(user discord.User) {
	s.userMu.Lock()
	s.user = user
	s.userMu.Unlock()
}

// Latency returns the most recent heartbeat round trip in milliseconds.
func (s *Shard) Latency() int64 {
	return s.gatewayLatency.Load()
}

func (s *Shard) GetStatus() ShardStatus {
	return ShardStatus(s.status.Load())
}

func (s *Shard) SetStatus(status ShardStatus) {
	s.status.Store(int32(status))

	s.Logger.Debug().Str("status", status.String()).Msg("Shard status changed")

	serenityShardStatus.WithLabelValues(s.manager.identifier(), s.shardLabel()).Set(float64(status))
}

// Ready returns a channel closed once the shard has seen its first Ready.
func (s *Shard) Ready() <-chan struct{} {
	return s.ready
}

func (s *Shard) signalReady() {
	s.readyOnce.Do(func() {
		close(s.ready)
	})
}

func (s *Shard) shardLabel() string {
	return strconv.FormatInt(int64(s.ShardID), 10)
}

// StatusUpdate snapshots the shard for the status API.
func (s *Shard) StatusUpdate() ShardStatusUpdate {
	return ShardStatusUpdate{
		Manager:   s.manager.identifier(),
		ShardID:   s.ShardID,
		Status:    s.GetStatus(),
		LatencyMS: s.Latency(),
	}
}
