package serenity

import (
	"context"
	stdjson "encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeyla/serenity/discord"
	"go.uber.org/atomic"
	"nhooyr.io/websocket"
)

// mockGatewayProvider points a manager at a local test server.
type mockGatewayProvider struct {
	url       string
	remaining int32
}

func (p mockGatewayProvider) FetchGatewayBot(_ context.Context, _ string) (*discord.GatewayBotResponse, error) {
	return &discord.GatewayBotResponse{
		URL:    p.url,
		Shards: 1,
		SessionStartLimit: discord.SessionStartLimit{
			Total:          1000,
			Remaining:      p.remaining,
			MaxConcurrency: 1,
		},
	}, nil
}

// mockGateway scripts gateway behaviour per accepted connection.
type mockGateway struct {
	server      *httptest.Server
	connections *atomic.Int32
}

func newMockGateway(t *testing.T, script func(ctx context.Context, conn *websocket.Conn, connection int32)) *mockGateway {
	t.Helper()

	gateway := &mockGateway{
		connections: atomic.NewInt32(0),
	}

	// Scripts run against a test-scoped context rather than the request
	// context: websocket hijacks the connection, so the request context is
	// not reliably cancelled on close.
	scriptCtx, cancelScripts := context.WithCancel(context.Background())

	gateway.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("failed to accept websocket: %v", err)

			return
		}

		script(scriptCtx, conn, gateway.connections.Inc())
	}))

	t.Cleanup(gateway.server.Close)
	t.Cleanup(cancelScripts)

	return gateway
}

type sentEnvelope struct {
	Op   discord.GatewayOp `json:"op"`
	Data stdjson.RawMessage   `json:"d"`
}

func gatewaySend(t *testing.T, ctx context.Context, conn *websocket.Conn, raw string) {
	t.Helper()

	// Write failures are expected when the client tears the connection down
	// mid-script, so they are not fatal to the test.
	_ = conn.Write(ctx, websocket.MessageText, []byte(raw))
}

// gatewayRead reads sent payloads, skipping heartbeats, until one matches a
// handshake op.
func gatewayRead(t *testing.T, ctx context.Context, conn *websocket.Conn) (sentEnvelope, bool) {
	t.Helper()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return sentEnvelope{}, false
		}

		envelope := sentEnvelope{}
		if err := stdjson.Unmarshal(data, &envelope); err != nil {
			t.Errorf("failed to unmarshal sent payload: %v", err)

			return sentEnvelope{}, false
		}

		if envelope.Op == discord.GatewayOpHeartbeat {
			continue
		}

		return envelope, true
	}
}

func newTestManager(t *testing.T, gateway *mockGateway, producer ProducerProvider) *Manager {
	t.Helper()

	manager, err := NewManager(ManagerOptions{
		Logger: zerolog.Nop(),
		Configuration: &ManagerConfiguration{
			ApplicationIdentifier: "test",
			ProducerIdentifier:    "test",
			ClientName:            "test",
			BotToken:              "token",
			ShardCount:            1,
		},
		GatewayProvider:  mockGatewayProvider{url: gateway.server.URL, remaining: 1000},
		ProducerProvider: producer,
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	return manager
}

// A fresh connection starts with a full send budget, so the identify must go
// out as soon as the gate admits the shard rather than waiting out a send
// window.
func TestShardIdentifiesPromptly(t *testing.T) {
	identifiedAt := make(chan time.Time, 1)

	gateway := newMockGateway(t, func(ctx context.Context, conn *websocket.Conn, _ int32) {
		gatewaySend(t, ctx, conn, `{"op":10,"d":{"heartbeat_interval":45000}}`)

		envelope, ok := gatewayRead(t, ctx, conn)
		if !ok || envelope.Op != discord.GatewayOpIdentify {
			return
		}

		identifiedAt <- time.Now()

		gatewaySend(t, ctx, conn, `{"op":0,"t":"READY","s":1,"d":{"v":10,"user":{"id":"123","username":"bot"},"session_id":"abc","resume_gateway_url":""}}`)

		<-ctx.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	manager := newTestManager(t, gateway, NewChannelProducer(16))

	start := time.Now()

	if err := manager.Start(ctx); err != nil {
		t.Fatalf("failed to start manager: %v", err)
	}

	defer manager.Shutdown(context.Background())

	select {
	case at := <-identifiedAt:
		if elapsed := at.Sub(start); elapsed > 5*time.Second {
			t.Errorf("identify arrived %v after start, expected well under the send window", elapsed)
		}
	case <-ctx.Done():
		t.Fatal("identify never reached the gateway")
	}
}

func TestShardIdentifyAndDispatch(t *testing.T) {
	identified := make(chan discord.Identify, 1)

	gateway := newMockGateway(t, func(ctx context.Context, conn *websocket.Conn, _ int32) {
		gatewaySend(t, ctx, conn, `{"op":10,"d":{"heartbeat_interval":45000}}`)

		envelope, ok := gatewayRead(t, ctx, conn)
		if !ok {
			return
		}

		if envelope.Op != discord.GatewayOpIdentify {
			t.Errorf("expected identify, got op %d", envelope.Op)

			return
		}

		identify := discord.Identify{}
		_ = stdjson.Unmarshal(envelope.Data, &identify)
		identified <- identify

		gatewaySend(t, ctx, conn, `{"op":0,"t":"READY","s":1,"d":{"v":10,"user":{"id":"123","username":"bot"},"session_id":"abc","resume_gateway_url":""}}`)
		gatewaySend(t, ctx, conn, `{"op":0,"t":"MESSAGE_CREATE","s":2,"d":{"content":"first"}}`)
		gatewaySend(t, ctx, conn, `{"op":0,"t":"MESSAGE_CREATE","s":3,"d":{"content":"second"}}`)

		<-ctx.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	producer := NewChannelProducer(16)
	manager := newTestManager(t, gateway, producer)

	if err := manager.Start(ctx); err != nil {
		t.Fatalf("failed to start manager: %v", err)
	}

	defer manager.Shutdown(context.Background())

	if err := manager.WaitForReady(ctx); err != nil {
		t.Fatalf("shard never became ready: %v", err)
	}

	identify := <-identified
	if identify.Token != "token" {
		t.Errorf("identify carried wrong token: %q", identify.Token)
	}

	if identify.Shard != [2]int32{0, 1} {
		t.Errorf("identify carried wrong shard: %v", identify.Shard)
	}

	// Dispatches arrive in gateway order, READY included.
	expectedTypes := []string{"READY", "MESSAGE_CREATE", "MESSAGE_CREATE"}
	expectedSequences := []int64{1, 2, 3}

	for i, expected := range expectedTypes {
		select {
		case payload := <-producer.Events():
			if payload.Type != expected {
				t.Errorf("payload %d: expected %s, got %s", i, expected, payload.Type)
			}

			if payload.Sequence != expectedSequences[i] {
				t.Errorf("payload %d: expected sequence %d, got %d", i, expectedSequences[i], payload.Sequence)
			}

			if payload.Metadata.Shard != [2]int32{0, 1} {
				t.Errorf("payload %d: unexpected metadata shard %v", i, payload.Metadata.Shard)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for produced payload")
		}
	}

	shard, ok := manager.Shards.Load(0)
	if !ok {
		t.Fatal("shard 0 missing")
	}

	if shard.GetStatus() != ShardStatusConnected {
		t.Errorf("expected Connected, got %s", shard.GetStatus())
	}

	if shard.sequence.Load() != 3 {
		t.Errorf("expected sequence 3, got %d", shard.sequence.Load())
	}

	if shard.sessionID.Load() != "abc" {
		t.Errorf("expected session abc, got %q", shard.sessionID.Load())
	}
}

func TestShardResumesAfterRecoverableClose(t *testing.T) {
	resumed := make(chan discord.Resume, 1)

	gateway := newMockGateway(t, func(ctx context.Context, conn *websocket.Conn, connection int32) {
		gatewaySend(t, ctx, conn, `{"op":10,"d":{"heartbeat_interval":45000}}`)

		envelope, ok := gatewayRead(t, ctx, conn)
		if !ok {
			return
		}

		if connection == 1 {
			if envelope.Op != discord.GatewayOpIdentify {
				t.Errorf("first connection: expected identify, got op %d", envelope.Op)

				return
			}

			gatewaySend(t, ctx, conn, `{"op":0,"t":"READY","s":1,"d":{"v":10,"user":{"id":"123","username":"bot"},"session_id":"abc","resume_gateway_url":""}}`)
			gatewaySend(t, ctx, conn, `{"op":0,"t":"MESSAGE_CREATE","s":42,"d":{}}`)

			time.Sleep(100 * time.Millisecond)

			conn.Close(websocket.StatusCode(discord.CloseUnknownError), "test close")

			return
		}

		if envelope.Op != discord.GatewayOpResume {
			t.Errorf("second connection: expected resume, got op %d", envelope.Op)

			return
		}

		resume := discord.Resume{}
		_ = stdjson.Unmarshal(envelope.Data, &resume)
		resumed <- resume

		gatewaySend(t, ctx, conn, `{"op":0,"t":"RESUMED","s":43,"d":{}}`)

		<-ctx.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	manager := newTestManager(t, gateway, NewChannelProducer(16))

	if err := manager.Start(ctx); err != nil {
		t.Fatalf("failed to start manager: %v", err)
	}

	defer manager.Shutdown(context.Background())

	select {
	case resume := <-resumed:
		if resume.SessionID != "abc" {
			t.Errorf("resume carried wrong session: %q", resume.SessionID)
		}

		if resume.Sequence != 42 {
			t.Errorf("resume carried wrong sequence: %d", resume.Sequence)
		}

		if resume.Token != "token" {
			t.Errorf("resume carried wrong token: %q", resume.Token)
		}
	case <-ctx.Done():
		t.Fatal("shard never attempted to resume")
	}
}

func TestShardReidentifiesAfterInvalidSession(t *testing.T) {
	reidentified := make(chan discord.GatewayOp, 1)

	gateway := newMockGateway(t, func(ctx context.Context, conn *websocket.Conn, connection int32) {
		gatewaySend(t, ctx, conn, `{"op":10,"d":{"heartbeat_interval":45000}}`)

		envelope, ok := gatewayRead(t, ctx, conn)
		if !ok {
			return
		}

		if connection == 1 {
			gatewaySend(t, ctx, conn, `{"op":0,"t":"READY","s":5,"d":{"v":10,"user":{"id":"123","username":"bot"},"session_id":"abc","resume_gateway_url":""}}`)
			gatewaySend(t, ctx, conn, `{"op":9,"d":false}`)

			<-ctx.Done()

			return
		}

		reidentified <- envelope.Op

		gatewaySend(t, ctx, conn, `{"op":0,"t":"READY","s":1,"d":{"v":10,"user":{"id":"123","username":"bot"},"session_id":"def","resume_gateway_url":""}}`)

		<-ctx.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	manager := newTestManager(t, gateway, NewChannelProducer(16))

	if err := manager.Start(ctx); err != nil {
		t.Fatalf("failed to start manager: %v", err)
	}

	defer manager.Shutdown(context.Background())

	select {
	case op := <-reidentified:
		// A non resumable invalid session discards the session, so the next
		// authentication is a fresh identify.
		if op != discord.GatewayOpIdentify {
			t.Errorf("expected identify after invalid session, got op %d", op)
		}
	case <-ctx.Done():
		t.Fatal("shard never reauthenticated")
	}

	shard, ok := manager.Shards.Load(0)
	if !ok {
		t.Fatal("shard 0 missing")
	}

	deadline := time.Now().Add(5 * time.Second)
	for shard.sessionID.Load() != "def" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if shard.sessionID.Load() != "def" {
		t.Errorf("expected new session def, got %q", shard.sessionID.Load())
	}
}

func TestShardZombieReconnects(t *testing.T) {
	reconnected := make(chan struct{}, 1)

	gateway := newMockGateway(t, func(ctx context.Context, conn *websocket.Conn, connection int32) {
		if connection == 1 {
			// Short interval and no heartbeat acks: the shard must declare
			// the connection a zombie and reconnect on its own.
			gatewaySend(t, ctx, conn, `{"op":10,"d":{"heartbeat_interval":100}}`)

			envelope, ok := gatewayRead(t, ctx, conn)
			if !ok || envelope.Op != discord.GatewayOpIdentify {
				return
			}

			gatewaySend(t, ctx, conn, `{"op":0,"t":"READY","s":1,"d":{"v":10,"user":{"id":"123","username":"bot"},"session_id":"abc","resume_gateway_url":""}}`)

			// Drain without ever acking.
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					return
				}
			}
		}

		reconnected <- struct{}{}

		gatewaySend(t, ctx, conn, `{"op":10,"d":{"heartbeat_interval":45000}}`)

		envelope, ok := gatewayRead(t, ctx, conn)
		if !ok {
			return
		}

		if envelope.Op != discord.GatewayOpResume {
			t.Errorf("expected resume after zombie, got op %d", envelope.Op)

			return
		}

		gatewaySend(t, ctx, conn, `{"op":0,"t":"RESUMED","s":2,"d":{}}`)

		<-ctx.Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	manager := newTestManager(t, gateway, NewChannelProducer(16))

	if err := manager.Start(ctx); err != nil {
		t.Fatalf("failed to start manager: %v", err)
	}

	defer manager.Shutdown(context.Background())

	select {
	case <-reconnected:
	case <-ctx.Done():
		t.Fatal("shard never reconnected after missing heartbeat acks")
	}
}

func TestClosePolicies(t *testing.T) {
	tests := []struct {
		code     websocket.StatusCode
		expected closePolicy
	}{
		{discord.CloseUnknownError, closeResume},
		{discord.CloseRateLimited, closeResume},
		{websocket.StatusNormalClosure, closeIdentify},
		{discord.CloseInvalidSeq, closeIdentify},
		{discord.CloseSessionTimeout, closeIdentify},
		{discord.CloseAuthenticationFailed, closeFatal},
		{discord.CloseDisallowedIntents, closeFatal},
		{discord.CloseShardingRequired, closeFatal},
		// Codes the protocol does not define reconnect and resume.
		{websocket.StatusCode(4999), closeResume},
	}

	for _, test := range tests {
		if policy := policyForClose(test.code); policy != test.expected {
			t.Errorf("code %d: expected policy %d, got %d", test.code, test.expected, policy)
		}
	}
}

func TestIsFatalError(t *testing.T) {
	if !isFatalError(websocket.CloseError{Code: discord.CloseAuthenticationFailed}) {
		t.Error("authentication failure close should be fatal")
	}

	if isFatalError(websocket.CloseError{Code: discord.CloseUnknownError}) {
		t.Error("unknown error close should not be fatal")
	}

	if !isFatalError(ErrAuthenticationRejected) {
		t.Error("ErrAuthenticationRejected should be fatal")
	}
}
