package serenity

import (
	"bytes"
	"compress/zlib"
	"errors"
	"testing"

	"github.com/zeyla/serenity/discord"
	"nhooyr.io/websocket"
)

func TestEncodePayload(t *testing.T) {
	frame, err := encodePayload(discord.GatewayOpHeartbeat, 42)
	if err != nil {
		t.Fatalf("encodePayload returned error: %v", err)
	}

	expected := `{"op":1,"d":42}`
	if string(frame) != expected {
		t.Errorf("encodePayload mismatch: got %s expected %s", frame, expected)
	}
}

func TestDecodePlaintext(t *testing.T) {
	decoder := newPayloadDecoder(false)

	payload, err := decoder.Decode(websocket.MessageText, []byte(`{"op":0,"t":"MESSAGE_CREATE","s":3,"d":{}}`))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}

	if payload.Op != discord.GatewayOpDispatch {
		t.Errorf("unexpected op: got %d expected %d", payload.Op, discord.GatewayOpDispatch)
	}

	if payload.Type != "MESSAGE_CREATE" {
		t.Errorf("unexpected type: got %s", payload.Type)
	}

	if payload.Sequence != 3 {
		t.Errorf("unexpected sequence: got %d expected 3", payload.Sequence)
	}
}

func TestDecodeMalformed(t *testing.T) {
	decoder := newPayloadDecoder(false)

	_, err := decoder.Decode(websocket.MessageText, []byte(`{not json`))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDecodePayloadCompression(t *testing.T) {
	var buf bytes.Buffer

	writer := zlib.NewWriter(&buf)

	_, err := writer.Write([]byte(`{"op":11}`))
	if err != nil {
		t.Fatalf("failed to compress: %v", err)
	}

	err = writer.Close()
	if err != nil {
		t.Fatalf("failed to close compressor: %v", err)
	}

	decoder := newPayloadDecoder(false)

	payload, err := decoder.Decode(websocket.MessageBinary, buf.Bytes())
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}

	if payload.Op != discord.GatewayOpHeartbeatACK {
		t.Errorf("unexpected op: got %d expected %d", payload.Op, discord.GatewayOpHeartbeatACK)
	}
}

func TestDecodeTransportStream(t *testing.T) {
	var buf bytes.Buffer

	writer := zlib.NewWriter(&buf)

	compressMessage := func(data string) []byte {
		buf.Reset()

		if _, err := writer.Write([]byte(data)); err != nil {
			t.Fatalf("failed to compress: %v", err)
		}

		if err := writer.Flush(); err != nil {
			t.Fatalf("failed to flush compressor: %v", err)
		}

		out := make([]byte, buf.Len())
		copy(out, buf.Bytes())

		return out
	}

	decoder := newPayloadDecoder(true)

	// First message arrives split over two chunks. The first chunk does not
	// complete a compressed frame and must buffer.
	message := compressMessage(`{"op":0,"t":"MESSAGE_CREATE","s":1,"d":{}}`)
	split := len(message) - 6

	payload, err := decoder.Decode(websocket.MessageBinary, message[:split])
	if err != nil {
		t.Fatalf("Decode returned error on partial chunk: %v", err)
	}

	if payload != nil {
		t.Fatal("expected no payload from partial chunk")
	}

	payload, err = decoder.Decode(websocket.MessageBinary, message[split:])
	if err != nil {
		t.Fatalf("Decode returned error on completing chunk: %v", err)
	}

	if payload == nil {
		t.Fatal("expected payload from completed frame")
	}

	if payload.Type != "MESSAGE_CREATE" || payload.Sequence != 1 {
		t.Errorf("unexpected payload: %+v", payload)
	}

	// Second message depends on the shared compression context carrying over
	// between frames.
	message = compressMessage(`{"op":0,"t":"MESSAGE_CREATE","s":2,"d":{}}`)

	payload, err = decoder.Decode(websocket.MessageBinary, message)
	if err != nil {
		t.Fatalf("Decode returned error on second frame: %v", err)
	}

	if payload == nil || payload.Sequence != 2 {
		t.Errorf("unexpected second payload: %+v", payload)
	}
}

func TestDecodeTransportStreamCorrupted(t *testing.T) {
	decoder := newPayloadDecoder(true)

	chunk := []byte{0x78, 0x9c, 0xFF, 0xFF, 0x00, 0x00, 0xFF, 0xFF}

	_, err := decoder.Decode(websocket.MessageBinary, chunk)
	if !errors.Is(err, ErrDecompressionFailure) {
		t.Errorf("expected ErrDecompressionFailure, got %v", err)
	}
}

func TestAppendWindow(t *testing.T) {
	window := make([]byte, 0)

	window = appendWindow(window, bytes.Repeat([]byte{1}, inflateWindowSize))
	window = appendWindow(window, bytes.Repeat([]byte{2}, 100))

	if len(window) != inflateWindowSize {
		t.Errorf("window grew past its bound: %d", len(window))
	}

	if window[len(window)-1] != 2 {
		t.Error("window did not keep the most recent output")
	}
}
