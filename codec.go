package serenity

import (
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"io"

	"github.com/WelcomerTeam/czlib"
	"github.com/zeyla/serenity/discord"
	"nhooyr.io/websocket"
)

// Largest backreference distance deflate can produce; decompressed history
// beyond this never influences later blocks.
const inflateWindowSize = 32 << 10

// Marker terminating every message on a compressed transport stream.
var zlibSyncFlushSuffix = []byte{0x00, 0x00, 0xFF, 0xFF}

// encodePayload renders an outbound payload into the gateway's wire representation.
func encodePayload(op discord.GatewayOp, data any) ([]byte, error) {
	res, err := json.Marshal(discord.SentPayload{
		Op:   op,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return res, nil
}

// payloadDecoder decodes inbound frames for one connection. With transport
// compression negotiated it owns the connection's decompression context, so a
// decoder must never be shared between connections or reused after reconnect.
type payloadDecoder struct {
	inflator *streamInflator
}

func newPayloadDecoder(transportCompression bool) *payloadDecoder {
	decoder := &payloadDecoder{}

	if transportCompression {
		decoder.inflator = &streamInflator{}
	}

	return decoder
}

// Decode converts one websocket message into a gateway payload. On a
// compressed transport stream a message that does not complete a compressed
// frame is buffered and (nil, nil) is returned.
func (decoder *payloadDecoder) Decode(messageType websocket.MessageType, data []byte) (*discord.GatewayPayload, error) {
	var err error

	if decoder.inflator != nil {
		var complete bool

		data, complete, err = decoder.inflator.Feed(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressionFailure, err)
		}

		if !complete {
			return nil, nil
		}
	} else if messageType == websocket.MessageBinary {
		data, err = czlib.Decompress(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressionFailure, err)
		}
	}

	payload := &discord.GatewayPayload{}

	err = json.Unmarshal(data, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	return payload, nil
}

// streamInflator decompresses a continuous zlib stream chunk by chunk. The
// gateway flushes after every message, so a complete message is delimited by
// the sync flush suffix at the end of a chunk. Chunks without the suffix are
// buffered until it arrives.
type streamInflator struct {
	pending bytes.Buffer

	reader     io.ReadCloser
	window     []byte
	seenHeader bool
}

// Feed appends one chunk to the stream. When the chunk completes a message,
// the decompressed message is returned with complete=true.
func (z *streamInflator) Feed(chunk []byte) (data []byte, complete bool, err error) {
	z.pending.Write(chunk)

	if !bytes.HasSuffix(chunk, zlibSyncFlushSuffix) {
		return nil, false, nil
	}

	compressed := make([]byte, z.pending.Len())
	copy(compressed, z.pending.Bytes())
	z.pending.Reset()

	if !z.seenHeader {
		// The stream opens with a two byte zlib header. Everything after it,
		// across the whole connection, is one raw deflate stream.
		if len(compressed) < 2 {
			return nil, false, errors.New("short zlib header")
		}

		compressed = compressed[2:]
		z.seenHeader = true
	}

	// Each message ends on a sync flush, which empties the deflate bit
	// buffer. The blocks in between are self contained given the sliding
	// window of previous output, so the flate reader is reset per message
	// with that window as the preset dictionary.
	if z.reader == nil {
		z.reader = flate.NewReaderDict(bytes.NewReader(compressed), z.window)
	} else {
		err = z.reader.(flate.Resetter).Reset(bytes.NewReader(compressed), z.window)
		if err != nil {
			return nil, false, err
		}
	}

	var out bytes.Buffer

	_, err = io.Copy(&out, z.reader)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		// The stream never terminates, so the reader running out of input
		// after the sync flush point is the expected end of a message.
		return nil, false, err
	}

	data = out.Bytes()
	z.window = appendWindow(z.window, data)

	return data, true, nil
}

func appendWindow(window, data []byte) []byte {
	window = append(window, data...)

	if len(window) > inflateWindowSize {
		window = window[len(window)-inflateWindowSize:]
	}

	return window
}
