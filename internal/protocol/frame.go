package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"tvstream/internal/logger"
	"tvstream/internal/types"
)

const delim = "~m~"

// keepalivePrefix marks liveness tokens inside a frame payload.
const keepalivePrefix = "~h~"

// Codec frames and unframes protocol messages. The zero value is usable;
// Strict turns framing anomalies into errors instead of skips, Compression
// enables the zip-payload decoding attempt on large historical bursts.
type Codec struct {
	Strict      bool
	Compression bool
}

// Encode wraps a single envelope in wire framing.
func (c Codec) Encode(env Envelope) ([]byte, error) {
	if env.Params == nil {
		env.Params = []any{}
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, types.NewError(types.KindProtocol, "marshal envelope", err)
	}
	return wrap(body), nil
}

// EncodeRaw wraps an opaque payload, used to echo keepalive tokens verbatim.
func (c Codec) EncodeRaw(payload string) []byte {
	return wrap([]byte(payload))
}

func wrap(body []byte) []byte {
	out := make([]byte, 0, len(body)+len(delim)*2+20)
	out = append(out, delim...)
	out = strconv.AppendInt(out, int64(len(body)), 10)
	out = append(out, delim...)
	out = append(out, body...)
	return out
}

// DecodeAll splits a transport frame into its logical messages. A single
// frame may concatenate several "~m~<len>~m~<payload>" segments. Malformed
// payloads are logged and skipped; a declared length that overruns the frame
// is unrecoverable and returns a protocol error in strict mode.
func (c Codec) DecodeAll(frame []byte) ([]Inbound, error) {
	s := string(frame)
	var out []Inbound
	for len(s) > 0 {
		if !strings.HasPrefix(s, delim) {
			if c.Strict {
				return out, types.NewError(types.KindProtocol, "frame does not start with delimiter", nil)
			}
			logger.Warn(context.Background(), "Dropping unframed trailing bytes", "len", len(s))
			return out, nil
		}
		rest := s[len(delim):]
		end := strings.Index(rest, delim)
		if end <= 0 {
			if c.Strict {
				return out, types.NewError(types.KindProtocol, "missing length terminator", nil)
			}
			logger.Warn(context.Background(), "Dropping frame with unterminated length header")
			return out, nil
		}
		n, err := strconv.Atoi(rest[:end])
		if err != nil || n < 0 {
			if c.Strict {
				return out, types.NewError(types.KindProtocol, fmt.Sprintf("bad length %q", rest[:end]), err)
			}
			logger.Warn(context.Background(), "Dropping frame with non-numeric length", "header", rest[:end])
			return out, nil
		}
		payload := rest[end+len(delim):]
		if len(payload) < n {
			// The declared length overruns the frame; nothing after it can
			// be trusted.
			if c.Strict {
				return out, types.NewError(types.KindProtocol,
					fmt.Sprintf("declared length %d exceeds remaining %d bytes", n, len(payload)), nil)
			}
			logger.Warn(context.Background(), "Dropping truncated segment", "declared", n, "remaining", len(payload))
			return out, nil
		}
		seg := payload[:n]
		s = payload[n:]

		msg, err := c.decodeSegment(seg)
		if err != nil {
			if c.Strict {
				return out, err
			}
			logger.Warn(context.Background(), "Skipping malformed segment", "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c Codec) decodeSegment(seg string) (Inbound, error) {
	if strings.HasPrefix(seg, keepalivePrefix) {
		return Inbound{Keepalive: seg}, nil
	}
	var raw rawEnvelope
	if err := json.Unmarshal([]byte(seg), &raw); err != nil {
		return Inbound{}, types.NewError(types.KindProtocol, "parse envelope", err)
	}
	msg := Inbound{Method: raw.Method, Params: raw.Params}
	if c.Compression && len(msg.Params) >= 2 {
		if inflated, ok := tryInflateParam(msg.Params[1]); ok {
			msg.Params[1] = inflated
		}
	}
	return msg, nil
}
