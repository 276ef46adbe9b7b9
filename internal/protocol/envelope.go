// Package protocol implements the wire framing used by the upstream
// streaming endpoints: each logical message is "~m~" + length + "~m~" +
// payload, where the payload is either a JSON envelope {"m": ..., "p": [...]}
// or a "~h~<n>" keepalive token that must be echoed back verbatim.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is an outbound protocol message.
type Envelope struct {
	Method string `json:"m"`
	Params []any  `json:"p"`
}

// Inbound is a decoded wire message. Params stay raw so each session can
// unmarshal its own payload shapes. Keepalive frames carry only the token.
type Inbound struct {
	Method    string
	Params    []json.RawMessage
	Keepalive string
}

// IsKeepalive reports whether this message is a "~h~<n>" liveness token.
func (in Inbound) IsKeepalive() bool { return in.Keepalive != "" }

// SessionID returns p[0] when it is a string, which is how session-scoped
// methods address their owner. Empty for global methods.
func (in Inbound) SessionID() string {
	s, err := in.StringParam(0)
	if err != nil {
		return ""
	}
	return s
}

// Param unmarshals params[i] into v.
func (in Inbound) Param(i int, v any) error {
	if i < 0 || i >= len(in.Params) {
		return fmt.Errorf("envelope %s: missing param %d", in.Method, i)
	}
	if err := json.Unmarshal(in.Params[i], v); err != nil {
		return fmt.Errorf("envelope %s: param %d: %w", in.Method, i, err)
	}
	return nil
}

// StringParam returns params[i] as a string.
func (in Inbound) StringParam(i int) (string, error) {
	var s string
	if err := in.Param(i, &s); err != nil {
		return "", err
	}
	return s, nil
}

type rawEnvelope struct {
	Method string            `json:"m"`
	Params []json.RawMessage `json:"p"`
}
