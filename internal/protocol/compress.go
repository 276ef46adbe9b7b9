package protocol

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"tvstream/internal/logger"
)

// zipMagicB64 is the base64 encoding of the zip local-file-header magic
// ("PK\x03\x04"). Large historical bursts arrive with p[1] replaced by a
// base64 single-entry zip archive of the actual JSON payload.
const zipMagicB64 = "UEsDB"

// tryInflateParam decodes a compressed p[1] back into the JSON it wraps.
// Returns ok=false when the param is not a compressed payload; a payload
// that looks compressed but fails to decode is logged and left untouched.
func tryInflateParam(raw json.RawMessage) (json.RawMessage, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false
	}
	if !strings.HasPrefix(s, zipMagicB64) {
		return nil, false
	}
	out, err := inflate(s)
	if err != nil {
		logger.Warn(context.Background(), "Compressed payload failed to decode", "error", err)
		return nil, false
	}
	return out, true
}

func inflate(b64 string) (json.RawMessage, error) {
	archive, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, err
	}
	if len(zr.File) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	f, err := zr.File[0].Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	text, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if !json.Valid(text) {
		return nil, errors.New("zip entry is not valid JSON")
	}
	return json.RawMessage(text), nil
}
