package nai

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// PayloadKind says how a generation payload should be delivered
type PayloadKind int

const (
	PayloadUnknown PayloadKind = iota
	PayloadURL
	PayloadBase64
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadURL:
		return "url"
	case PayloadBase64:
		return "base64"
	default:
		return "unknown"
	}
}

// Magic prefixes of base64-encoded PNG, JPEG, WEBP and GIF data
var base64Signatures = []string{"iVBORw", "/9j/", "UklGR", "R0lGOD"}

// ClassifyPayload strips a data URI header if present and reports the kind
// of the remaining payload
func ClassifyPayload(payload string) (PayloadKind, string) {
	p := strings.TrimSpace(payload)
	if strings.HasPrefix(p, "data:image") {
		if i := strings.Index(p, ","); i >= 0 {
			p = p[i+1:]
		}
	}

	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return PayloadURL, p
	}
	for _, sig := range base64Signatures {
		if strings.HasPrefix(p, sig) {
			return PayloadBase64, p
		}
	}
	return PayloadUnknown, p
}

// DecodeBase64 decodes a base64 payload, tolerating missing padding
func DecodeBase64(payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		return data, nil
	}
	data, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
	if rawErr != nil {
		return nil, fmt.Errorf("failed to decode image data: %w", err)
	}
	return data, nil
}
