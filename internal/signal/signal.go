package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedResponse is returned when the body is not the expected envelope.
var ErrMalformedResponse = errors.New("signal: malformed response")

// HTTPError is a non-2xx answer from the signal service.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("signal: http %d", e.StatusCode)
	}
	return fmt.Sprintf("signal: http %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed when repeated.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Signal is an opaque recommendation; Payload is passed to clients verbatim.
type Signal struct {
	Instrument string          `json:"instrument"`
	Price      float64         `json:"price"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Summary holds the fields worth logging; zero values mean "not present".
type Summary struct {
	Direction  string
	Confidence float64
}

// Summary extracts direction and confidence when the payload carries them.
func (s Signal) Summary() Summary {
	var p struct {
		Direction  string          `json:"direction"`
		Confidence json.RawMessage `json:"confidence"`
	}
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return Summary{}
	}
	return Summary{Direction: p.Direction, Confidence: parseConfidence(p.Confidence)}
}

// parseConfidence accepts 78, 78.5, "78" and "78%".
func parseConfidence(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	str := strings.TrimSpace(strings.Trim(string(raw), `"`))
	str = strings.TrimSuffix(str, "%")
	v, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
	if err != nil {
		return 0
	}
	return v
}

// decodeEnvelope parses {"signal": <object|null>}. A missing or null signal
// yields (nil, nil).
func decodeEnvelope(data []byte) (json.RawMessage, error) {
	var env struct {
		Signal json.RawMessage `json:"signal"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(env.Signal) == 0 || string(env.Signal) == "null" {
		return nil, nil
	}
	if env.Signal[0] != '{' {
		return nil, fmt.Errorf("%w: signal is not an object", ErrMalformedResponse)
	}
	return env.Signal, nil
}
