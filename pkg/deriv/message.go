// pkg/deriv/message.go
package deriv

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned for frames that are not a JSON object.
var ErrMalformedFrame = errors.New("deriv: malformed frame")

// SubscribeRequest is sent once right after the connection is opened.
type SubscribeRequest struct {
	Ticks     string `json:"ticks"`
	Subscribe int    `json:"subscribe"`
}

// APIError is an error object pushed by the endpoint (e.g. unknown symbol).
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("deriv: api error %s: %s", e.Code, e.Message)
}

// Event is one parsed inbound message. HasQuote is false for shapes that
// carry no tick (acks, pings, unrelated responses).
type Event struct {
	MsgType        string
	HasQuote       bool
	Quote          float64
	Symbol         string
	Epoch          int64
	SubscriptionID string
}

// ParseMessage decodes one inbound frame. A quote is present when the
// object has a tick field with a numeric quote sub-field.
func ParseMessage(data []byte) (Event, error) {
	var raw struct {
		MsgType string    `json:"msg_type"`
		Error   *APIError `json:"error"`
		Tick    *struct {
			Quote  json.RawMessage `json:"quote"`
			Symbol string          `json:"symbol"`
			Epoch  int64           `json:"epoch"`
			ID     string          `json:"id"`
		} `json:"tick"`
		Subscription *struct {
			ID string `json:"id"`
		} `json:"subscription"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if raw.Error != nil {
		return Event{MsgType: raw.MsgType}, raw.Error
	}

	ev := Event{MsgType: raw.MsgType}
	if raw.Subscription != nil {
		ev.SubscriptionID = raw.Subscription.ID
	}
	if raw.Tick == nil || len(raw.Tick.Quote) == 0 || string(raw.Tick.Quote) == "null" {
		return ev, nil
	}
	var q float64
	if err := json.Unmarshal(raw.Tick.Quote, &q); err != nil {
		// quote is present but not numeric: not a quote message
		return ev, nil
	}
	ev.HasQuote = true
	ev.Quote = q
	ev.Symbol = raw.Tick.Symbol
	ev.Epoch = raw.Tick.Epoch
	if ev.SubscriptionID == "" {
		ev.SubscriptionID = raw.Tick.ID
	}
	return ev, nil
}
