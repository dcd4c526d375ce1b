package ticks

import (
	"fmt"
	"time"
)

// State is the lifecycle state of the bound subscription.
type State int

const (
	StateIdle State = iota
	// StateConnecting: dialing, or subscribed and waiting for the first tick.
	StateConnecting
	StateLive
	// StateUnavailable is the "feed unavailable" presentation state.
	StateUnavailable
	StateStopped
)

var stateNames = [...]string{"idle", "connecting", "live", "unavailable", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("ticks: unknown state %q", b)
}

// Quote is the latest price observed on the current subscription.
type Quote struct {
	Instrument string    `json:"instrument"`
	FeedSymbol string    `json:"feed_symbol"`
	Value      float64   `json:"value"`
	Epoch      int64     `json:"epoch,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Status describes the current binding.
type Status struct {
	Instrument string    `json:"instrument"`
	FeedSymbol string    `json:"feed_symbol"`
	State      State     `json:"state"`
	LastError  string    `json:"last_error,omitempty"`
	Generation uint64    `json:"generation"`
	Since      time.Time `json:"since"`
}
