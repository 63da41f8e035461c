package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// StateKind names a voucher redemption state.
type StateKind string

const (
	StateRedeeming   StateKind = "redeeming"
	StateRedeemed    StateKind = "redeemed"
	StateDoubleSpend StateKind = "double-spend"
	StateUnpaid      StateKind = "unpaid"
	StateError       StateKind = "error"
)

// State is a voucher's redemption state. Which fields are meaningful
// depends on Kind:
//
//	redeeming     Started, Counter
//	redeemed      Finished, TokenCount
//	double-spend  Finished
//	unpaid        Finished
//	error         Finished, Details
//
// Counter is always the counter of the most recent attempt.
type State struct {
	Kind       StateKind
	Counter    int
	Started    time.Time
	Finished   time.Time
	TokenCount int
	Details    string
}

// Terminal reports whether no further redemption is possible.
func (s State) Terminal() bool {
	return s.Kind == StateRedeemed || s.Kind == StateDoubleSpend
}

// Retryable reports whether a new redemption attempt may start.
func (s State) Retryable() bool {
	return s.Kind == StateUnpaid || s.Kind == StateError
}

// Voucher is a locally-known voucher and its redemption state.
type Voucher struct {
	Number         string
	ExpectedTokens int
	Created        time.Time
	State          State
}

// JSONVersion is the version field emitted in voucher JSON.
const JSONVersion = 1

type stateJSON struct {
	Name       StateKind `json:"name"`
	Counter    *int      `json:"counter,omitempty"`
	Started    string    `json:"started,omitempty"`
	Finished   string    `json:"finished,omitempty"`
	TokenCount *int      `json:"token-count,omitempty"`
	Details    string    `json:"details,omitempty"`
}

type voucherJSON struct {
	Number         string    `json:"number"`
	ExpectedTokens int       `json:"expected-tokens"`
	Created        string    `json:"created"`
	State          stateJSON `json:"state"`
	Version        int       `json:"version"`
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.toJSON())
}

func (s State) toJSON() stateJSON {
	out := stateJSON{Name: s.Kind}
	switch s.Kind {
	case StateRedeeming:
		counter := s.Counter
		out.Counter = &counter
		out.Started = formatTime(s.Started)
	case StateRedeemed:
		count := s.TokenCount
		out.TokenCount = &count
		out.Finished = formatTime(s.Finished)
	case StateDoubleSpend, StateUnpaid:
		out.Finished = formatTime(s.Finished)
	case StateError:
		out.Finished = formatTime(s.Finished)
		out.Details = s.Details
	}
	return out
}

func (v Voucher) MarshalJSON() ([]byte, error) {
	return json.Marshal(voucherJSON{
		Number:         v.Number,
		ExpectedTokens: v.ExpectedTokens,
		Created:        formatTime(v.Created),
		State:          v.State.toJSON(),
		Version:        JSONVersion,
	})
}

func (v *Voucher) UnmarshalJSON(data []byte) error {
	var in voucherJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Version != JSONVersion {
		return fmt.Errorf("unsupported voucher version %d", in.Version)
	}
	created, err := parseTime(in.Created)
	if err != nil {
		return fmt.Errorf("created: %w", err)
	}
	state := State{Kind: in.State.Name, Details: in.State.Details}
	if in.State.Counter != nil {
		state.Counter = *in.State.Counter
	}
	if in.State.TokenCount != nil {
		state.TokenCount = *in.State.TokenCount
	}
	if in.State.Started != "" {
		if state.Started, err = parseTime(in.State.Started); err != nil {
			return fmt.Errorf("started: %w", err)
		}
	}
	if in.State.Finished != "" {
		if state.Finished, err = parseTime(in.State.Finished); err != nil {
			return fmt.Errorf("finished: %w", err)
		}
	}
	*v = Voucher{
		Number:         in.Number,
		ExpectedTokens: in.ExpectedTokens,
		Created:        created,
		State:          state,
	}
	return nil
}
