package ledger

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestVoucherJSON_Redeeming(t *testing.T) {
	v := Voucher{
		Number:         testVoucher,
		ExpectedTokens: 50,
		Created:        epoch,
		State:          State{Kind: StateRedeeming, Started: epoch, Counter: 0},
	}
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	json.Unmarshal(b, &m)
	state := m["state"].(map[string]any)
	if state["name"] != "redeeming" {
		t.Fatalf("unexpected name %v", state["name"])
	}
	if c, ok := state["counter"]; !ok || c.(float64) != 0 {
		t.Fatalf("counter 0 must be present, got %v", state)
	}
	if _, ok := state["finished"]; ok {
		t.Fatal("redeeming must not carry finished")
	}
	if m["expected-tokens"].(float64) != 50 || m["version"].(float64) != 1 {
		t.Fatalf("unexpected body %s", b)
	}
}

func TestVoucherJSON_Variants(t *testing.T) {
	finished := epoch.Add(time.Hour)
	cases := []struct {
		state State
		keys  []string
	}{
		{State{Kind: StateRedeemed, Finished: finished, TokenCount: 7}, []string{"finished", "token-count"}},
		{State{Kind: StateDoubleSpend, Finished: finished}, []string{"finished"}},
		{State{Kind: StateUnpaid, Finished: finished}, []string{"finished"}},
		{State{Kind: StateError, Finished: finished, Details: "oops"}, []string{"finished", "details"}},
	}
	for _, tc := range cases {
		v := Voucher{Number: "n", ExpectedTokens: 1, Created: epoch, State: tc.state}
		b, _ := json.Marshal(v)
		for _, k := range tc.keys {
			if !strings.Contains(string(b), `"`+k+`"`) {
				t.Fatalf("%s: missing %s in %s", tc.state.Kind, k, b)
			}
		}
		var back Voucher
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatalf("%s: %v", tc.state.Kind, err)
		}
		if back.State.Kind != tc.state.Kind || !back.State.Finished.Equal(finished) ||
			back.State.TokenCount != tc.state.TokenCount || back.State.Details != tc.state.Details {
			t.Fatalf("%s: decoded %+v", tc.state.Kind, back.State)
		}
	}
}

func TestVoucherJSON_RejectsUnknownVersion(t *testing.T) {
	var v Voucher
	err := json.Unmarshal([]byte(`{"number":"n","created":"2024-01-01T00:00:00Z","state":{"name":"unpaid"},"version":2}`), &v)
	if err == nil {
		t.Fatal("expected error for version 2")
	}
}

func TestState_Predicates(t *testing.T) {
	if !(State{Kind: StateRedeemed}).Terminal() || !(State{Kind: StateDoubleSpend}).Terminal() {
		t.Fatal("redeemed and double-spend are terminal")
	}
	if !(State{Kind: StateUnpaid}).Retryable() || !(State{Kind: StateError}).Retryable() {
		t.Fatal("unpaid and error are retryable")
	}
	if (State{Kind: StateRedeeming}).Retryable() || (State{Kind: StateRedeeming}).Terminal() {
		t.Fatal("redeeming is neither")
	}
}
