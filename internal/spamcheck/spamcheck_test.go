package spamcheck

import (
	"context"
	"errors"
	"testing"
)

// stubChecker returns a fixed verdict or error.
type stubChecker struct {
	name   string
	result *Result
	err    error
}

func (s *stubChecker) Name() string { return s.name }

func (s *stubChecker) Check(ctx context.Context, raw []byte, opts Options) (*Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubChecker) Close() error { return nil }

func TestPolicyDecide(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		result Result
		want   Action
	}{
		{
			name:   "clean message accepted",
			policy: Policy{RejectThreshold: 15},
			result: Result{Score: 1.2, Action: ActionAccept},
			want:   ActionAccept,
		},
		{
			name:   "checker reject holds",
			policy: Policy{},
			result: Result{Score: 20, Action: ActionReject},
			want:   ActionReject,
		},
		{
			name:   "threshold tightens accept to reject",
			policy: Policy{RejectThreshold: 10},
			result: Result{Score: 12, Action: ActionAccept},
			want:   ActionReject,
		},
		{
			name:   "tempfail threshold",
			policy: Policy{RejectThreshold: 15, TempFailThreshold: 8},
			result: Result{Score: 9, Action: ActionAccept},
			want:   ActionTempFail,
		},
		{
			name:   "spam below thresholds is flagged",
			policy: Policy{RejectThreshold: 15},
			result: Result{Score: 6, IsSpam: true, Action: ActionFlag},
			want:   ActionFlag,
		},
		{
			name:   "zero thresholds disable tightening",
			policy: Policy{},
			result: Result{Score: 99, Action: ActionAccept},
			want:   ActionAccept,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Decide(&tt.result); got != tt.want {
				t.Errorf("Decide() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPolicyMode(t *testing.T) {
	if got := (Policy{}).Mode(); got != FailTempFail {
		t.Errorf("default Mode() = %q, want tempfail", got)
	}
	if got := (Policy{FailMode: FailOpen}).Mode(); got != FailOpen {
		t.Errorf("Mode() = %q, want open", got)
	}
}

func TestMultiRejectWins(t *testing.T) {
	m := NewMulti(
		&stubChecker{name: "a", result: &Result{Checker: "a", Score: 2, Action: ActionAccept}},
		&stubChecker{name: "b", result: &Result{Checker: "b", Score: 20, Action: ActionReject}},
	)

	got, err := m.Check(context.Background(), []byte("raw"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Action != ActionReject || got.Checker != "b" {
		t.Errorf("Check() = %+v, want b's reject", got)
	}
}

func TestMultiHighestScoreOtherwise(t *testing.T) {
	m := NewMulti(
		&stubChecker{name: "a", result: &Result{Checker: "a", Score: 2, Action: ActionAccept}},
		&stubChecker{name: "b", result: &Result{Checker: "b", Score: 7, IsSpam: true, Action: ActionFlag}},
	)

	got, err := m.Check(context.Background(), []byte("raw"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Checker != "b" || got.Score != 7 {
		t.Errorf("Check() = %+v, want highest score verdict", got)
	}
}

func TestMultiToleratesPartialFailure(t *testing.T) {
	m := NewMulti(
		&stubChecker{name: "a", err: errors.New("unreachable")},
		&stubChecker{name: "b", result: &Result{Checker: "b", Score: 1, Action: ActionAccept}},
	)

	got, err := m.Check(context.Background(), []byte("raw"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Checker != "b" {
		t.Errorf("Check() = %+v, want surviving checker's verdict", got)
	}
}

func TestMultiAllFailed(t *testing.T) {
	m := NewMulti(
		&stubChecker{name: "a", err: errors.New("down")},
		&stubChecker{name: "b", err: errors.New("also down")},
	)

	if _, err := m.Check(context.Background(), []byte("raw"), Options{}); err == nil {
		t.Error("Check() succeeded with every checker failing")
	}
}

func TestMultiEmptyAccepts(t *testing.T) {
	got, err := NewMulti().Check(context.Background(), []byte("raw"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Action != ActionAccept {
		t.Errorf("Check() = %+v, want accept", got)
	}
}
