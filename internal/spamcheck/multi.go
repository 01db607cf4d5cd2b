package spamcheck

import (
	"context"
	"fmt"
)

// Multi fans one message out to several checkers. Any reject wins, then
// any tempfail; otherwise the highest-scoring verdict stands. Checkers
// that error are skipped as long as at least one answers.
type Multi struct {
	checkers []Checker
}

// NewMulti combines checkers into one.
func NewMulti(checkers ...Checker) *Multi {
	return &Multi{checkers: checkers}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Check(ctx context.Context, raw []byte, opts Options) (*Result, error) {
	if len(m.checkers) == 0 {
		return &Result{Checker: m.Name(), Action: ActionAccept}, nil
	}

	var verdicts []*Result
	var failures []error
	for _, checker := range m.checkers {
		result, err := checker.Check(ctx, raw, opts)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", checker.Name(), err))
			continue
		}
		verdicts = append(verdicts, result)
	}
	if len(verdicts) == 0 {
		return nil, fmt.Errorf("all checkers failed: %v", failures)
	}

	for _, action := range []Action{ActionReject, ActionTempFail} {
		for _, v := range verdicts {
			if v.Action == action {
				return v, nil
			}
		}
	}

	highest := verdicts[0]
	for _, v := range verdicts[1:] {
		if v.Score > highest.Score {
			highest = v
		}
	}
	return highest, nil
}

func (m *Multi) Close() error {
	var failures []error
	for _, checker := range m.checkers {
		if err := checker.Close(); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("closing checkers: %v", failures)
	}
	return nil
}
