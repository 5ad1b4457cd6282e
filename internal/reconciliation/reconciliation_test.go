package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/escrowd/internal/logging"
)

func staticCheck(name string, res Result, err error) Check {
	return Check{Name: name, Run: func(context.Context) (Result, error) { return res, err }}
}

func TestRunAll_AllClean(t *testing.T) {
	r := NewRunner(logging.Discard(),
		staticCheck("escrow", Result{Examined: 2, Finalized: 1, Reverted: 1}, nil),
		staticCheck("refund", Result{}, nil),
	)

	if r.Last() != nil {
		t.Fatal("expected no report before first run")
	}
	report, err := r.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if !report.Healthy() {
		t.Errorf("expected healthy report, got %+v", report)
	}
	if got := report.Results["escrow"]; got.Finalized != 1 || got.Reverted != 1 {
		t.Errorf("unexpected escrow result %+v", got)
	}
	if r.Last() != report {
		t.Error("expected Last to return the latest report")
	}
}

func TestRunAll_FailureDoesNotStopOthers(t *testing.T) {
	ran := false
	boom := errors.New("wallet unreachable")
	r := NewRunner(logging.Discard(),
		staticCheck("escrow", Result{Examined: 1, Failed: 1}, boom),
		Check{Name: "refund", Run: func(context.Context) (Result, error) {
			ran = true
			return Result{}, nil
		}},
	)

	report, err := r.RunAll(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error to wrap cause, got %v", err)
	}
	if !ran {
		t.Error("expected refund check to run after escrow failure")
	}
	if report.Healthy() {
		t.Error("expected unhealthy report")
	}
	if report.Errors["escrow"] == "" {
		t.Error("expected escrow error recorded")
	}
}

func TestTimer_StartStop(t *testing.T) {
	runs := make(chan struct{}, 10)
	r := NewRunner(logging.Discard(), Check{Name: "tick", Run: func(context.Context) (Result, error) {
		runs <- struct{}{}
		return Result{}, nil
	}})
	timer := NewTimer(r, 5*time.Millisecond, logging.Discard())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	select {
	case <-runs:
	case <-time.After(time.Second):
		t.Fatal("timer never ran")
	}
	if !timer.Running() {
		t.Error("expected timer running")
	}
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
}

func TestTimer_RecoversPanic(t *testing.T) {
	r := NewRunner(logging.Discard(), Check{Name: "bad", Run: func(context.Context) (Result, error) {
		panic("boom")
	}})
	timer := NewTimer(r, time.Hour, logging.Discard())
	timer.safeRun(context.Background())
}
