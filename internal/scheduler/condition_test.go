package scheduler_test

import (
	"testing"
	"time"

	"github.com/oj-run/oj/internal/scheduler"
)

func TestParseWatcherCondition_Idle(t *testing.T) {
	c, err := scheduler.ParseWatcherCondition("idle:5m")
	if err != nil {
		t.Fatalf("ParseWatcherCondition error: %v", err)
	}
	if c.Kind != scheduler.CondIdle || c.IdleThreshold != 5*time.Minute {
		t.Fatalf("got %+v", c)
	}

	matched, err := c.Evaluate(scheduler.SourceValue{Kind: scheduler.SourceIdle, Idle: 6 * time.Minute}, nil)
	if err != nil || !matched {
		t.Fatalf("Evaluate = %v, %v, want true, nil", matched, err)
	}

	matched, err = c.Evaluate(scheduler.SourceValue{Kind: scheduler.SourceIdle, Idle: time.Minute}, nil)
	if err != nil || matched {
		t.Fatalf("Evaluate = %v, %v, want false, nil", matched, err)
	}
}

func TestParseWatcherCondition_Threshold(t *testing.T) {
	c, err := scheduler.ParseWatcherCondition("threshold:>=:10")
	if err != nil {
		t.Fatalf("ParseWatcherCondition error: %v", err)
	}
	matched, err := c.Evaluate(scheduler.SourceValue{Kind: scheduler.SourceNumeric, Numeric: 10}, nil)
	if err != nil || !matched {
		t.Fatalf("Evaluate(10) = %v, %v, want true, nil", matched, err)
	}
	matched, err = c.Evaluate(scheduler.SourceValue{Kind: scheduler.SourceNumeric, Numeric: 9}, nil)
	if err != nil || matched {
		t.Fatalf("Evaluate(9) = %v, %v, want false, nil", matched, err)
	}
}

func TestParseWatcherCondition_QueueDepthRange(t *testing.T) {
	c, err := scheduler.ParseWatcherCondition("queue_depth:1:5")
	if err != nil {
		t.Fatalf("ParseWatcherCondition error: %v", err)
	}
	ok, _ := c.Evaluate(scheduler.SourceValue{Kind: scheduler.SourceNumeric, Numeric: 3}, nil)
	if !ok {
		t.Fatal("expected 3 to be within [1,5]")
	}
	ok, _ = c.Evaluate(scheduler.SourceValue{Kind: scheduler.SourceNumeric, Numeric: 6}, nil)
	if ok {
		t.Fatal("expected 6 to be outside [1,5]")
	}
}

func TestParseWatcherCondition_Custom(t *testing.T) {
	c, err := scheduler.ParseWatcherCondition("custom:numeric > 3 && boolean")
	if err != nil {
		t.Fatalf("ParseWatcherCondition error: %v", err)
	}
	called := false
	matched, err := c.Evaluate(scheduler.SourceValue{}, func(expr string) (bool, error) {
		called = true
		if expr != "numeric > 3 && boolean" {
			t.Fatalf("unexpected expr %q", expr)
		}
		return true, nil
	})
	if err != nil || !matched || !called {
		t.Fatalf("Evaluate = %v, %v, called=%v", matched, err, called)
	}
}

func TestParseWatcherCondition_RejectsUnknownKind(t *testing.T) {
	if _, err := scheduler.ParseWatcherCondition("bogus:1"); err == nil {
		t.Fatal("expected error for unknown condition kind")
	}
}
