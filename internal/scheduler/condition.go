package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// WatcherConditionKind tags which WatcherCondition variant is populated,
// matching the sum type spec.md §4.3 names for Watcher.condition.
type WatcherConditionKind string

const (
	CondIdle                WatcherConditionKind = "idle"
	CondConsecutiveFailures WatcherConditionKind = "consecutive_failures"
	CondThreshold           WatcherConditionKind = "threshold"
	CondStateEquals         WatcherConditionKind = "state_equals"
	CondQueueDepth          WatcherConditionKind = "queue_depth"
	CondCustom              WatcherConditionKind = "custom"
)

// WatcherCondition is a parsed runbook.WatcherDef.Condition string.
type WatcherCondition struct {
	Kind WatcherConditionKind

	IdleThreshold time.Duration

	FailureCount int

	ThresholdOp    string // one of "<", "<=", ">", ">=", "=="
	ThresholdValue int64

	State string

	QueueMin    int64
	QueueMax    int64
	HasQueueMax bool

	Expr string
}

// ParseWatcherCondition parses the small condition grammar runbook
// authors write: "idle:<duration>", "consecutive_failures:<n>",
// "threshold:<op>:<n>", "state_equals:<state>", "queue_depth:<min>[:<max>]",
// or "custom:<expr-lang boolean expression>".
func ParseWatcherCondition(s string) (WatcherCondition, error) {
	parts := strings.SplitN(s, ":", 2)
	kind := WatcherConditionKind(strings.TrimSpace(parts[0]))
	rest := ""
	if len(parts) == 2 {
		rest = parts[1]
	}

	switch kind {
	case CondIdle:
		d, err := time.ParseDuration(rest)
		if err != nil {
			return WatcherCondition{}, fmt.Errorf("scheduler: invalid idle threshold %q: %w", rest, err)
		}
		return WatcherCondition{Kind: CondIdle, IdleThreshold: d}, nil

	case CondConsecutiveFailures:
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return WatcherCondition{}, fmt.Errorf("scheduler: invalid consecutive_failures count %q: %w", rest, err)
		}
		return WatcherCondition{Kind: CondConsecutiveFailures, FailureCount: n}, nil

	case CondThreshold:
		op, valStr, ok := strings.Cut(rest, ":")
		if !ok {
			return WatcherCondition{}, fmt.Errorf("scheduler: threshold condition needs op:value, got %q", rest)
		}
		val, err := strconv.ParseInt(strings.TrimSpace(valStr), 10, 64)
		if err != nil {
			return WatcherCondition{}, fmt.Errorf("scheduler: invalid threshold value %q: %w", valStr, err)
		}
		return WatcherCondition{Kind: CondThreshold, ThresholdOp: strings.TrimSpace(op), ThresholdValue: val}, nil

	case CondStateEquals:
		return WatcherCondition{Kind: CondStateEquals, State: strings.TrimSpace(rest)}, nil

	case CondQueueDepth:
		bounds := strings.Split(rest, ":")
		min, err := strconv.ParseInt(strings.TrimSpace(bounds[0]), 10, 64)
		if err != nil {
			return WatcherCondition{}, fmt.Errorf("scheduler: invalid queue_depth min %q: %w", bounds[0], err)
		}
		c := WatcherCondition{Kind: CondQueueDepth, QueueMin: min}
		if len(bounds) > 1 {
			max, err := strconv.ParseInt(strings.TrimSpace(bounds[1]), 10, 64)
			if err != nil {
				return WatcherCondition{}, fmt.Errorf("scheduler: invalid queue_depth max %q: %w", bounds[1], err)
			}
			c.QueueMax = max
			c.HasQueueMax = true
		}
		return c, nil

	case CondCustom:
		return WatcherCondition{Kind: CondCustom, Expr: rest}, nil
	}

	return WatcherCondition{}, fmt.Errorf("scheduler: unknown condition kind %q", kind)
}

// exprCache avoids recompiling the same Custom condition's expr-lang
// program on every watcher poll.
type exprCache struct {
	programs map[string]*vm.Program
}

func newExprCache() *exprCache {
	return &exprCache{programs: map[string]*vm.Program{}}
}

func (c *exprCache) eval(exprStr string, env map[string]any) (bool, error) {
	prog, ok := c.programs[exprStr]
	if !ok {
		var err error
		prog, err = expr.Compile(exprStr, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return false, fmt.Errorf("scheduler: compiling custom condition %q: %w", exprStr, err)
		}
		c.programs[exprStr] = prog
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("scheduler: evaluating custom condition %q: %w", exprStr, err)
	}
	b, _ := out.(bool)
	return b, nil
}

// Evaluate reports whether val satisfies c. customEval is consulted only
// for CondCustom, and is nil-safe: a nil customEval makes a Custom
// condition always false rather than panicking.
func (c WatcherCondition) Evaluate(val SourceValue, customEval func(string) (bool, error)) (bool, error) {
	switch c.Kind {
	case CondIdle:
		return val.Kind == SourceIdle && val.Idle >= c.IdleThreshold, nil

	case CondConsecutiveFailures:
		return val.Kind == SourceNumeric && val.Numeric >= int64(c.FailureCount), nil

	case CondThreshold:
		if val.Kind != SourceNumeric {
			return false, nil
		}
		return compareInt(val.Numeric, c.ThresholdOp, c.ThresholdValue)

	case CondStateEquals:
		switch val.Kind {
		case SourceState:
			return val.State == c.State, nil
		case SourceTaskState:
			return val.TaskState == c.State, nil
		default:
			return false, nil
		}

	case CondQueueDepth:
		if val.Kind != SourceNumeric {
			return false, nil
		}
		if val.Numeric < c.QueueMin {
			return false, nil
		}
		if c.HasQueueMax && val.Numeric > c.QueueMax {
			return false, nil
		}
		return true, nil

	case CondCustom:
		if customEval == nil {
			return false, nil
		}
		return customEval(c.Expr)
	}
	return false, nil
}

func compareInt(got int64, op string, want int64) (bool, error) {
	switch op {
	case "<":
		return got < want, nil
	case "<=":
		return got <= want, nil
	case ">":
		return got > want, nil
	case ">=":
		return got >= want, nil
	case "==":
		return got == want, nil
	default:
		return false, fmt.Errorf("scheduler: unknown threshold operator %q", op)
	}
}
