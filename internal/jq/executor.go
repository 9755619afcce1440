// Package jq runs jq expressions against JSON bodies returned by a
// watcher or scanner's Command/Http source, so a runbook author can pick a
// single field out of an arbitrary JSON response before it's folded into
// a scheduler.SourceValue.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds how long a single expression may run against
	// one fetched body.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize caps the JSON body size eligible for
	// evaluation; larger bodies are rejected rather than risking the
	// scheduler's tick loop on a pathological response.
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Executor evaluates jq expressions with a timeout and an input size
// ceiling.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64
}

// NewExecutor builds an Executor, applying the package defaults for any
// zero-valued argument.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Executor{timeout: timeout, maxInputSize: maxInputSize}
}

// Eval runs expression against data. An empty expression is the identity:
// data is returned unchanged, which lets a source with no extract
// expression configured reuse the same call site as one that has one.
func (e *Executor) Eval(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return data, nil
	}
	if err := e.checkInputSize(data); err != nil {
		return nil, err
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("jq: parse %q: %w", expression, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq: compile %q: %w", expression, err)
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	go func() {
		iter := code.Run(data)
		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				errCh <- err
				return
			}
			results = append(results, v)
		}
		switch len(results) {
		case 0:
			resultCh <- nil
		case 1:
			resultCh <- results[0]
		default:
			resultCh <- results
		}
	}()

	select {
	case result := <-resultCh:
		return result, nil
	case err := <-errCh:
		return nil, err
	case <-evalCtx.Done():
		return nil, fmt.Errorf("jq: %q timed out after %v", expression, e.timeout)
	}
}

// Validate compiles expression without running it, for catching a
// malformed extract expression at runbook-load time.
func (e *Executor) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return fmt.Errorf("jq: invalid expression %q: %w", expression, err)
	}
	if _, err := gojq.Compile(query); err != nil {
		return fmt.Errorf("jq: compile %q: %w", expression, err)
	}
	return nil
}

func (e *Executor) checkInputSize(data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("jq: marshal input: %w", err)
	}
	if int64(len(encoded)) > e.maxInputSize {
		return fmt.Errorf("jq: input size %d exceeds maximum %d", len(encoded), e.maxInputSize)
	}
	return nil
}
