// Command operant runs the autonomous SRE operator: the monitor daemon
// that turns invariant violations into tickets, the agent daemon that
// diagnoses them and proposes actions, the admin surface over tickets and
// actions, and the chaos-experiment evaluation harness.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		var typed *exitCodeError
		if errors.As(err, &typed) {
			fmt.Fprintln(os.Stderr, "Error:", typed.Unwrap())
			return typed.code
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// exitCodeError carries the process exit code a RunE error should produce,
// mirroring tarsy's top-level "translate setup errors" convention at
// cmd/tarsy/main.go — generalized here into a single translator since this
// binary has many subcommands instead of one daemon entrypoint.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

// notFoundError wraps err as exit code 2 ("typed failure like not-found"
// per spec.md §6's illustrative exit codes).
func notFoundError(err error) error { return &exitCodeError{code: 2, err: err} }

// usageError wraps err as exit code 1 (usage/runtime error).
func usageError(err error) error { return &exitCodeError{code: 1, err: err} }
