package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kernelsu/ksud/internal/ksuerr"
)

// ExitError is returned by commands that want to control the process exit
// code. Message is printed by main as is.
type ExitError struct {
	code    int
	kind    ksuerr.Kind
	message string
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *ExitError) Code() int {
	if e == nil {
		return 1
	}
	return e.code
}

func (e *ExitError) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Kind is the taxonomy kind of the failure, Unknown for plain errors.
func (e *ExitError) Kind() ksuerr.Kind {
	if e == nil {
		return ksuerr.Unknown
	}
	return e.kind
}

// toExitError renders err as "<kind>: <detail>" with exit code 1.
func toExitError(err error) error {
	if err == nil {
		return nil
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return err
	}
	kind := ksuerr.KindOf(err)
	return &ExitError{code: 1, kind: kind, message: fmt.Sprintf("%s: %v", kind, err)}
}

// wrapErrors converts the errors of every RunE in the tree. done runs when
// a RunE returns, whether or not it failed.
func wrapErrors(cmd *cobra.Command, done func()) {
	if run := cmd.RunE; run != nil {
		cmd.RunE = func(c *cobra.Command, args []string) error {
			defer done()
			return toExitError(run(c, args))
		}
	}
	if pre := cmd.PersistentPreRunE; pre != nil {
		cmd.PersistentPreRunE = func(c *cobra.Command, args []string) error {
			return toExitError(pre(c, args))
		}
	}
	for _, sub := range cmd.Commands() {
		wrapErrors(sub, done)
	}
}
