package runtime

import (
	"context"
)

// Runner executes shell commands inside the shared sandbox container.
//
// Execute returns the command's combined output and whether a missing tool
// was auto-installed along the way. Sandbox-level failures are reported as
// an "Error:" sentinel string in the output rather than an error value, so
// callers can feed them back to the model like any other output.
type Runner interface {
	Execute(ctx context.Context, command string) (output string, toolInstalled bool)
	Ping(ctx context.Context) error
	Close() error
}
