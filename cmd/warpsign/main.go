// Command warpsign re-signs an iOS application archive for a caller's
// Apple Developer team. See spec.md / SPEC_FULL.md for the pipeline this
// wires together; this file only owns process bootstrap (logger
// construction, signal-driven cancellation, exit code mapping), grounded
// on the teacher's cmd/ entrypoints and generalized with a cobra command
// tree per SPEC_FULL.md section 10.1.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/warpsign-dev/warpsign"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "warpsign:", err)
		os.Exit(exitCodeFor(ctx, err))
	}
}

// exitCodeFor maps an error onto the documented exit codes (spec section
// 6): 1 user error, 2 portal failure, 3 signing failure, 4 cancellation.
func exitCodeFor(ctx context.Context, err error) int {
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return 4
	}
	var werr *warpsign.Error
	if errors.As(err, &werr) {
		return werr.Kind.ExitCode()
	}
	return 1
}
