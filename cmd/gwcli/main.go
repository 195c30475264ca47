package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
)

var Version = "dev"

// Exit codes.
const (
	exitError        = 1
	exitAuthRequired = 2
	exitAuthFailed   = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	a := newApp(os.Stdout, os.Stderr)
	root := newRootCmd(a)
	root.SetArgs(os.Args[1:])

	err := root.ExecuteContext(ctx)

	// PersistentPostRunE is skipped when a command fails.
	_ = a.close()

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrAuthRequired),
		errors.Is(err, apperrors.ErrMissingAccount),
		errors.Is(err, apperrors.ErrMissingCredentials):
		return exitAuthRequired
	case errors.Is(err, apperrors.ErrStateMismatch),
		errors.Is(err, apperrors.ErrInvalidRedirect),
		errors.Is(err, apperrors.ErrTimeout),
		errors.Is(err, apperrors.ErrNoRefreshToken):
		return exitAuthFailed
	}

	return exitError
}
