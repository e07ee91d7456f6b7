package main

import (
	"errors"
	"fmt"

	"github.com/holesch/not-my-board/internal/core"
	"github.com/holesch/not-my-board/internal/rpc"
)

// Exit codes per spec.md §6: 0 success; 1 generic failure; 2 usage
// error; 3 no matching place; 4 auth failure.
const (
	exitSuccess = 0
	exitGeneric = 1
	exitUsage   = 2
	exitNoMatch = 3
	exitAuth    = 4
)

// errUsage marks a board-command failure as a usage error (bad flags
// or arguments) rather than a runtime failure, so exitCodeFor can
// distinguish the two without inspecting error strings.
type errUsage struct{ err error }

func (e *errUsage) Error() string { return e.err.Error() }
func (e *errUsage) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return &errUsage{err: fmt.Errorf(format, args...)}
}

// exitCodeFor maps a board-command failure to one of the CLI exit
// codes, inspecting a wrapped rpc.Error/core.DomainError's taxonomy
// code where present.
func exitCodeFor(err error) int {
	if err == nil {
		return exitSuccess
	}

	var usageErr *errUsage
	if errors.As(err, &usageErr) {
		return exitUsage
	}

	var domainErr *core.DomainError
	if errors.As(err, &domainErr) {
		switch domainErr.Code {
		case core.CodeNoMatch:
			return exitNoMatch
		case core.CodeAuth:
			return exitAuth
		default:
			return exitGeneric
		}
	}

	var wireErr *rpc.Error
	if errors.As(err, &wireErr) {
		switch core.ErrorCode(wireErr.Code) {
		case core.CodeNoMatch:
			return exitNoMatch
		case core.CodeAuth:
			return exitAuth
		default:
			return exitGeneric
		}
	}

	return exitGeneric
}
