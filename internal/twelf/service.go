// Package twelf drives request/response cycles against a Twelf guest and
// turns its status codes and printed output into structured results.
package twelf

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	guestabi "github.com/woxQAQ/twelf-lsp/api/wasm"
	"github.com/woxQAQ/twelf-lsp/internal/wasm"
)

// Status is the outcome a guest entry point reports.
type Status int

const (
	StatusOK Status = iota
	StatusAbort
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ParseResult is the outcome of one invocation. ABORT is a valid result,
// not an error; Output holds what the guest printed during the call.
type ParseResult struct {
	Status Status
	Output []string
}

// Messages extracts the located errors and warnings from the output.
func (r *ParseResult) Messages() []Message {
	return ParseMessages(r.Output)
}

// Action is a guest-originated request to the host. No actions are
// defined yet.
type Action interface {
	action()
}

// Dispatch receives guest actions.
type Dispatch func(Action)

// NopDispatch ignores every action.
func NopDispatch(Action) {}

// Guest is the slice of a module instance the service drives.
type Guest interface {
	Exports() guestabi.Exports
	ResetOutput()
	WriteInput(ctx context.Context, text string) (uint32, uint32, error)
	Call(ctx context.Context, name string, params ...uint64) ([]uint64, error)
	CapturedOutput() []string
	Closed() bool
}

var _ Guest = (*wasm.Instance)(nil)

// Service runs Parse and Execute against a single guest instance.
// Calls must not overlap; an overlapping call fails with
// ErrInvocationInProgress.
type Service struct {
	guest    Guest
	logger   *zap.Logger
	dispatch Dispatch

	busy      atomic.Bool
	discarded atomic.Pointer[fatalError]
}

type fatalError struct {
	err error
}

// Option configures a Service.
type Option func(*Service)

// WithDispatch sets the callback for guest actions.
func WithDispatch(dispatch Dispatch) Option {
	return func(s *Service) {
		if dispatch != nil {
			s.dispatch = dispatch
		}
	}
}

// NewService creates a service for a ready guest instance.
func NewService(guest Guest, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		guest:    guest,
		logger:   logger.With(zap.String("component", "twelf")),
		dispatch: NopDispatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Parse writes text into the guest and calls its printParse entry point.
func (s *Service) Parse(ctx context.Context, text string) (*ParseResult, error) {
	return s.invoke(ctx, s.guest.Exports().PrintParse, text)
}

// Execute writes text into the guest and calls its execute entry point.
func (s *Service) Execute(ctx context.Context, text string) (*ParseResult, error) {
	return s.invoke(ctx, s.guest.Exports().Execute, text)
}

// Dispatch forwards a guest action to the configured callback.
func (s *Service) Dispatch(action Action) {
	s.dispatch(action)
}

// Discarded reports the error that made the instance unusable, if any.
func (s *Service) Discarded() error {
	if f := s.discarded.Load(); f != nil {
		return f.err
	}
	return nil
}

// invoke runs one full cycle: reset output, write input, call, snapshot.
// Nothing is returned alongside an error.
func (s *Service) invoke(ctx context.Context, entry string, text string) (*ParseResult, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrInvocationInProgress
	}
	defer s.busy.Store(false)

	if err := s.Discarded(); err != nil {
		return nil, &InstanceDiscardedError{Err: err}
	}

	start := time.Now()

	s.guest.ResetOutput()

	if _, _, err := s.guest.WriteInput(ctx, text); err != nil {
		return nil, s.fail(entry, err)
	}

	results, err := s.guest.Call(ctx, entry)
	if err != nil {
		return nil, s.fail(entry, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("entry point '%s' returned no status", entry)
	}

	status, err := toStatus(entry, uint32(results[0]))
	if err != nil {
		return nil, err
	}

	result := &ParseResult{
		Status: status,
		Output: s.guest.CapturedOutput(),
	}

	s.logger.Debug("Guest call completed",
		zap.String("entry", entry),
		zap.Stringer("status", status),
		zap.Int("input_bytes", len(text)),
		zap.Int("output_lines", len(result.Output)),
		zap.Duration("duration", time.Since(start)),
	)

	return result, nil
}

// fail records fatal errors so later calls are refused.
func (s *Service) fail(entry string, err error) error {
	if isFatal(err) || s.guest.Closed() {
		s.discarded.Store(&fatalError{err: err})
		s.logger.Error("Discarding guest instance",
			zap.String("entry", entry),
			zap.Error(err),
		)
	}
	return err
}

func isFatal(err error) bool {
	var (
		allocErr   *wasm.AllocationError
		exitErr    *wasm.UnexpectedExitError
		timeoutErr *wasm.TimeoutError
	)
	return errors.As(err, &allocErr) ||
		errors.As(err, &exitErr) ||
		errors.As(err, &timeoutErr)
}

func toStatus(entry string, code uint32) (Status, error) {
	switch code {
	case guestabi.StatusOK:
		return StatusOK, nil
	case guestabi.StatusAbort:
		return StatusAbort, nil
	default:
		return 0, &UnknownStatusError{Entry: entry, Code: code}
	}
}
