package aggregation

import (
	"errors"
	"fmt"
)

// Protocol failure kinds. Every ProtocolError wraps exactly one of these.
var (
	ErrEmptyBatch              = errors.New("empty ticket batch")
	ErrMixedBatch              = errors.New("tickets from different signers or channels")
	ErrNotBeingAggregated      = errors.New("ticket is not marked as being aggregated")
	ErrChannelMismatch         = errors.New("ticket channel mismatch")
	ErrEpochMismatch           = errors.New("ticket channel epoch mismatch")
	ErrOverlappingIndices      = errors.New("overlapping ticket index ranges")
	ErrIndexRangeTooWide       = errors.New("ticket index range does not fit an index offset")
	ErrInvalidSignature        = errors.New("invalid ticket signature")
	ErrNotWinning              = errors.New("ticket is not a winning ticket")
	ErrMissingDomainSeparator  = errors.New("missing domain separator")
	ErrUnknownDestination      = errors.New("unknown destination chain key")
	ErrUnknownSigner           = errors.New("peer unknown for signer")
	ErrValueDecrease           = errors.New("aggregated ticket value is lower than the tickets it replaces")
	ErrInvalidWinProb          = errors.New("aggregated ticket win probability is not 1.0")
	ErrUnexpectedTicket        = errors.New("unexpected aggregated ticket")
	ErrInvalidAggregatedTicket = errors.New("aggregated ticket failed verification")
)

// Submission failures.
var (
	ErrRetry           = errors.New("aggregation queue is full, retry later")
	ErrTransportClosed = errors.New("aggregation queue is closed")
	ErrTimeout         = errors.New("timed out waiting for aggregation hand-off")
	ErrCanceled        = errors.New("aggregation request was dropped before hand-off")
	ErrAwaiterConsumed = errors.New("awaiter already consumed")
)

// ProtocolError is a validation failure caused by the content of a ticket batch or an
// aggregated ticket, as opposed to a store or infrastructure failure. Protocol errors on
// requests from a counterparty are reported back to it.
type ProtocolError struct {
	err error
}

func (e *ProtocolError) Error() string {
	return "ticket aggregation: " + e.err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.err }

func protocolErr(kind error, format string, args ...any) error {
	if format == "" {
		return &ProtocolError{err: kind}
	}
	return &ProtocolError{err: fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))}
}

// IsProtocolError reports whether err stems from ticket validation.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
