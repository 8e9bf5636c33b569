// Package dispatch orchestrates one tool invocation end to end: catalog
// lookup, authorization, credit reservation, the downstream call, and
// deterministic settlement. Each call walks the state machine
// Received -> Authorized -> Reserved -> Executing -> Settled.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alecgard/peage/internal/auth"
	"github.com/alecgard/peage/internal/catalog"
	"github.com/alecgard/peage/internal/downstream"
	"github.com/alecgard/peage/internal/ledger"
	"github.com/alecgard/peage/internal/metering"
)

// Stable error codes surfaced verbatim to callers.
const (
	CodeToolNotFound          = "tool_not_found"
	CodeForbidden             = "forbidden"
	CodeInsufficientCredits   = "insufficient_credits"
	CodeInvalidArguments      = "invalid_arguments"
	CodeDownstreamUnavailable = "downstream_unavailable"
	CodeInternal              = "internal_error"
)

// CallError is the tagged failure of a dispatched call. Every terminal
// failure state maps to exactly one code.
type CallError struct {
	Code    string
	Message string
	// Balance is set on insufficient-credits failures so clients can react
	// without a separate balance query.
	Balance *int64
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is a successful call outcome.
type Result struct {
	Payload        json.RawMessage
	CreditsCharged int64
	// RemainingBalance is the balance after the charge, for authenticated
	// billable calls; nil for guest and zero-cost calls.
	RemainingBalance *int64
}

// Invoker is the opaque downstream collaborator.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error)
}

// UsageRecorder receives one call record per dispatched call.
type UsageRecorder interface {
	Record(rec metering.CallRecord)
}

// MetricsRecorder is an optional interface for dispatch-level metrics.
type MetricsRecorder interface {
	IncCall(tool, transport, outcome string)
	ObserveDownstreamDuration(tool string, seconds float64)
	IncReservationOutcome(outcome string)
	IncInsufficientCredits()
}

// Dispatcher drives tool calls. Safe for concurrent use; all per-account
// synchronization lives inside the ledger.
type Dispatcher struct {
	catalog    *catalog.Catalog
	ledger     ledger.Ledger
	invoker    Invoker
	usage      UsageRecorder
	metrics    MetricsRecorder
	maxRetries int
}

// New creates a Dispatcher. usage and metrics may be nil.
func New(cat *catalog.Catalog, led ledger.Ledger, inv Invoker, maxRetries int) *Dispatcher {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Dispatcher{
		catalog:    cat,
		ledger:     led,
		invoker:    inv,
		maxRetries: maxRetries,
	}
}

// SetUsageRecorder sets the optional metering recorder.
func (d *Dispatcher) SetUsageRecorder(u UsageRecorder) {
	d.usage = u
}

// SetMetrics sets the optional metrics recorder.
func (d *Dispatcher) SetMetrics(m MetricsRecorder) {
	d.metrics = m
}

// Call executes one tool invocation for the given principal. transport names
// the adapter the request arrived on, for telemetry only.
func (d *Dispatcher) Call(ctx context.Context, p auth.Principal, name string, args map[string]any, transport string) (*Result, *CallError) {
	start := time.Now()

	// Received: catalog lookup, no ledger interaction on failure.
	desc, err := d.catalog.Lookup(name)
	if err != nil {
		return nil, d.fail(p, name, transport, start, 0, &CallError{
			Code:    CodeToolNotFound,
			Message: fmt.Sprintf("unknown tool %q", name),
		})
	}

	// Authorized: guests may only call guest-eligible tools. This is
	// forbidden rather than unauthorized: the credential was absent by choice.
	if auth.IsGuest(p) && !desc.GuestEligible {
		return nil, d.fail(p, name, transport, start, 0, &CallError{
			Code:    CodeForbidden,
			Message: fmt.Sprintf("tool %q requires authentication", name),
		})
	}

	// Reserved: billable calls hold credits before any side effect. Guest
	// and zero-cost calls skip reservation entirely.
	var res *ledger.Reservation
	if acct, ok := p.(auth.Authenticated); ok && desc.Cost > 0 {
		res, err = d.ledger.Reserve(ctx, acct.AccountID, desc.Cost)
		if err != nil {
			var ice *ledger.InsufficientCreditsError
			if errors.As(err, &ice) {
				if d.metrics != nil {
					d.metrics.IncInsufficientCredits()
				}
				return nil, d.fail(p, name, transport, start, 0, &CallError{
					Code:    CodeInsufficientCredits,
					Message: fmt.Sprintf("insufficient credits: need %d, have %d", ice.Required, ice.Available),
					Balance: &ice.Available,
				})
			}
			slog.Error("reserve failed", "tool", name, "account", acct.AccountID, "error", err)
			return nil, d.fail(p, name, transport, start, 0, &CallError{
				Code:    CodeInternal,
				Message: "failed to reserve credits",
			})
		}
	}

	// Executing: the downstream call runs outside any ledger critical
	// section. Transient failures are retried a bounded number of times
	// against the same reservation.
	payload, execErr := d.execute(ctx, name, args)

	// Settled: the reservation always reaches a terminal state, even when
	// the caller has disconnected mid-call.
	settleCtx := context.WithoutCancel(ctx)
	return d.settle(settleCtx, p, desc, res, payload, execErr, transport, start)
}

func (d *Dispatcher) execute(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	start := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.ObserveDownstreamDuration(name, time.Since(start).Seconds())
		}
	}()

	var payload json.RawMessage
	var err error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		payload, err = d.invoker.Invoke(ctx, name, args)
		if err == nil || !downstream.IsTransient(err) {
			return payload, err
		}
		// Don't keep retrying on behalf of a caller that is gone.
		if ctx.Err() != nil {
			return nil, err
		}
		if attempt < d.maxRetries {
			slog.Warn("retrying transient downstream failure",
				"tool", name, "attempt", attempt+1, "error", err)
		}
	}
	return payload, err
}

func (d *Dispatcher) settle(ctx context.Context, p auth.Principal, desc catalog.Descriptor, res *ledger.Reservation, payload json.RawMessage, execErr error, transport string, start time.Time) (*Result, *CallError) {
	if execErr == nil {
		if res != nil {
			if err := d.ledger.Commit(ctx, res.ID); err != nil {
				slog.Error("commit failed after successful call",
					"tool", desc.Name, "reservation", res.ID, "error", err)
				return nil, d.fail(p, desc.Name, transport, start, 0, &CallError{
					Code:    CodeInternal,
					Message: "failed to settle call",
				})
			}
			if d.metrics != nil {
				d.metrics.IncReservationOutcome("committed")
			}
		}
		result := &Result{Payload: payload}
		if res != nil {
			result.CreditsCharged = res.Amount
			result.RemainingBalance = &res.BalanceAfter
		}
		d.record(p, desc.Name, transport, "success", result.CreditsCharged, start, "")
		if d.metrics != nil {
			d.metrics.IncCall(desc.Name, transport, "success")
		}
		return result, nil
	}

	if downstream.IsTransient(execErr) {
		// Server-side failure: the caller is made whole.
		if res != nil {
			if err := d.ledger.Refund(ctx, res.ID); err != nil {
				slog.Error("refund failed after transient downstream failure",
					"tool", desc.Name, "reservation", res.ID, "error", err)
				return nil, d.fail(p, desc.Name, transport, start, 0, &CallError{
					Code:    CodeInternal,
					Message: "failed to settle call",
				})
			}
			if d.metrics != nil {
				d.metrics.IncReservationOutcome("refunded")
			}
		}
		return nil, d.fail(p, desc.Name, transport, start, 0, &CallError{
			Code:    CodeDownstreamUnavailable,
			Message: "lookup service unavailable, credits not charged",
		})
	}

	// Permanent failure: the lookup was legitimately attempted, credits
	// stay charged.
	charged := int64(0)
	if res != nil {
		if err := d.ledger.Commit(ctx, res.ID); err != nil {
			slog.Error("commit failed after permanent downstream failure",
				"tool", desc.Name, "reservation", res.ID, "error", err)
			return nil, d.fail(p, desc.Name, transport, start, 0, &CallError{
				Code:    CodeInternal,
				Message: "failed to settle call",
			})
		}
		charged = res.Amount
		if d.metrics != nil {
			d.metrics.IncReservationOutcome("committed")
		}
	}
	var pe *downstream.PermanentError
	msg := "downstream rejected the request"
	if errors.As(execErr, &pe) {
		msg = pe.Message
	}
	return nil, d.fail(p, desc.Name, transport, start, charged, &CallError{
		Code:    CodeInvalidArguments,
		Message: msg,
	})
}

// fail records telemetry for a terminal failure and passes the error through.
func (d *Dispatcher) fail(p auth.Principal, tool, transport string, start time.Time, charged int64, callErr *CallError) *CallError {
	d.record(p, tool, transport, callErr.Code, charged, start, callErr.Message)
	if d.metrics != nil {
		d.metrics.IncCall(tool, transport, callErr.Code)
	}
	return callErr
}

func (d *Dispatcher) record(p auth.Principal, tool, transport, outcome string, charged int64, start time.Time, errMsg string) {
	if d.usage == nil {
		return
	}
	var accountID string
	if acct, ok := p.(auth.Authenticated); ok {
		accountID = acct.AccountID
	}
	d.usage.Record(metering.CallRecord{
		AccountID:      accountID,
		Tool:           tool,
		Transport:      transport,
		Outcome:        outcome,
		CreditsCharged: charged,
		LatencyMs:      time.Since(start).Milliseconds(),
		Timestamp:      time.Now().UTC(),
		Error:          errMsg,
	})
}
