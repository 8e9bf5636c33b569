package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/alecgard/peage/internal/auth"
	"github.com/alecgard/peage/internal/catalog"
	"github.com/alecgard/peage/internal/downstream"
	"github.com/alecgard/peage/internal/ledger"
	"github.com/alecgard/peage/internal/metering"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Build([]catalog.Descriptor{
		{
			Name:          "check_whatsapp",
			Description:   "WhatsApp presence check",
			Cost:          1,
			GuestEligible: true,
			InputSchema:   catalog.Schema{Type: "object"},
		},
		{
			Name:        "traceflow",
			Description: "Full identity trace",
			Cost:        5,
			InputSchema: catalog.Schema{Type: "object"},
		},
		{
			Name:        "echo_status",
			Description: "Free status check",
			Cost:        0,
			InputSchema: catalog.Schema{Type: "object"},
		},
	})
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}
	return cat
}

// scriptedInvoker returns its queued outcomes in order, then repeats the last.
type scriptedInvoker struct {
	mu       sync.Mutex
	outcomes []error
	payload  json.RawMessage
	calls    int
	onCall   func(attempt int)
}

func (s *scriptedInvoker) Invoke(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	attempt := s.calls
	s.calls++
	var err error
	if len(s.outcomes) > 0 {
		if attempt < len(s.outcomes) {
			err = s.outcomes[attempt]
		} else {
			err = s.outcomes[len(s.outcomes)-1]
		}
	}
	hook := s.onCall
	s.mu.Unlock()

	if hook != nil {
		hook(attempt)
	}
	if err != nil {
		return nil, err
	}
	if s.payload != nil {
		return s.payload, nil
	}
	return json.RawMessage(`{"found":true}`), nil
}

func (s *scriptedInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// captureUsage records every call record it receives.
type captureUsage struct {
	mu      sync.Mutex
	records []metering.CallRecord
}

func (c *captureUsage) Record(rec metering.CallRecord) {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
}

func (c *captureUsage) last(t *testing.T) metering.CallRecord {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.records) == 0 {
		t.Fatal("no usage records captured")
	}
	return c.records[len(c.records)-1]
}

func newTestDispatcher(t *testing.T, inv Invoker, maxRetries int) (*Dispatcher, *ledger.Memory, *captureUsage) {
	t.Helper()
	led := ledger.NewMemory()
	led.CreateAccount("acct-1", 10)
	usage := &captureUsage{}
	d := New(testCatalog(t), led, inv, maxRetries)
	d.SetUsageRecorder(usage)
	return d, led, usage
}

var alice = auth.Authenticated{AccountID: "acct-1", Email: "alice@example.com"}

func TestCall_SuccessChargesAndCommits(t *testing.T) {
	inv := &scriptedInvoker{payload: json.RawMessage(`{"registered":true}`)}
	d, led, usage := newTestDispatcher(t, inv, 0)

	res, callErr := d.Call(context.Background(), alice, "traceflow", nil, "http")
	if callErr != nil {
		t.Fatalf("unexpected error: %v", callErr)
	}
	if string(res.Payload) != `{"registered":true}` {
		t.Errorf("payload not passed through: %s", res.Payload)
	}
	if res.CreditsCharged != 5 {
		t.Errorf("expected 5 credits charged, got %d", res.CreditsCharged)
	}
	if res.RemainingBalance == nil || *res.RemainingBalance != 5 {
		t.Errorf("expected remaining balance 5, got %v", res.RemainingBalance)
	}

	balance, _ := led.Balance(context.Background(), "acct-1")
	if balance != 5 {
		t.Errorf("expected balance 5, got %d", balance)
	}

	txs := led.Transactions()
	if len(txs) != 1 || txs[0].Outcome != "commit" {
		t.Errorf("expected one commit transaction, got %+v", txs)
	}

	rec := usage.last(t)
	if rec.Outcome != "success" || rec.CreditsCharged != 5 || rec.Transport != "http" {
		t.Errorf("unexpected usage record: %+v", rec)
	}
}

func TestCall_ZeroCostSkipsLedger(t *testing.T) {
	inv := &scriptedInvoker{}
	d, led, _ := newTestDispatcher(t, inv, 0)

	res, callErr := d.Call(context.Background(), alice, "echo_status", nil, "http")
	if callErr != nil {
		t.Fatalf("unexpected error: %v", callErr)
	}
	if res.CreditsCharged != 0 {
		t.Errorf("expected 0 credits charged, got %d", res.CreditsCharged)
	}
	if res.RemainingBalance != nil {
		t.Errorf("expected nil remaining balance for free call")
	}
	if len(led.Transactions()) != 0 {
		t.Errorf("free call must not touch the ledger")
	}
}

func TestCall_GuestEligibleToolIsFree(t *testing.T) {
	inv := &scriptedInvoker{}
	d, led, _ := newTestDispatcher(t, inv, 0)

	res, callErr := d.Call(context.Background(), auth.Guest{}, "check_whatsapp", nil, "http")
	if callErr != nil {
		t.Fatalf("unexpected error: %v", callErr)
	}
	if res.CreditsCharged != 0 {
		t.Errorf("guest calls are never charged, got %d", res.CreditsCharged)
	}
	if len(led.Transactions()) != 0 {
		t.Errorf("guest call must not touch the ledger")
	}
}

func TestCall_GuestForbiddenForPaidTool(t *testing.T) {
	inv := &scriptedInvoker{}
	d, led, usage := newTestDispatcher(t, inv, 0)

	_, callErr := d.Call(context.Background(), auth.Guest{}, "traceflow", nil, "http")
	if callErr == nil || callErr.Code != CodeForbidden {
		t.Fatalf("expected forbidden, got %v", callErr)
	}
	if inv.callCount() != 0 {
		t.Errorf("downstream must not be called for forbidden requests")
	}
	if len(led.Transactions()) != 0 {
		t.Errorf("forbidden call must not touch the ledger")
	}
	if rec := usage.last(t); rec.Outcome != CodeForbidden {
		t.Errorf("expected forbidden usage record, got %+v", rec)
	}
}

func TestCall_UnknownTool(t *testing.T) {
	inv := &scriptedInvoker{}
	d, led, _ := newTestDispatcher(t, inv, 0)

	_, callErr := d.Call(context.Background(), alice, "nope", nil, "http")
	if callErr == nil || callErr.Code != CodeToolNotFound {
		t.Fatalf("expected tool_not_found, got %v", callErr)
	}
	if inv.callCount() != 0 {
		t.Errorf("downstream must not be called for unknown tools")
	}
	if len(led.Transactions()) != 0 {
		t.Errorf("unknown tool must not touch the ledger, got %+v", led.Transactions())
	}
	if balance, _ := led.Balance(context.Background(), "acct-1"); balance != 10 {
		t.Errorf("balance must be untouched, got %d", balance)
	}
}

func TestCall_InsufficientCredits(t *testing.T) {
	inv := &scriptedInvoker{}
	led := ledger.NewMemory()
	led.CreateAccount("acct-1", 2)
	d := New(testCatalog(t), led, inv, 0)

	_, callErr := d.Call(context.Background(), alice, "traceflow", nil, "http")
	if callErr == nil || callErr.Code != CodeInsufficientCredits {
		t.Fatalf("expected insufficient_credits, got %v", callErr)
	}
	if callErr.Balance == nil || *callErr.Balance != 2 {
		t.Errorf("expected balance 2 in error, got %v", callErr.Balance)
	}
	if inv.callCount() != 0 {
		t.Errorf("downstream must not be called without a successful hold")
	}
}

func TestCall_TransientFailureRefunds(t *testing.T) {
	inv := &scriptedInvoker{outcomes: []error{
		&downstream.TransientError{Err: errors.New("connection refused")},
	}}
	d, led, _ := newTestDispatcher(t, inv, 0)

	_, callErr := d.Call(context.Background(), alice, "traceflow", nil, "http")
	if callErr == nil || callErr.Code != CodeDownstreamUnavailable {
		t.Fatalf("expected downstream_unavailable, got %v", callErr)
	}

	balance, _ := led.Balance(context.Background(), "acct-1")
	if balance != 10 {
		t.Errorf("expected full refund to 10, got %d", balance)
	}
	txs := led.Transactions()
	if len(txs) != 1 || txs[0].Outcome != "refund" {
		t.Errorf("expected one refund transaction, got %+v", txs)
	}
}

func TestCall_PermanentFailureKeepsCharge(t *testing.T) {
	inv := &scriptedInvoker{outcomes: []error{
		&downstream.PermanentError{StatusCode: 422, Message: "phone number is malformed"},
	}}
	d, led, usage := newTestDispatcher(t, inv, 2)

	_, callErr := d.Call(context.Background(), alice, "traceflow", nil, "http")
	if callErr == nil || callErr.Code != CodeInvalidArguments {
		t.Fatalf("expected invalid_arguments, got %v", callErr)
	}
	if callErr.Message != "phone number is malformed" {
		t.Errorf("expected downstream message passthrough, got %q", callErr.Message)
	}

	// Permanent failures never retry.
	if inv.callCount() != 1 {
		t.Errorf("expected a single attempt, got %d", inv.callCount())
	}

	balance, _ := led.Balance(context.Background(), "acct-1")
	if balance != 5 {
		t.Errorf("credits stay charged on permanent failure, want 5 got %d", balance)
	}
	txs := led.Transactions()
	if len(txs) != 1 || txs[0].Outcome != "commit" {
		t.Errorf("expected one commit transaction, got %+v", txs)
	}
	if rec := usage.last(t); rec.CreditsCharged != 5 {
		t.Errorf("usage record must carry the charge, got %+v", rec)
	}
}

func TestCall_TransientRetriesThenSucceeds(t *testing.T) {
	inv := &scriptedInvoker{outcomes: []error{
		&downstream.TransientError{Err: errors.New("503")},
		&downstream.TransientError{Err: errors.New("503")},
		nil,
	}}
	d, led, _ := newTestDispatcher(t, inv, 2)

	res, callErr := d.Call(context.Background(), alice, "traceflow", nil, "http")
	if callErr != nil {
		t.Fatalf("expected eventual success, got %v", callErr)
	}
	if inv.callCount() != 3 {
		t.Errorf("expected 3 attempts, got %d", inv.callCount())
	}
	if res.CreditsCharged != 5 {
		t.Errorf("retried success charges once, got %d", res.CreditsCharged)
	}

	// One reservation, one commit: retries reuse the original hold.
	txs := led.Transactions()
	if len(txs) != 1 || txs[0].Outcome != "commit" {
		t.Errorf("expected a single commit, got %+v", txs)
	}
}

func TestCall_RetriesAreBounded(t *testing.T) {
	inv := &scriptedInvoker{outcomes: []error{
		&downstream.TransientError{Err: errors.New("503")},
	}}
	d, _, _ := newTestDispatcher(t, inv, 1)

	_, callErr := d.Call(context.Background(), alice, "traceflow", nil, "http")
	if callErr == nil || callErr.Code != CodeDownstreamUnavailable {
		t.Fatalf("expected downstream_unavailable, got %v", callErr)
	}
	if inv.callCount() != 2 {
		t.Errorf("maxRetries=1 means 2 attempts, got %d", inv.callCount())
	}
}

// A caller that disconnects mid-call must still get its reservation settled.
func TestCall_DisconnectStillSettles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	inv := &scriptedInvoker{
		payload: json.RawMessage(`{"found":true}`),
		onCall: func(attempt int) {
			cancel() // the caller goes away while the lookup is in flight
		},
	}
	d, led, _ := newTestDispatcher(t, inv, 0)

	res, callErr := d.Call(ctx, alice, "traceflow", nil, "stream")
	if callErr != nil {
		t.Fatalf("unexpected error: %v", callErr)
	}
	if res.CreditsCharged != 5 {
		t.Errorf("expected charge despite disconnect, got %d", res.CreditsCharged)
	}

	txs := led.Transactions()
	if len(txs) != 1 || txs[0].Outcome != "commit" {
		t.Errorf("reservation must settle after disconnect, got %+v", txs)
	}
}
