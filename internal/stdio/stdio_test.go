package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/alecgard/peage/internal/auth"
	"github.com/alecgard/peage/internal/catalog"
	"github.com/alecgard/peage/internal/dispatch"
	"github.com/alecgard/peage/internal/ledger"
	"github.com/alecgard/peage/internal/rpc"
)

const testKey = "peage_stdiotestkey"

type fakeLookup struct{}

func (fakeLookup) GetByKeyHash(_ context.Context, hash string) (*auth.Account, error) {
	if hash == auth.HashKey(testKey) {
		return &auth.Account{ID: "acct-1", IsActive: true}, nil
	}
	return nil, auth.ErrInvalidKey
}

func (fakeLookup) TouchLastConnected(_ context.Context, _ string) error { return nil }

type okInvoker struct{}

func (okInvoker) Invoke(_ context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
	return json.RawMessage(`{"found":true}`), nil
}

func newTestCore(t *testing.T) *rpc.Core {
	t.Helper()
	cat, err := catalog.Build([]catalog.Descriptor{
		{Name: "check_whatsapp", Cost: 1, GuestEligible: true, InputSchema: catalog.Schema{Type: "object"}},
	})
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}
	led := ledger.NewMemory()
	led.CreateAccount("acct-1", 10)
	resolver := auth.NewResolver(fakeLookup{}, nil)
	return rpc.NewCore(resolver, cat, dispatch.New(cat, led, okInvoker{}, 0), "peage", "test")
}

func TestRun_SessionEndToEnd(t *testing.T) {
	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n" +
			`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"check_whatsapp","arguments":{"phone":"+1415"}}}` + "\n")
	var out bytes.Buffer

	r := New(newTestCore(t), in, &out, testKey)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// One frame per line, valid JSON each, no reply to the notification.
	var frames []map[string]any
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var frame map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			t.Fatalf("output frame is not valid JSON: %v\n%s", err, scanner.Text())
		}
		frames = append(frames, frame)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 response frames, got %d", len(frames))
	}

	ids := map[float64]bool{}
	for _, f := range frames {
		if f["error"] != nil {
			t.Errorf("unexpected error frame: %v", f)
		}
		ids[f["id"].(float64)] = true
	}
	if !ids[1] || !ids[2] {
		t.Errorf("missing response ids, got %v", ids)
	}
}

func TestRun_MalformedLineAnswered(t *testing.T) {
	in := strings.NewReader("{broken\n")
	var out bytes.Buffer

	r := New(newTestCore(t), in, &out, "")
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var frame map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &frame); err != nil {
		t.Fatalf("expected a parse error frame: %v", err)
	}
	errObj := frame["error"].(map[string]any)
	if errObj["code"].(float64) != -32700 {
		t.Errorf("expected parse error code, got %v", errObj["code"])
	}
}

func TestRun_CancelledContextStopsReading(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	var out bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(newTestCore(t), in, &out, "")
	if err := r.Run(ctx); err != nil {
		t.Fatalf("cancelled run must exit cleanly: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("no message should be processed after cancellation, got %s", out.Bytes())
	}
}

func TestRun_EmptyInput(t *testing.T) {
	var out bytes.Buffer
	r := New(newTestCore(t), strings.NewReader(""), &out, "")
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run on empty input failed: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output, got %s", out.Bytes())
	}
}
