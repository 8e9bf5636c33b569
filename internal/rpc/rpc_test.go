package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alecgard/peage/internal/auth"
	"github.com/alecgard/peage/internal/catalog"
	"github.com/alecgard/peage/internal/dispatch"
	"github.com/alecgard/peage/internal/ledger"
)

const testKey = "peage_rpctestkey"

// fakeLookup serves one account under testKey.
type fakeLookup struct {
	account *auth.Account
}

func (f *fakeLookup) GetByKeyHash(_ context.Context, hash string) (*auth.Account, error) {
	if f.account != nil && hash == auth.HashKey(testKey) {
		return f.account, nil
	}
	return nil, auth.ErrInvalidKey
}

func (f *fakeLookup) TouchLastConnected(_ context.Context, _ string) error { return nil }

// okInvoker always succeeds with a fixed payload.
type okInvoker struct{}

func (okInvoker) Invoke(_ context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
	return json.RawMessage(`{"registered":true}`), nil
}

func newTestCore(t *testing.T, balance int64) (*Core, *ledger.Memory) {
	t.Helper()

	cat, err := catalog.Build([]catalog.Descriptor{
		{Name: "check_whatsapp", Cost: 1, GuestEligible: true, InputSchema: catalog.Schema{Type: "object"}},
		{Name: "traceflow", Cost: 5, InputSchema: catalog.Schema{Type: "object"}},
	})
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}

	led := ledger.NewMemory()
	led.CreateAccount("acct-1", balance)

	resolver := auth.NewResolver(&fakeLookup{
		account: &auth.Account{ID: "acct-1", Email: "a@b.c", IsActive: true},
	}, nil)

	d := dispatch.New(cat, led, okInvoker{}, 0)
	return NewCore(resolver, cat, d, "peage", "test"), led
}

func handle(t *testing.T, c *Core, credential, raw string) Response {
	t.Helper()
	out := c.Handle(context.Background(), credential, []byte(raw), "http")
	if out == nil {
		t.Fatal("expected a response")
	}
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("response is not valid JSON: %v\n%s", err, out)
	}
	return resp
}

func TestHandle_ParseError(t *testing.T) {
	c, _ := newTestCore(t, 10)
	resp := handle(t, c, "", `{not json`)
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Fatalf("expected parse error, got %+v", resp)
	}
	if string(resp.ID) != "null" {
		t.Errorf("parse errors carry a null id, got %s", resp.ID)
	}
}

func TestHandle_MissingMethod(t *testing.T) {
	c, _ := newTestCore(t, 10)
	resp := handle(t, c, "", `{"jsonrpc":"2.0","id":1}`)
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", resp)
	}
}

func TestHandle_MethodNotFound(t *testing.T) {
	c, _ := newTestCore(t, 10)
	resp := handle(t, c, "", `{"jsonrpc":"2.0","id":1,"method":"bogus/method"}`)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp)
	}
}

func TestHandle_Initialize(t *testing.T) {
	c, _ := newTestCore(t, 10)
	resp := handle(t, c, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	info := result["serverInfo"].(map[string]any)
	if info["name"] != "peage" {
		t.Errorf("expected server name peage, got %v", info["name"])
	}
	if result["protocolVersion"] != protocolVersion {
		t.Errorf("expected protocol version %s, got %v", protocolVersion, result["protocolVersion"])
	}
}

func TestHandle_Ping(t *testing.T) {
	c, _ := newTestCore(t, 10)
	resp := handle(t, c, "", `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if string(resp.ID) != "7" {
		t.Errorf("response id must echo the request id, got %s", resp.ID)
	}
}

func TestHandle_NotificationGetsNoReply(t *testing.T) {
	c, _ := newTestCore(t, 10)
	out := c.Handle(context.Background(), "", []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`), "http")
	if out != nil {
		t.Fatalf("notifications must not be answered, got %s", out)
	}
}

func TestHandle_ToolsList_GuestFiltered(t *testing.T) {
	c, _ := newTestCore(t, 10)
	resp := handle(t, c, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	tools := resp.Result.(map[string]any)["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("guest should see 1 tool, got %d", len(tools))
	}
	first := tools[0].(map[string]any)
	if first["name"] != "check_whatsapp" {
		t.Errorf("expected check_whatsapp, got %v", first["name"])
	}
}

func TestHandle_ToolsList_Authenticated(t *testing.T) {
	c, _ := newTestCore(t, 10)
	resp := handle(t, c, "Bearer "+testKey, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	tools := resp.Result.(map[string]any)["tools"].([]any)
	if len(tools) != 2 {
		t.Fatalf("authenticated caller should see 2 tools, got %d", len(tools))
	}
}

func TestHandle_ToolsCall_Success(t *testing.T) {
	c, led := newTestCore(t, 10)
	resp := handle(t, c, "Bearer "+testKey,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"traceflow","arguments":{"phone":"+14155550123"}}}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	result := resp.Result.(map[string]any)
	if result["credits_charged"].(float64) != 5 {
		t.Errorf("expected 5 credits charged, got %v", result["credits_charged"])
	}
	if result["remaining_balance"].(float64) != 5 {
		t.Errorf("expected remaining balance 5, got %v", result["remaining_balance"])
	}

	balance, _ := led.Balance(context.Background(), "acct-1")
	if balance != 5 {
		t.Errorf("expected ledger balance 5, got %d", balance)
	}
}

func TestHandle_ToolsCall_MissingName(t *testing.T) {
	c, _ := newTestCore(t, 10)
	resp := handle(t, c, "", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params, got %+v", resp)
	}
}

func TestHandle_ToolsCall_InsufficientCredits(t *testing.T) {
	c, _ := newTestCore(t, 2)
	resp := handle(t, c, "Bearer "+testKey,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"traceflow"}}`)
	if resp.Error == nil || resp.Error.Code != CodeInsufficientCredits {
		t.Fatalf("expected insufficient credits, got %+v", resp)
	}

	data := resp.Error.Data.(map[string]any)
	if data["balance"].(float64) != 2 {
		t.Errorf("expected balance 2 in error data, got %v", data["balance"])
	}
}

func TestHandle_ToolsCall_GuestForbidden(t *testing.T) {
	c, _ := newTestCore(t, 10)
	resp := handle(t, c, "",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"traceflow"}}`)
	if resp.Error == nil || resp.Error.Code != CodeForbidden {
		t.Fatalf("expected forbidden, got %+v", resp)
	}
}

func TestHandle_InvalidCredential(t *testing.T) {
	c, _ := newTestCore(t, 10)
	resp := handle(t, c, "Bearer peage_wrongkey", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if resp.Error == nil || resp.Error.Code != CodeInvalidCredentials {
		t.Fatalf("expected invalid credentials, got %+v", resp)
	}
}
