package dispatcher

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/morezero/module-comms/pkg/commserr"
)

func TestRequest_Unmarshal(t *testing.T) {
	raw := `{
		"id": "req-1",
		"type": "invoke",
		"method": "sendRequest",
		"params": {"source": "client", "target": "pricing", "action": "quote"},
		"ctx": {"tenantId": "tenant-1", "userId": "u-1", "permissions": ["quote:read"], "timeoutMs": 250}
	}`

	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("dispatcher:dispatcher_test - failed to unmarshal: %v", err)
	}
	if req.ID != "req-1" || req.Method != "sendRequest" {
		t.Errorf("dispatcher:dispatcher_test - request = %+v", req)
	}
	if req.Ctx == nil {
		t.Fatal("dispatcher:dispatcher_test - expected ctx, got nil")
	}
	if req.Ctx.TenantID != "tenant-1" || req.Ctx.TimeoutMs != 250 || len(req.Ctx.Permissions) != 1 {
		t.Errorf("dispatcher:dispatcher_test - ctx = %+v", req.Ctx)
	}

	p, bad := decode[sendRequestParams](&req)
	if bad != nil {
		t.Fatalf("dispatcher:dispatcher_test - decode: %+v", bad.Error)
	}
	if p.Target != "pricing" || p.Action != "quote" {
		t.Errorf("dispatcher:dispatcher_test - params = %+v", p)
	}
}

func TestResponse_Marshal(t *testing.T) {
	resp := &Response{
		ID:     "req-1",
		Ok:     true,
		Result: map[string]interface{}{"executionId": "x-1"},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("dispatcher:dispatcher_test - failed to marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("dispatcher:dispatcher_test - failed to unmarshal response: %v", err)
	}
	if decoded["ok"] != true || decoded["id"] != "req-1" {
		t.Errorf("dispatcher:dispatcher_test - decoded = %v", decoded)
	}
	if _, ok := decoded["error"]; ok {
		t.Error("dispatcher:dispatcher_test - error should be omitted on success")
	}
}

func TestErrorToResponse(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"timeout", commserr.New(commserr.CodeTimeout, "slow"), commserr.CodeTimeout, true},
		{"circuit open", commserr.New(commserr.CodeCircuitOpen, "open"), commserr.CodeCircuitOpen, true},
		{"queue full", commserr.New(commserr.CodeQueueFull, "full"), commserr.CodeQueueFull, true},
		{"handler failure", commserr.Wrap(commserr.CodeHandlerFailure, errors.New("boom"), ""), commserr.CodeHandlerFailure, true},
		{"configuration", commserr.Configuration("inactive"), commserr.CodeConfiguration, false},
		{"security", commserr.Security("denied"), commserr.CodeSecurity, false},
		{"version", commserr.New(commserr.CodeVersionIncompatible, "major"), commserr.CodeVersionIncompatible, false},
		{"plain error", errors.New("disk on fire"), commserr.CodeInternal, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := errorToResponse("id-1", tt.err)
			if resp.Ok || resp.Error == nil || resp.ID != "id-1" {
				t.Fatalf("dispatcher:dispatcher_test - response = %+v", resp)
			}
			if resp.Error.Code != tt.code || resp.Error.Retryable != tt.retryable {
				t.Errorf("dispatcher:dispatcher_test - error = %+v, want code %s retryable %v", resp.Error, tt.code, tt.retryable)
			}
			if resp.Error.Message == "" {
				t.Error("dispatcher:dispatcher_test - message should not be empty")
			}
		})
	}

	detailed := commserr.New(commserr.CodeVersionIncompatible, "major").WithDetails(map[string]interface{}{"classification": "breaking_changes"})
	resp := errorToResponse("id-2", detailed)
	if d, _ := resp.Error.Details.(map[string]interface{}); d["classification"] != "breaking_changes" {
		t.Errorf("dispatcher:dispatcher_test - details = %v", resp.Error.Details)
	}
}

func TestDecode_InvalidParams(t *testing.T) {
	req := &Request{ID: "r", Method: "sendRequest", Params: json.RawMessage(`{"timeoutMs": "soon"}`)}
	if _, bad := decode[sendRequestParams](req); bad == nil || bad.Error.Code != commserr.CodeInvalidArgument {
		t.Errorf("dispatcher:dispatcher_test - expected INVALID_ARGUMENT, got %+v", bad)
	}
	empty := &Request{ID: "r", Method: "metrics"}
	if _, bad := decode[deadLettersParams](empty); bad != nil {
		t.Errorf("dispatcher:dispatcher_test - empty params should decode, got %+v", bad)
	}
}
