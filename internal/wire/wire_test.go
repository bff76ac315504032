package wire

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIDRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"Number", `7`},
		{"LargeNumber", `9007199254740993`},
		{"String", `"req-42"`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var id ID
			if err := json.Unmarshal([]byte(tc.in), &id); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if id.IsZero() {
				t.Fatal("parsed id should not be zero")
			}
			out, err := json.Marshal(id)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(out) != tc.in {
				t.Errorf("round trip changed id: in %s, out %s", tc.in, out)
			}
		})
	}
}

func TestIDRejectsOtherTypes(t *testing.T) {
	for _, in := range []string{`true`, `[1]`, `{"a":1}`} {
		var id ID
		if err := json.Unmarshal([]byte(in), &id); err == nil {
			t.Errorf("expected error for id %s", in)
		}
	}
}

func TestZeroIDMarshalsNull(t *testing.T) {
	resp := Response{Result: json.RawMessage(`{}`)}
	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"id":null,"result":{}}` {
		t.Errorf("unexpected push frame encoding: %s", out)
	}
}

func TestRequestParsing(t *testing.T) {
	raw := `{"id":3,"method":"findAll","params":{"class":"note"}}`
	req, err := DecodeRequest([]byte(raw), false)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.Method != "findAll" {
		t.Errorf("method = %s", req.Method)
	}
	if req.ID.String() != "3" {
		t.Errorf("id = %s", req.ID)
	}

	var params map[string]string
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"class": "note"}, params); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
}

func TestRequestMissingMethod(t *testing.T) {
	if _, err := DecodeRequest([]byte(`{"id":1}`), false); err == nil {
		t.Error("expected error for missing method")
	}
}

func TestErrorRendering(t *testing.T) {
	e := NewError(CodeUnknownMethod, "no such method")
	if e.Error() != "UNKNOWN_METHOD: no such method" {
		t.Errorf("Error() = %s", e.Error())
	}

	bare := NewError(CodeUpgrading, "")
	if bare.Error() != "UPGRADING" {
		t.Errorf("Error() = %s", bare.Error())
	}
}

func TestFailHelper(t *testing.T) {
	resp := Fail(NumberID(9), CodePipelineError, "boom")
	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"id":9,"error":{"code":"PIPELINE_ERROR","message":"boom"}}`
	if string(out) != want {
		t.Errorf("Fail encoding = %s, want %s", out, want)
	}
}

func TestStatusPayloads(t *testing.T) {
	m, _ := json.Marshal(MaintenanceStatus(5))
	if string(m) != `{"state":"maintenance","remaining":5}` {
		t.Errorf("maintenance = %s", m)
	}

	u, _ := json.Marshal(UpgradingStatus())
	if string(u) != `{"state":"upgrading"}` {
		t.Errorf("upgrading = %s", u)
	}

	n, _ := json.Marshal(NewUpgradeNotice("https://accounts.example.com", "research"))
	want := `{"upgrade":true,"info":{"url":"https://accounts.example.com","workspace":"research"}}`
	if string(n) != want {
		t.Errorf("notice = %s", n)
	}
}
