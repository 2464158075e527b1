package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientListAndResolve(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/confirmations", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Query().Get("run_id") != "run-1" {
			t.Errorf("expected run filter, got %q", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"confirmations": []Confirmation{{ID: "c-1", RunID: "run-1", State: "pending"}}})
	})
	mux.HandleFunc("POST /api/v1/confirmations/{id}/decision", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]bool
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if !body["approved"] || !body["resume"] || r.PathValue("id") != "c-1" {
			t.Errorf("unexpected decision request %v %s", body, r.PathValue("id"))
		}
		_ = json.NewEncoder(w).Encode(Resolution{Executed: true, Text: "Transaction submitted. Hash: 0xabc"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetToken("secret")

	list, err := client.ListConfirmations(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "c-1" {
		t.Fatalf("unexpected list %+v", list)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}

	res, err := client.Resolve(context.Background(), "c-1", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Executed || res.Text == "" {
		t.Fatalf("unexpected resolution %+v", res)
	}
}

func TestClientDecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"CONFIRMATION_UNDECIDED","message":"confirmation has not been decided yet","metadata":{"run_id":"run-1"}}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.ResumeRun(context.Background(), "run-1", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "CONFIRMATION_UNDECIDED" || apiErr.Metadata["run_id"] != "run-1" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestClientPlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.CallTool(context.Background(), "get_gas_price", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "bad gateway" {
		t.Fatalf("expected plain text message, got %v", err)
	}
}

func TestClientKeepsBasePath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"entries":[]}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL+"/gateway", srv.Client())
	if _, err := client.Journal(context.Background(), "", 5); err != nil {
		t.Fatalf("journal: %v", err)
	}
	if gotPath != "/gateway/api/v1/journal" {
		t.Fatalf("unexpected path %s", gotPath)
	}
}

func TestExtractTxHash(t *testing.T) {
	hash := "0x" + "ab12000000000000000000000000000000000000000000000000000000000def"
	got, ok := ExtractTxHash("Transaction submitted. Hash: " + hash)
	if !ok || got != hash {
		t.Fatalf("unexpected hash %q %v", got, ok)
	}
	got, ok = ExtractTxHash("hash " + hash[2:])
	if !ok || got != hash {
		t.Fatalf("bare hash should be prefixed, got %q", got)
	}
	if _, ok := ExtractTxHash("Operation cancelled by user."); ok {
		t.Fatalf("no hash expected")
	}
}

func TestExtractConfirmationIDAndToolError(t *testing.T) {
	id, ok := ExtractConfirmationID("Confirmation required. ID: 3f2a-11\nRun: r")
	if !ok || id != "3f2a-11" {
		t.Fatalf("unexpected id %q", id)
	}
	code, ok := IsToolError("Error [NOT_AUTHORIZED]: recipient not allowed")
	if !ok || code != "NOT_AUTHORIZED" {
		t.Fatalf("unexpected code %q", code)
	}
	if _, ok := IsToolError("Balance of x: 1 ETH"); ok {
		t.Fatalf("not an error text")
	}
}
