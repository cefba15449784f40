package practiceapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestClient(t *testing.T, baseURL string, timeout time.Duration) *Client {
	t.Helper()
	client, err := New(Config{BaseURL: baseURL, APIKey: "key-123", Timeout: timeout})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestCallSendsActionAndHeaders(t *testing.T) {
	var gotBody callBody
	var gotKey, gotRequestID, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotKey = r.Header.Get("X-API-Key")
		gotRequestID = r.Header.Get("X-Request-ID")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"connected":true}}`))
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, srv.URL, time.Second)
	result, err := client.Call(context.Background(), "testConnection", json.RawMessage(`{"practice":"p1"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("method = %s", gotMethod)
	}
	if gotKey != "key-123" {
		t.Fatalf("api key header = %q", gotKey)
	}
	if _, err := uuid.Parse(gotRequestID); err != nil {
		t.Fatalf("request id %q is not a uuid: %v", gotRequestID, err)
	}
	if gotBody.Action != "testConnection" || string(gotBody.Params) != `{"practice":"p1"}` {
		t.Fatalf("unexpected body %+v", gotBody)
	}
	if !strings.Contains(string(result), `"connected":true`) {
		t.Fatalf("unexpected result %s", result)
	}
}

func TestCallUsesFreshRequestIDPerCall(t *testing.T) {
	ids := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids <- r.Header.Get("X-Request-ID")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, srv.URL, time.Second)
	for i := 0; i < 2; i++ {
		if _, err := client.Call(context.Background(), "ping", nil); err != nil {
			t.Fatalf("call: %v", err)
		}
	}
	if a, b := <-ids, <-ids; a == b {
		t.Fatalf("request ids must differ, both %q", a)
	}
}

func TestCallReturnsApplicationErrorsAsData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"success":false,"error":"patient not found"}`))
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, srv.URL, time.Second)
	result, err := client.Call(context.Background(), "getPatient", json.RawMessage(`{"id":"x"}`))
	if err != nil {
		t.Fatalf("4xx must not be a transport error: %v", err)
	}
	if !strings.Contains(string(result), "patient not found") {
		t.Fatalf("unexpected result %s", result)
	}
}

func TestCallServerErrorIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, srv.URL, time.Second)
	_, err := client.Call(context.Background(), "getPatient", nil)
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if transport.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", transport.StatusCode)
	}
}

func TestCallUnreachableIsTransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	client := newTestClient(t, "http://"+addr, time.Second)
	_, err = client.Call(context.Background(), "testConnection", nil)
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if transport.Error() == "" {
		t.Fatalf("expected non-empty message")
	}
}

func TestCallTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	client := newTestClient(t, srv.URL, 100*time.Millisecond)
	start := time.Now()
	_, err := client.Call(context.Background(), "slowAction", nil)
	elapsed := time.Since(start)
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("message %q must mention timeout", err.Error())
	}
	if elapsed > time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
}

func TestCallRejectsNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>login</html>"))
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, srv.URL, time.Second)
	_, err := client.Call(context.Background(), "getPatient", nil)
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestCallEmptyBodyIsEmptyObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, srv.URL, time.Second)
	result, err := client.Call(context.Background(), "touch", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(result) != "{}" {
		t.Fatalf("result = %s", result)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{APIKey: "k"}); err == nil {
		t.Fatalf("expected error without base url")
	}
	if _, err := New(Config{BaseURL: "/relative", APIKey: "k"}); err == nil {
		t.Fatalf("expected error for relative url")
	}
	if _, err := New(Config{BaseURL: "https://api.example.com"}); err == nil {
		t.Fatalf("expected error without api key")
	}
	client, err := New(Config{BaseURL: "https://api.example.com", APIKey: "k"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if client.Timeout() != DefaultTimeout {
		t.Fatalf("timeout = %v", client.Timeout())
	}
}

func TestKeyFingerprintHidesKey(t *testing.T) {
	a := newTestClient(t, "http://127.0.0.1:1", time.Second)
	b, err := New(Config{BaseURL: "http://127.0.0.1:1", APIKey: "key-456"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	fp := a.KeyFingerprint()
	if len(fp) != 12 || strings.Contains(fp, "key-123") {
		t.Fatalf("unexpected fingerprint %q", fp)
	}
	if fp != a.KeyFingerprint() || fp == b.KeyFingerprint() {
		t.Fatalf("fingerprint should be stable and key specific")
	}
}
