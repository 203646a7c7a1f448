package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestClient_SendPostsJSON(t *testing.T) {
	var gotBody map[string]interface{}
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(&Config{Timeout: 2 * time.Second, UserAgent: "Inspora-Test/1.0"}, nil)
	err := client.Send(context.Background(), &Request{
		URL:     server.URL,
		Headers: map[string]string{"X-Signature": "abc"},
		Payload: map[string]interface{}{"task_id": 5, "action": "update"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotBody["action"] != "update" {
		t.Fatalf("payload not delivered: %v", gotBody)
	}
	if gotHeader.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type: %s", gotHeader.Get("Content-Type"))
	}
	if gotHeader.Get("User-Agent") != "Inspora-Test/1.0" {
		t.Fatalf("unexpected user agent: %s", gotHeader.Get("User-Agent"))
	}
	if gotHeader.Get("X-Signature") != "abc" {
		t.Fatal("custom headers must be forwarded")
	}
}

func TestClient_SendNon2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(nil, nil)
	err := client.Send(context.Background(), &Request{URL: server.URL})
	if err == nil {
		t.Fatal("5xx response must surface as error")
	}
}

func TestClient_SendRetriesTransportFailures(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			http.Error(w, "try again", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(&Config{Timeout: 2 * time.Second, MaxRetries: 2}, nil)
	err := client.Send(context.Background(), &Request{
		URL:     server.URL,
		Payload: map[string]interface{}{"k": "v"},
	})
	if err != nil {
		t.Fatalf("Send with retries: %v", err)
	}
	if atomic.LoadInt64(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestClient_SendRequiresURL(t *testing.T) {
	client := NewClient(nil, nil)
	if err := client.Send(context.Background(), &Request{}); err == nil {
		t.Fatal("empty url must be rejected")
	}
	if err := client.Send(context.Background(), nil); err == nil {
		t.Fatal("nil request must be rejected")
	}
}

func TestClient_SendObservesContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "always failing", http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(&Config{Timeout: time.Second, MaxRetries: 5}, nil)
	err := client.Send(ctx, &Request{URL: server.URL})
	if err == nil {
		t.Fatal("cancelled context must abort the send")
	}
}
