package remoteconfig

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestClientFetchParsesConfiguration(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/publication/pub1/clientconfiguration" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{
			"paySwgVersion": "2",
			"useUpdatedOfferFlows": true,
			"uiPredicates": {"canDisplayButton": true, "purchaseUnavailableRegion": true},
			"attributionParams": {"displayName": "Reader", "avatarUrl": "https://img.example/a.png"}
		}`))
	}))
	defer ts.Close()

	client := New(Config{ServiceURL: ts.URL, PublicationID: "pub1", SkipAccountCreationScreen: true, Logger: zerolog.Nop()})
	cfg, err := client.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if cfg.PaySwgVersion != "2" || !cfg.UseUpdatedOfferFlows {
		t.Fatalf("Fetch() = %+v, want pay version 2 with updated offer flows", cfg)
	}
	if !cfg.UIPredicates.CanDisplayButton || !cfg.UIPredicates.PurchaseUnavailableRegion || cfg.UIPredicates.CanDisplayAutoPrompt {
		t.Fatalf("UIPredicates = %+v", cfg.UIPredicates)
	}
	if !cfg.SkipAccountCreationScreen {
		t.Fatalf("SkipAccountCreationScreen = false, want publisher option carried over")
	}
	if got := cfg.AttributionParams["displayName"]; got != "Reader" {
		t.Fatalf("displayName = %v, want Reader", got)
	}
}

func TestClientConfigFetchesOnce(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"useUpdatedOfferFlows": true}`))
	}))
	defer ts.Close()

	client := New(Config{ServiceURL: ts.URL, PublicationID: "pub1"})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg, err := client.ClientConfig(context.Background())
			if err != nil || !cfg.UseUpdatedOfferFlows {
				t.Errorf("ClientConfig() = %+v, %v", cfg, err)
			}
		}()
	}
	wg.Wait()
	if _, err := client.ClientConfig(context.Background()); err != nil {
		t.Fatalf("ClientConfig: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("server calls = %d, want 1", got)
	}
}

func TestClientConfigFailureFallsBackToDefault(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"paySwgVersion": "1"}`))
	}))
	defer ts.Close()

	client := New(Config{ServiceURL: ts.URL, PublicationID: "pub1", SkipAccountCreationScreen: true})
	cfg, err := client.ClientConfig(context.Background())
	if err == nil {
		t.Fatal("expected error on first fetch")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "try later") {
		t.Fatalf("error = %v, want status and body", err)
	}
	if !cfg.SkipAccountCreationScreen || cfg.PaySwgVersion != "" {
		t.Fatalf("fallback = %+v, want defaults", cfg)
	}

	cfg, err = client.ClientConfig(context.Background())
	if err != nil || cfg.PaySwgVersion != "1" {
		t.Fatalf("ClientConfig() after failure = %+v, %v", cfg, err)
	}
}

func TestFetchValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"missing publication", Config{ServiceURL: "https://svc.example"}, "requires publicationId"},
		{"bad scheme", Config{ServiceURL: "ftp://svc.example", PublicationID: "p"}, "must be http or https"},
		{"userinfo", Config{ServiceURL: "https://u:p@svc.example", PublicationID: "p"}, "userinfo"},
		{"query", Config{ServiceURL: "https://svc.example?x=1", PublicationID: "p"}, "query and fragment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg).Fetch(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Fetch() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeServiceURLTrimsSlash(t *testing.T) {
	got, err := normalizeServiceURL("https://svc.example/api/")
	if err != nil {
		t.Fatalf("normalizeServiceURL: %v", err)
	}
	if got != "https://svc.example/api" {
		t.Fatalf("normalizeServiceURL() = %q, want %q", got, "https://svc.example/api")
	}
}
