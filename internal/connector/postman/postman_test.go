package postman

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crimson-sun/tributary/internal/connector"
	"github.com/crimson-sun/tributary/internal/connector/httpclient"
	"github.com/crimson-sun/tributary/internal/window"
)

func testWindow(t *testing.T) window.Window {
	t.Helper()
	w, err := window.Compute(time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC), 5)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestNew_MissingCredentials(t *testing.T) {
	_, err := New(connector.Config{})
	var cme *connector.CredentialMissingError
	if !errors.As(err, &cme) || cme.Provider != "postman" {
		t.Fatalf("expected *CredentialMissingError, got %v", err)
	}
}

func TestBuildRequest(t *testing.T) {
	c, _ := New(connector.Config{APIKey: "pmak"})
	req, err := c.BuildRequest(testWindow(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if req.URL != "https://api.getpostman.com/audit/logs" {
		t.Fatalf("unexpected url %q", req.URL)
	}
	if req.Query.Get("since") != "2024-01-01T00:00:00" || req.Query.Get("until") != "2024-01-01T00:05:00" {
		t.Fatalf("expected naive timestamps, got %v", req.Query)
	}
	if req.Query.Get("limit") != "300" {
		t.Fatalf("unexpected limit %q", req.Query.Get("limit"))
	}
	if req.Query.Has("cursor") {
		t.Fatal("expected no cursor on first page")
	}
	if req.Header.Get("X-Api-Key") != "pmak" {
		t.Fatalf("unexpected api key header %q", req.Header.Get("X-Api-Key"))
	}

	req, _ = c.BuildRequest(testWindow(t), &connector.Cursor{Token: "abc"})
	if req.Query.Get("cursor") != "abc" {
		t.Fatalf("expected cursor abc, got %v", req.Query)
	}
}

func TestFetch_TwoPages(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "pmak" {
			t.Errorf("unexpected api key %q", r.Header.Get("X-Api-Key"))
		}
		var resp map[string]any
		if calls.Add(1) == 1 {
			resp = map[string]any{
				"trails":     []map[string]any{{"id": 11, "action": "user.login"}},
				"nextCursor": "c2",
			}
		} else {
			if r.URL.Query().Get("cursor") != "c2" {
				t.Errorf("expected cursor c2, got %q", r.URL.Query().Get("cursor"))
			}
			resp = map[string]any{
				"trails": []map[string]any{{"id": 12, "action": "user.logout"}, {"id": 13, "action": "api.update"}},
			}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, _ := New(connector.Config{APIKey: "pmak", Endpoint: srv.URL})
	res, err := connector.Fetch(context.Background(), c, httpclient.New(), testWindow(t), connector.FetchOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var actions []string
	for _, ev := range res.Events {
		actions = append(actions, fmt.Sprint(ev["action"]))
	}
	if fmt.Sprint(actions) != "[user.login user.logout api.update]" {
		t.Fatalf("expected records in page order, got %v", actions)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}
