package atlassian

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
	"github.com/crimson-sun/tributary/internal/model"
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
	_, err := New(connector.Config{APIKey: "tok"})
	var cme *connector.CredentialMissingError
	if !errors.As(err, &cme) {
		t.Fatalf("expected *CredentialMissingError, got %v", err)
	}
	if cme.Key != "org_id" {
		t.Fatalf("expected missing org_id, got %q", cme.Key)
	}

	_, err = New(connector.Config{Extra: map[string]string{"org_id": "org"}})
	if !errors.As(err, &cme) || cme.Key != "api_key" {
		t.Fatalf("expected missing api_key, got %v", err)
	}
}

func TestBuildRequest_FirstPage(t *testing.T) {
	c, err := New(connector.Config{APIKey: "secret", Extra: map[string]string{"org_id": "org-1"}})
	if err != nil {
		t.Fatal(err)
	}
	req, err := c.BuildRequest(testWindow(t), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.URL != "https://api.atlassian.com/admin/v1/orgs/org-1/events" {
		t.Fatalf("unexpected url %q", req.URL)
	}
	if req.Query.Get("from") != "1704067200000" || req.Query.Get("to") != "1704067500000" {
		t.Fatalf("unexpected epoch bounds: %v", req.Query)
	}
	if req.Query.Get("limit") != "1000" {
		t.Fatalf("unexpected limit %q", req.Query.Get("limit"))
	}
	if req.Header.Get("Authorization") != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", req.Header.Get("Authorization"))
	}
}

func TestParsePage_Termination(t *testing.T) {
	c := &Connector{}
	cases := map[string]bool{
		`{"data":[{"id":"1"}],"links":{"next":"https://x/next"}}`: true,
		`{"data":[{"id":"1"}],"links":{"next":null}}`:             false,
		`{"data":[{"id":"1"}],"links":{}}`:                        false,
		`{"data":[{"id":"1"}]}`:                                   false,
		`{"links":{"next":"https://x/next"}}`:                     false,
	}
	for body, wantNext := range cases {
		_, next, err := c.ParsePage([]byte(body), nil)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", body, err)
		}
		if (next != nil) != wantNext {
			t.Fatalf("%s: expected next=%v, got %+v", body, wantNext, next)
		}
	}
}

func TestFetch_TwoPages(t *testing.T) {
	var calls atomic.Int32
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("unexpected auth: %s", r.Header.Get("Authorization"))
		}
		var resp map[string]any
		switch calls.Add(1) {
		case 1:
			if r.URL.Path != "/admin/v1/orgs/org/events" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			resp = map[string]any{
				"data":  []map[string]any{{"id": "a1"}, {"id": "a2"}},
				"links": map[string]any{"next": srvURL + "/page2?cursor=xyz"},
			}
		default:
			if r.URL.Query().Get("cursor") != "xyz" {
				t.Errorf("expected cursor xyz on page 2, got %q", r.URL.RawQuery)
			}
			resp = map[string]any{"data": []map[string]any{{"id": "a3"}}, "links": map[string]any{}}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()
	srvURL = srv.URL

	c, err := New(connector.Config{APIKey: "tok", Endpoint: srv.URL, Extra: map[string]string{"org_id": "org"}})
	if err != nil {
		t.Fatal(err)
	}
	res, err := connector.Fetch(context.Background(), c, httpclient.New(), testWindow(t), connector.FetchOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 || res.Pages != 2 {
		t.Fatalf("expected 2 pages, got calls=%d pages=%d", calls.Load(), res.Pages)
	}
	var ids []string
	for _, ev := range res.Events {
		ids = append(ids, fmt.Sprint(ev["id"]))
		if _, ok := ev[model.ProvenanceKey]; !ok {
			t.Fatalf("expected provenance on %v", ev)
		}
	}
	if fmt.Sprint(ids) != "[a1 a2 a3]" {
		t.Fatalf("expected records in page order, got %v", ids)
	}
}
