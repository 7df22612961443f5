package ups

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestQueryRequestShape(t *testing.T) {
	var (
		gotPath  string
		gotQuery string
		gotAuth  bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("sysparm_query")
		user, pass, ok := r.BasicAuth()
		gotAuth = ok && user == "svc" && pass == "hunter2"
		_, _ = w.Write([]byte(`{"result": [
			{"u_proposal_number": {"value": "271828", "display_value": "271828"},
			 "u_title": {"value": "", "display_value": "Catalysis"}}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "svc", "hunter2")
	records, err := c.Proposals(context.Background(), "u_proposal_number=271828")
	if err != nil {
		t.Fatalf("proposals: %v", err)
	}
	if gotPath != "/now/table/"+TableProposals {
		t.Fatalf("path %q", gotPath)
	}
	if gotQuery != "u_proposal_number=271828" {
		t.Fatalf("sysparm_query %q", gotQuery)
	}
	if !gotAuth {
		t.Fatalf("basic auth not sent")
	}
	if len(records) != 1 || records[0].Get("u_proposal_number") != "271828" || records[0].Display("u_title") != "Catalysis" {
		t.Fatalf("records %+v", records)
	}
}

func TestFieldUnmarshalAcceptsBothForms(t *testing.T) {
	var rec Record
	data := []byte(`{
		"object_form": {"value": "v", "display_value": "d"},
		"string_form": "bare"
	}`)
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Get("object_form") != "v" || rec.Display("object_form") != "d" {
		t.Fatalf("object form %+v", rec["object_form"])
	}
	if rec.Get("string_form") != "bare" || rec.Display("string_form") != "bare" {
		t.Fatalf("string form %+v", rec["string_form"])
	}
}

func TestUserNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result": []}`))
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "u", "p").User(context.Background(), "missing-sys-id"); err == nil {
		t.Fatalf("expected error for missing user")
	}
}

func TestQueryStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "u", "p").RunCycles(context.Background()); err == nil {
		t.Fatalf("expected error for forbidden response")
	}
}
