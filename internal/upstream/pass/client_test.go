package pass

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProposalRequestShape(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"Proposal_ID": 314159, "Title": "Structure of Things"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-key")
	p, err := c.Proposal(context.Background(), "NSLS-II", "314159")
	if err != nil {
		t.Fatalf("proposal: %v", err)
	}
	if gotPath != "/Proposal/GetProposal/secret-key/NSLS-II/314159" {
		t.Fatalf("request path %q", gotPath)
	}
	if p.ProposalID == nil || *p.ProposalID != 314159 || p.Title != "Structure of Things" {
		t.Fatalf("proposal %+v", p)
	}
}

func TestCyclesDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"ID": 501, "Name": "2024-2", "Year": 2024, "Active": true,
			"Start_Date": "2024-05-01T00:00:00"}]`))
	}))
	defer srv.Close()

	cycles, err := NewClient(srv.URL, "k").Cycles(context.Background(), "NSLS-II")
	if err != nil {
		t.Fatalf("cycles: %v", err)
	}
	if len(cycles) != 1 || cycles[0].Name != "2024-2" || cycles[0].ID == nil || *cycles[0].ID != 501 {
		t.Fatalf("cycles %+v", cycles)
	}
	if cycles[0].Active == nil || !*cycles[0].Active {
		t.Fatalf("active %v", cycles[0].Active)
	}
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "k").ProposalTypes(context.Background(), "NSLS-II")
	var statusErr StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusBadGateway {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestCommissioningProposalsPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "k").CommissioningProposals(context.Background(), "NSLS-II", 2024); err != nil {
		t.Fatalf("commissioning: %v", err)
	}
	if gotPath != "/Proposal/GetProposalsByType/k/NSLS-II/2024/300005/NULL" {
		t.Fatalf("request path %q", gotPath)
	}
}
