package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"facilityapi/internal/store"
	"facilityapi/internal/store/memory"
	"facilityapi/pkg/domain"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	st := memory.NewStore()
	svc := NewService(st)
	if _, err := svc.EnsureUser(context.Background(), "alice", domain.APIUserTypeUser, domain.RoleUser); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	return svc, st
}

func TestIssueKeyShape(t *testing.T) {
	svc, _ := newTestService(t)
	plaintext, key, err := svc.IssueKey(context.Background(), "alice", "test key")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(plaintext, KeyPrefix) {
		t.Fatalf("key missing prefix: %q", plaintext)
	}
	encoded := strings.TrimPrefix(plaintext, KeyPrefix)
	if len(encoded) != 80 {
		t.Fatalf("expected 80 hex chars after prefix, got %d", len(encoded))
	}
	if key.FirstEight != encoded[:8] {
		t.Fatalf("first_eight mismatch: %q vs %q", key.FirstEight, encoded[:8])
	}
	if key.HashedKey == "" || key.SecretSalt == "" {
		t.Fatalf("hash or salt not stored")
	}
	if strings.Contains(key.HashedKey, encoded) {
		t.Fatalf("plaintext material leaked into stored hash")
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	plaintext, _, err := svc.IssueKey(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, err := svc.Verify(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Username != "alice" || p.Anonymous {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestVerifyEmptyKeyIsAnonymous(t *testing.T) {
	svc, _ := newTestService(t)
	p, err := svc.Verify(context.Background(), "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !p.Anonymous || p.Role != domain.RoleUser {
		t.Fatalf("expected anonymous user principal, got %+v", p)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	svc, _ := newTestService(t)
	for _, key := range []string{"nonsense", "nsls2-api-short", KeyPrefix + strings.Repeat("f", 80)} {
		if _, err := svc.Verify(context.Background(), key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("key %q: expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestReissueInvalidatesPriorKey(t *testing.T) {
	svc, _ := newTestService(t)
	first, _, err := svc.IssueKey(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("issue first: %v", err)
	}
	second, _, err := svc.IssueKey(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("issue second: %v", err)
	}
	if _, err := svc.Verify(context.Background(), first); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("old key still verifies: %v", err)
	}
	if _, err := svc.Verify(context.Background(), second); err != nil {
		t.Fatalf("new key rejected: %v", err)
	}
}

func TestVerifyRejectsExpiredKey(t *testing.T) {
	svc, _ := newTestService(t)
	issued := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	svc.SetNowFunc(func() time.Time { return issued })
	plaintext, _, err := svc.IssueKey(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	svc.SetNowFunc(func() time.Time { return issued.AddDate(0, 7, 0) })
	if _, err := svc.Verify(context.Background(), plaintext); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expired key accepted: %v", err)
	}
}

func TestRevoke(t *testing.T) {
	svc, _ := newTestService(t)
	plaintext, _, err := svc.IssueKey(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	n, err := svc.Revoke(context.Background(), "alice")
	if err != nil || n != 1 {
		t.Fatalf("revoke: n=%d err=%v", n, err)
	}
	if _, err := svc.Verify(context.Background(), plaintext); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("revoked key accepted: %v", err)
	}
}

func TestIssueKeyCreatesUnknownUser(t *testing.T) {
	svc, st := newTestService(t)
	plaintext, key, err := svc.IssueKey(context.Background(), "newcomer", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if key.Username != "newcomer" {
		t.Fatalf("key bound to %q", key.Username)
	}
	if err := st.View(context.Background(), func(v store.View) error {
		u, ok := v.FindAPIUser("newcomer")
		if !ok {
			t.Fatalf("api user not created")
		}
		if u.Type != domain.APIUserTypeUser || u.Role != domain.RoleUser {
			t.Fatalf("unexpected defaults: type=%s role=%s", u.Type, u.Role)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	if _, err := svc.Verify(context.Background(), plaintext); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestSetRole(t *testing.T) {
	svc, _ := newTestService(t)
	u, err := svc.SetRole(context.Background(), "alice", domain.RoleAdmin)
	if err != nil {
		t.Fatalf("set role: %v", err)
	}
	if u.Role != domain.RoleAdmin {
		t.Fatalf("role not updated: %s", u.Role)
	}
	if _, err := svc.SetRole(context.Background(), "nobody", domain.RoleStaff); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAddMonthsClamped(t *testing.T) {
	cases := []struct {
		name   string
		in     time.Time
		months int
		want   time.Time
	}{
		{
			name:   "leap year clamp",
			in:     time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
			months: 1,
			want:   time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "non leap clamp",
			in:     time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC),
			months: 1,
			want:   time.Date(2023, 2, 28, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "plain six months",
			in:     time.Date(2026, 3, 15, 12, 30, 0, 0, time.UTC),
			months: 6,
			want:   time.Date(2026, 9, 15, 12, 30, 0, 0, time.UTC),
		},
		{
			name:   "year rollover",
			in:     time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
			months: 6,
			want:   time.Date(2027, 2, 28, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := AddMonthsClamped(tc.in, tc.months); !got.Equal(tc.want) {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestIsDataAdmin(t *testing.T) {
	svc, st := newTestService(t)
	if err := st.RunInTransaction(context.Background(), func(tx store.Tx) error {
		_, err := tx.UpsertBeamline(domain.Beamline{
			Name:       "ZZZ",
			Facility:   "nsls2",
			DataAdmins: []string{"alice"},
		})
		return err
	}); err != nil {
		t.Fatalf("seed beamline: %v", err)
	}

	cases := []struct {
		name      string
		principal Principal
		want      bool
	}{
		{"staff everywhere", Principal{Username: "carol", Role: domain.RoleStaff}, true},
		{"admin everywhere", Principal{Username: "dave", Role: domain.RoleAdmin}, true},
		{"listed user", Principal{Username: "alice", Role: domain.RoleUser}, true},
		{"unlisted user", Principal{Username: "bob", Role: domain.RoleUser}, false},
		{"anonymous", AnonymousPrincipal(), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.IsDataAdmin(context.Background(), tc.principal, "zzz")
			if err != nil {
				t.Fatalf("IsDataAdmin: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}

	if _, err := svc.IsDataAdmin(context.Background(), Principal{Username: "alice", Role: domain.RoleUser}, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown beamline, got %v", err)
	}
}
