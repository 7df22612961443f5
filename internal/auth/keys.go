// Package auth implements API key issuance and verification, and the
// principal model used for endpoint authorisation.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"facilityapi/internal/store"
	"facilityapi/pkg/domain"
)

// KeyPrefix marks every key issued by this service.
const KeyPrefix = "nsls2-api-"

// keyBytes is the entropy per key: 40 random bytes, hex-encoded to 80
// characters after the prefix.
const keyBytes = 40

// firstEightLen is how much of the encoded key is stored in clear for
// lookup.
const firstEightLen = 8

// DefaultExpirationMonths is how long a freshly issued key lives.
const DefaultExpirationMonths = 6

// argon2id parameters.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltBytes    = 16
)

// ErrInvalidKey reports a key that failed verification for any reason.
var ErrInvalidKey = errors.New("invalid api key")

// Principal is the authenticated caller of a request.
type Principal struct {
	Username  string      `json:"username,omitempty"`
	Role      domain.Role `json:"role"`
	Anonymous bool        `json:"anonymous"`
}

// AnonymousPrincipal is used when no key accompanies a request.
func AnonymousPrincipal() Principal {
	return Principal{Role: domain.RoleUser, Anonymous: true}
}

// Service issues and verifies API keys against the store.
type Service struct {
	store store.Store
	nowFn func() time.Time
}

// NewService constructs an auth service.
func NewService(s store.Store) *Service {
	return &Service{
		store: s,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the time provider for tests.
func (s *Service) SetNowFunc(fn func() time.Time) { s.nowFn = fn }

// EnsureUser creates or updates the API user record for a username.
func (s *Service) EnsureUser(ctx context.Context, username string, userType domain.APIUserType, role domain.Role) (domain.APIUser, error) {
	var out domain.APIUser
	err := s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		u, err := tx.PutAPIUser(domain.APIUser{Username: username, Type: userType, Role: role})
		if err != nil {
			return err
		}
		out = u
		return nil
	})
	return out, err
}

// SetRole changes the role of an existing API user.
func (s *Service) SetRole(ctx context.Context, username string, role domain.Role) (domain.APIUser, error) {
	var out domain.APIUser
	err := s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		u, ok := tx.FindAPIUser(username)
		if !ok {
			return fmt.Errorf("api user %s: %w", username, store.ErrNotFound)
		}
		u.Role = role
		updated, err := tx.PutAPIUser(u)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	return out, err
}

// IssueKey mints a new key for the user, invalidating every key the user
// held before. An unknown username gets a regular user record created on
// the spot. The plaintext key is returned exactly once.
func (s *Service) IssueKey(ctx context.Context, username, note string) (string, domain.APIKey, error) {
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate key material: %w", err)
	}
	encoded := hex.EncodeToString(raw)
	plaintext := KeyPrefix + encoded

	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate salt: %w", err)
	}
	hashed := hashKey(plaintext, salt)
	expires := AddMonthsClamped(s.nowFn(), DefaultExpirationMonths)

	var created domain.APIKey
	err := s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		user, ok := tx.FindAPIUser(username)
		if !ok {
			var err error
			user, err = tx.PutAPIUser(domain.APIUser{
				Username: username,
				Type:     domain.APIUserTypeUser,
				Role:     domain.RoleUser,
			})
			if err != nil {
				return err
			}
		}
		tx.InvalidateAPIKeys(username)
		k, err := tx.CreateAPIKey(domain.APIKey{
			UserID:     user.ID,
			Username:   username,
			FirstEight: encoded[:firstEightLen],
			HashedKey:  hex.EncodeToString(hashed),
			SecretSalt: hex.EncodeToString(salt),
			ExpiresAt:  &expires,
			Valid:      true,
			Note:       note,
		})
		if err != nil {
			return err
		}
		created = k
		return nil
	})
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return plaintext, created, nil
}

// Verify resolves a plaintext key to its principal. An empty key yields the
// anonymous principal; anything else must verify exactly.
func (s *Service) Verify(ctx context.Context, plaintext string) (Principal, error) {
	plaintext = strings.TrimSpace(plaintext)
	if plaintext == "" {
		return AnonymousPrincipal(), nil
	}
	encoded, ok := strings.CutPrefix(plaintext, KeyPrefix)
	if !ok || len(encoded) < firstEightLen {
		return Principal{}, ErrInvalidKey
	}

	var principal Principal
	err := s.store.View(ctx, func(v store.View) error {
		k, found := v.FindAPIKeyByFirstEight(encoded[:firstEightLen])
		if !found || !k.Valid {
			return ErrInvalidKey
		}
		if k.ExpiresAt != nil && s.nowFn().After(*k.ExpiresAt) {
			return ErrInvalidKey
		}
		salt, err := hex.DecodeString(k.SecretSalt)
		if err != nil {
			return ErrInvalidKey
		}
		expected, err := hex.DecodeString(k.HashedKey)
		if err != nil {
			return ErrInvalidKey
		}
		if subtle.ConstantTimeCompare(hashKey(plaintext, salt), expected) != 1 {
			return ErrInvalidKey
		}
		user, found := v.FindAPIUser(k.Username)
		if !found {
			return ErrInvalidKey
		}
		principal = Principal{Username: user.Username, Role: user.Role}
		return nil
	})
	if err != nil {
		return Principal{}, err
	}
	return principal, nil
}

// Revoke invalidates every key held by the user and returns how many keys
// were active.
func (s *Service) Revoke(ctx context.Context, username string) (int, error) {
	count := 0
	err := s.store.RunInTransaction(ctx, func(tx store.Tx) error {
		count = tx.InvalidateAPIKeys(username)
		return nil
	})
	return count, err
}

// IsDataAdmin reports whether the principal administers the beamline's
// data. Staff and admins administer every beamline; users must appear in
// the beamline's data-admin list.
func (s *Service) IsDataAdmin(ctx context.Context, p Principal, beamlineName string) (bool, error) {
	if p.Role.AtLeast(domain.RoleStaff) {
		return true, nil
	}
	if p.Anonymous || p.Username == "" {
		return false, nil
	}
	admin := false
	err := s.store.View(ctx, func(v store.View) error {
		b, ok := v.FindBeamline(beamlineName)
		if !ok {
			return fmt.Errorf("beamline %s: %w", beamlineName, store.ErrNotFound)
		}
		for _, a := range b.DataAdmins {
			if strings.EqualFold(a, p.Username) {
				admin = true
				break
			}
		}
		return nil
	})
	return admin, err
}

func hashKey(plaintext string, salt []byte) []byte {
	return argon2.IDKey([]byte(plaintext), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// AddMonthsClamped advances a time by whole months, clamping the day to the
// last day of the target month instead of letting the date normalise into
// the following month.
func AddMonthsClamped(t time.Time, months int) time.Time {
	firstOfTarget := time.Date(t.Year(), t.Month()+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > lastDay {
		day = lastDay
	}
	return firstOfTarget.AddDate(0, 0, day-1)
}
