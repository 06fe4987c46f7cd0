package auth

import (
	"context"
	"testing"

	"bastion-dispatcher/internal/apierr"
	"bastion-dispatcher/internal/models"
)

type fakeStore struct {
	byHash map[string]models.Credential
}

func newFakeStore() *fakeStore { return &fakeStore{byHash: map[string]models.Credential{}} }

func (f *fakeStore) CreateCredential(ctx context.Context, c models.Credential) error {
	for hash, existing := range f.byHash {
		if existing.Principal == c.Principal && existing.Active {
			existing.Active = false
			f.byHash[hash] = existing
		}
	}
	f.byHash[c.SecretHash] = c
	return nil
}

func (f *fakeStore) GetActiveCredentialByHash(ctx context.Context, hash string) (models.Credential, error) {
	c, ok := f.byHash[hash]
	if !ok || !c.Active {
		return models.Credential{}, apierr.New(apierr.Unauthenticated, "unknown or inactive credential")
	}
	return c, nil
}

func (f *fakeStore) RevokeCredential(ctx context.Context, id string) error {
	for hash, c := range f.byHash {
		if c.ID == id {
			c.Active = false
			f.byHash[hash] = c
			return nil
		}
	}
	return apierr.New(apierr.NotFound, "credential not found")
}

func (f *fakeStore) ListCredentials(ctx context.Context) ([]models.Credential, error) {
	var out []models.Credential
	for _, c := range f.byHash {
		out = append(out, c)
	}
	return out, nil
}

func TestIssueCredential_ClampsValidity(t *testing.T) {
	a := New(newFakeStore())
	secret, cred, err := a.IssueCredential(context.Background(), "alice", false, 365, 30)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if secret == "" {
		t.Fatalf("expected non-empty secret")
	}
	maxValid := cred.CreatedAt.Add(31 * 24 * 3600 * 1e9)
	if cred.ExpiresAt.After(maxValid) {
		t.Fatalf("expected expiry clamped to 30 days, got %v", cred.ExpiresAt)
	}
}

func TestAuthenticate_RejectsAfterRevoke(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	a := New(store)

	secret, cred, err := a.IssueCredential(ctx, "bob", true, 30, 30)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	principal, err := a.Authenticate(ctx, secret)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.Name != "bob" || !principal.IsAdmin {
		t.Fatalf("unexpected principal: %+v", principal)
	}

	if err := a.RevokeCredential(ctx, cred.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := a.Authenticate(ctx, secret); err == nil {
		t.Fatalf("expected authentication to fail after revoke")
	}
}

func TestIssueCredential_DeactivatesPrior(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	a := New(store)

	firstSecret, _, err := a.IssueCredential(ctx, "carol", false, 30, 30)
	if err != nil {
		t.Fatalf("issue first: %v", err)
	}
	secondSecret, _, err := a.IssueCredential(ctx, "carol", false, 30, 30)
	if err != nil {
		t.Fatalf("issue second: %v", err)
	}

	if _, err := a.Authenticate(ctx, firstSecret); err == nil {
		t.Fatalf("expected first credential deactivated")
	}
	if _, err := a.Authenticate(ctx, secondSecret); err != nil {
		t.Fatalf("expected second credential active: %v", err)
	}
}
