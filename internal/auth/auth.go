// Package auth implements C3: bearer-credential issuance and validation.
// Credentials are high-entropy, server-generated secrets rather than
// user-chosen passwords, so they are hashed with a plain digest (sha256)
// rather than a deliberately slow password hash.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bastion-dispatcher/internal/apierr"
	"bastion-dispatcher/internal/models"
)

// Store is the subset of internal/store.Store auth depends on.
type Store interface {
	CreateCredential(ctx context.Context, c models.Credential) error
	GetActiveCredentialByHash(ctx context.Context, hash string) (models.Credential, error)
	RevokeCredential(ctx context.Context, id string) error
	ListCredentials(ctx context.Context) ([]models.Credential, error)
}

// HashSecret returns the hex-encoded sha256 digest of a bearer secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// GenerateSecret produces a new random bearer secret, hex-encoded.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Principal describes the authenticated caller of a request.
type Principal struct {
	Name    string
	IsAdmin bool
}

// Authenticator validates bearer secrets against the credential store.
type Authenticator struct {
	store Store
}

// New builds an Authenticator backed by store.
func New(store Store) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate resolves a bearer secret to the Principal it belongs to,
// rejecting unknown, revoked or expired credentials.
func (a *Authenticator) Authenticate(ctx context.Context, secret string) (Principal, error) {
	if secret == "" {
		return Principal{}, apierr.New(apierr.Unauthenticated, "missing bearer credential")
	}
	cred, err := a.store.GetActiveCredentialByHash(ctx, HashSecret(secret))
	if err != nil {
		return Principal{}, err
	}
	if !cred.ExpiresAt.IsZero() && time.Now().UTC().After(cred.ExpiresAt) {
		return Principal{}, apierr.New(apierr.Unauthenticated, "credential expired")
	}
	return Principal{Name: cred.Principal, IsAdmin: cred.IsAdmin}, nil
}

// IssueCredential creates a new credential for principal, deactivating any
// credential previously issued to them. validityDays is clamped to
// maxValidityDays: credentials never outlive the configured maximum.
func (a *Authenticator) IssueCredential(ctx context.Context, principal string, isAdmin bool, validityDays, maxValidityDays int) (string, models.Credential, error) {
	if validityDays <= 0 || validityDays > maxValidityDays {
		validityDays = maxValidityDays
	}

	secret, err := GenerateSecret()
	if err != nil {
		return "", models.Credential{}, err
	}

	now := time.Now().UTC()
	cred := models.Credential{
		ID:         uuid.New().String(),
		Principal:  principal,
		SecretHash: HashSecret(secret),
		IsAdmin:    isAdmin,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Duration(validityDays) * 24 * time.Hour),
		Active:     true,
	}

	if err := a.store.CreateCredential(ctx, cred); err != nil {
		return "", models.Credential{}, err
	}
	return secret, cred, nil
}

// RevokeCredential deactivates a credential by id.
func (a *Authenticator) RevokeCredential(ctx context.Context, id string) error {
	return a.store.RevokeCredential(ctx, id)
}

// ListCredentials returns every issued credential, for the admin CLI.
func (a *Authenticator) ListCredentials(ctx context.Context) ([]models.Credential, error) {
	return a.store.ListCredentials(ctx)
}
