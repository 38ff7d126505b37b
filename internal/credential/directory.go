package credential

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaymeter/relaymeter-gateway/internal/gwerror"
	"github.com/relaymeter/relaymeter-gateway/internal/vault"
)

// Validator checks an API key against the live provider. The adapter
// registry satisfies this through a thin lookup.
type Validator interface {
	Validate(ctx context.Context, provider, apiKey string) (bool, error)
}

// keyFormats holds per-provider shape checks so obviously malformed keys are
// rejected without a network round trip. Unknown providers fall through to a
// minimum length check.
var keyFormats = map[string]*regexp.Regexp{
	"openai":    regexp.MustCompile(`^sk-[A-Za-z0-9_-]{20,}$`),
	"anthropic": regexp.MustCompile(`^sk-ant-[A-Za-z0-9_-]{20,}$`),
}

const minKeyLength = 16

// Config wires a Directory.
type Config struct {
	Store     Store
	Vault     *vault.Vault
	Validator Validator
	// Tiers allowed to store and use their own credentials.
	AllowedTiers []string
	Logger       *log.Logger
}

// Directory is the management surface for stored credentials. All secret
// material passes through the vault; nothing here logs or caches plaintext.
type Directory struct {
	store     Store
	vault     *vault.Vault
	validator Validator
	allowed   map[string]bool
	logger    *log.Logger
}

// NewDirectory validates cfg and returns a Directory.
func NewDirectory(cfg Config) (*Directory, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("credential directory: store is required")
	}
	if cfg.Vault == nil {
		return nil, fmt.Errorf("credential directory: vault is required")
	}
	allowed := make(map[string]bool, len(cfg.AllowedTiers))
	for _, tier := range cfg.AllowedTiers {
		allowed[strings.ToLower(tier)] = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Directory{
		store:     cfg.Store,
		vault:     cfg.Vault,
		validator: cfg.Validator,
		allowed:   allowed,
		logger:    logger,
	}, nil
}

// TierAllowed reports whether the tier may store and use its own keys.
func (d *Directory) TierAllowed(tier string) bool {
	return d.allowed[strings.ToLower(tier)]
}

// Add encrypts and stores a credential for (owner, provider) after a format
// pre-check and a live validation round trip. A key the provider definitively
// rejects is never stored; a provider outage during validation stores the
// credential as untested rather than rejecting it.
func (d *Directory) Add(ctx context.Context, owner, tier, provider, secret string) (Preview, error) {
	if !d.TierAllowed(tier) {
		return Preview{}, &gwerror.PermissionError{Tier: tier, Operation: "add credential"}
	}
	if owner == "" || owner == PlatformOwner {
		return Preview{}, &gwerror.ValidationError{Field: "owner", Reason: "missing or reserved"}
	}
	if provider == "" {
		return Preview{}, &gwerror.ValidationError{Field: "provider", Reason: "must not be empty"}
	}
	if err := checkFormat(provider, secret); err != nil {
		return Preview{}, err
	}
	if _, exists, err := d.store.Get(ctx, owner, provider); err != nil {
		return Preview{}, err
	} else if exists {
		return Preview{}, &gwerror.ValidationError{Field: "provider", Reason: "credential already stored, revoke it first"}
	}

	status := StatusUntested
	var tested *time.Time
	if d.validator != nil {
		now := time.Now().UTC()
		ok, err := d.validator.Validate(ctx, provider, secret)
		switch {
		case err != nil:
			d.logger.Printf("[credential] validation unavailable for provider=%s owner=%s: %v", provider, owner, err)
		case ok:
			status, tested = StatusValid, &now
		default:
			return Preview{}, &gwerror.ValidationError{Field: "secret", Reason: "provider rejected the key"}
		}
	}

	ciphertext, err := d.vault.Encrypt(secret)
	if err != nil {
		return Preview{}, fmt.Errorf("encrypt credential: %w", err)
	}
	cred := Credential{
		ID:           uuid.New(),
		Owner:        owner,
		Provider:     provider,
		Ciphertext:   ciphertext,
		Fingerprint:  vault.Mask(secret),
		Status:       status,
		LastTestedAt: tested,
		Enabled:      true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := d.store.Insert(ctx, cred); err != nil {
		return Preview{}, err
	}
	d.audit(ctx, owner, provider, "added", string(status))
	d.logger.Printf("[credential] stored provider=%s owner=%s fingerprint=%s status=%s",
		provider, owner, cred.Fingerprint, status)
	return cred.Preview(), nil
}

// Resolve decrypts the stored credential for (owner, provider). It returns
// (nil, nil) when no usable credential exists: absent, disabled, or marked
// invalid by a retest. A decryption failure is reported as such so callers
// can fall back to platform keys; the stored ciphertext is left untouched
// for operator inspection.
func (d *Directory) Resolve(ctx context.Context, owner, provider string) (*Decrypted, error) {
	cred, ok, err := d.store.Get(ctx, owner, provider)
	if err != nil {
		return nil, err
	}
	if !ok || !cred.Enabled || cred.Status == StatusInvalid {
		return nil, nil
	}
	secret, err := d.vault.Decrypt(cred.Ciphertext)
	if err != nil {
		d.logger.Printf("[credential] decrypt failed provider=%s owner=%s fingerprint=%s",
			provider, owner, cred.Fingerprint)
		return nil, err
	}
	return newDecrypted(secret), nil
}

// Has reports whether a usable credential exists for (owner, provider)
// without touching the ciphertext. Mirrors Resolve's visibility rules.
func (d *Directory) Has(ctx context.Context, owner, provider string) (bool, error) {
	cred, ok, err := d.store.Get(ctx, owner, provider)
	if err != nil {
		return false, err
	}
	return ok && cred.Enabled && cred.Status != StatusInvalid, nil
}

// Revoke hard-deletes the credential and records the event. Revoking a
// credential that does not exist is not an error.
func (d *Directory) Revoke(ctx context.Context, owner, provider string) error {
	deleted, err := d.store.Delete(ctx, owner, provider)
	if err != nil {
		return err
	}
	if deleted {
		d.audit(ctx, owner, provider, "revoked", "")
		d.logger.Printf("[credential] revoked provider=%s owner=%s", provider, owner)
	}
	return nil
}

// Retest re-validates the stored credential against the live provider and
// updates its status.
func (d *Directory) Retest(ctx context.Context, owner, provider string) (Preview, error) {
	cred, ok, err := d.store.Get(ctx, owner, provider)
	if err != nil {
		return Preview{}, err
	}
	if !ok {
		return Preview{}, &gwerror.ValidationError{Field: "provider", Reason: "no credential stored"}
	}
	if d.validator == nil {
		return cred.Preview(), nil
	}
	secret, err := d.vault.Decrypt(cred.Ciphertext)
	if err != nil {
		return Preview{}, err
	}
	dec := newDecrypted(secret)
	defer dec.Wipe()

	valid, err := d.validator.Validate(ctx, provider, dec.Secret())
	if err != nil {
		return Preview{}, fmt.Errorf("retest credential: %w", err)
	}
	status := StatusInvalid
	if valid {
		status = StatusValid
	}
	now := time.Now().UTC()
	if err := d.store.UpdateStatus(ctx, cred.ID, status, now); err != nil {
		return Preview{}, err
	}
	cred.Status = status
	cred.LastTestedAt = &now
	d.audit(ctx, owner, provider, "retested", string(status))
	return cred.Preview(), nil
}

// List returns the masked credentials for owner.
func (d *Directory) List(ctx context.Context, owner string) ([]Preview, error) {
	creds, err := d.store.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make([]Preview, 0, len(creds))
	for _, cred := range creds {
		out = append(out, cred.Preview())
	}
	return out, nil
}

// AuditTrail returns the most recent lifecycle events for owner.
func (d *Directory) AuditTrail(ctx context.Context, owner string, limit int) ([]AuditEvent, error) {
	return d.store.AuditTrail(ctx, owner, limit)
}

func (d *Directory) audit(ctx context.Context, owner, provider, action, detail string) {
	ev := AuditEvent{Owner: owner, Provider: provider, Action: action, Detail: detail, CreatedAt: time.Now().UTC()}
	if err := d.store.AppendAudit(ctx, ev); err != nil {
		d.logger.Printf("[credential] audit write failed owner=%s action=%s: %v", owner, action, err)
	}
}

func checkFormat(provider, secret string) error {
	if re, ok := keyFormats[provider]; ok {
		if !re.MatchString(secret) {
			return &gwerror.ValidationError{Field: "secret", Reason: "key does not match the provider's format"}
		}
		return nil
	}
	if len(secret) < minKeyLength {
		return &gwerror.ValidationError{Field: "secret", Reason: "key is too short"}
	}
	return nil
}
