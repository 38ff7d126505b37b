// Package credential manages bring-your-own-key provider credentials:
// encrypted storage, validation against the provider, lifecycle (added,
// tested, revoked) and per-request resolution. Plaintext secrets exist only
// transiently while a request is being served.
package credential

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PlatformOwner is the reserved owner id for platform-funded credentials.
const PlatformOwner = "platform"

// Status tracks the validation state of a stored credential.
type Status string

const (
	StatusUntested Status = "untested"
	StatusValid    Status = "valid"
	StatusInvalid  Status = "invalid"
)

// Credential is the stored record for one (owner, provider) pair. The secret
// is present only as ciphertext; Fingerprint is the non-secret display form.
type Credential struct {
	ID           uuid.UUID  `json:"id"`
	Owner        string     `json:"owner"`
	Provider     string     `json:"provider"`
	Ciphertext   string     `json:"-"`
	Fingerprint  string     `json:"fingerprint"`
	Status       Status     `json:"status"`
	LastTestedAt *time.Time `json:"last_tested_at,omitempty"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Preview is the masked management view. It never carries secret material.
type Preview struct {
	ID           uuid.UUID  `json:"id"`
	Provider     string     `json:"provider"`
	Fingerprint  string     `json:"fingerprint"`
	Status       Status     `json:"status"`
	LastTestedAt *time.Time `json:"last_tested_at,omitempty"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Preview returns the masked view of c.
func (c Credential) Preview() Preview {
	return Preview{
		ID:           c.ID,
		Provider:     c.Provider,
		Fingerprint:  c.Fingerprint,
		Status:       c.Status,
		LastTestedAt: c.LastTestedAt,
		Enabled:      c.Enabled,
		CreatedAt:    c.CreatedAt,
	}
}

// Decrypted holds a plaintext secret for the duration of one outbound call.
// Callers must Wipe it as soon as the call returns and must not retain it.
type Decrypted struct {
	secret []byte
}

func newDecrypted(secret string) *Decrypted {
	return &Decrypted{secret: []byte(secret)}
}

// Transient wraps an already-plaintext key (a platform key from config) in
// the same wipeable container as decrypted credentials.
func Transient(secret string) *Decrypted {
	return newDecrypted(secret)
}

// Secret returns the plaintext.
func (d *Decrypted) Secret() string {
	if d == nil {
		return ""
	}
	return string(d.secret)
}

// Wipe zeroes the buffer. Best effort: earlier string copies are garbage
// collected normally, but the long-lived buffer is destroyed.
func (d *Decrypted) Wipe() {
	if d == nil {
		return
	}
	for i := range d.secret {
		d.secret[i] = 0
	}
	d.secret = d.secret[:0]
}

// AuditEvent records a credential lifecycle change.
type AuditEvent struct {
	ID        int64     `json:"id"`
	Owner     string    `json:"owner"`
	Provider  string    `json:"provider"`
	Action    string    `json:"action"` // added, revoked, retested
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store defines persistence for credentials and their audit trail. The
// directory is the only component permitted to write these tables.
type Store interface {
	Insert(ctx context.Context, cred Credential) error
	GetByID(ctx context.Context, id uuid.UUID) (Credential, bool, error)
	Get(ctx context.Context, owner, provider string) (Credential, bool, error)
	List(ctx context.Context, owner string) ([]Credential, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, testedAt time.Time) error
	// Delete hard-deletes the row; revocation must not leave ciphertext
	// behind.
	Delete(ctx context.Context, owner, provider string) (bool, error)
	AppendAudit(ctx context.Context, event AuditEvent) error
	AuditTrail(ctx context.Context, owner string, limit int) ([]AuditEvent, error)
	Close() error
}
