package vault

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	hcvault "github.com/hashicorp/vault/api"
)

// A KeySource resolves the master key from a scheme://path reference so the
// symmetric key never has to live in the config file itself.
//
// Supported references:
//
//	env://VAR_NAME          base64 or hex key in an environment variable
//	file:///etc/key         raw, base64 or hex key in a file
//	vault://secret/data/k#f HashiCorp Vault KV v2 path, field f (default "key")
type KeySource interface {
	Load(ctx context.Context, path string) ([]byte, error)
}

// LoadKey parses ref, dispatches to the matching source and decodes the key
// material. A ref without a scheme is rejected: pasting raw key bytes into
// configuration is not supported.
func LoadKey(ctx context.Context, ref string, vaultCfg VaultConfig) ([]byte, error) {
	scheme, path, ok := strings.Cut(ref, "://")
	if !ok {
		return nil, fmt.Errorf("vault: key reference %q missing scheme", ref)
	}
	var src KeySource
	switch scheme {
	case "env":
		src = EnvSource{}
	case "file":
		src = FileSource{}
	case "vault":
		vs, err := NewVaultSource(vaultCfg)
		if err != nil {
			return nil, err
		}
		src = vs
	default:
		return nil, fmt.Errorf("vault: unknown key source scheme %q", scheme)
	}
	return src.Load(ctx, path)
}

// EnvSource reads the key from an environment variable.
type EnvSource struct{}

func (EnvSource) Load(_ context.Context, name string) ([]byte, error) {
	val, ok := os.LookupEnv(name)
	if !ok {
		return nil, fmt.Errorf("vault: environment variable %q not set", name)
	}
	return decodeKey(val)
}

// FileSource reads the key from a local file.
type FileSource struct{}

func (FileSource) Load(_ context.Context, path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vault: read key file: %w", err)
	}
	if len(raw) == KeySize {
		return raw, nil
	}
	return decodeKey(strings.TrimSpace(string(raw)))
}

// VaultConfig carries connection settings for the vault:// source.
type VaultConfig struct {
	Address  string
	Token    string
	RoleID   string
	SecretID string
}

// VaultSource reads the key from HashiCorp Vault KV v2.
type VaultSource struct {
	client *hcvault.Client
}

// NewVaultSource builds a client using token auth when a token is given,
// falling back to AppRole login.
func NewVaultSource(cfg VaultConfig) (*VaultSource, error) {
	vc := hcvault.DefaultConfig()
	if cfg.Address != "" {
		vc.Address = cfg.Address
	}
	client, err := hcvault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("vault: client: %w", err)
	}
	switch {
	case cfg.Token != "":
		client.SetToken(cfg.Token)
	case cfg.RoleID != "":
		secret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("vault: approle login: %w", err)
		}
		if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
			return nil, fmt.Errorf("vault: approle login returned no client token")
		}
		client.SetToken(secret.Auth.ClientToken)
	default:
		return nil, fmt.Errorf("vault: vault:// key source requires a token or approle credentials")
	}
	return &VaultSource{client: client}, nil
}

func (s *VaultSource) Load(ctx context.Context, path string) ([]byte, error) {
	path, field, _ := strings.Cut(path, "#")
	if field == "" {
		field = "key"
	}
	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("vault: read %s: %w", path, err)
	}
	if secret == nil {
		return nil, fmt.Errorf("vault: no secret at %s", path)
	}
	data := secret.Data
	// KV v2 nests the payload under "data".
	if inner, ok := data["data"].(map[string]interface{}); ok {
		data = inner
	}
	val, ok := data[field].(string)
	if !ok {
		return nil, fmt.Errorf("vault: field %q missing at %s", field, path)
	}
	return decodeKey(val)
}

// decodeKey accepts hex or base64 encoded key material.
func decodeKey(val string) ([]byte, error) {
	if raw, err := hex.DecodeString(val); err == nil && len(raw) == KeySize {
		return raw, nil
	}
	raw, err := base64.StdEncoding.DecodeString(val)
	if err != nil {
		return nil, fmt.Errorf("vault: key material is neither hex nor base64")
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("vault: decoded key is %d bytes, want %d", len(raw), KeySize)
	}
	return raw, nil
}
