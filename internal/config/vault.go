package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// SecretManager wraps the Vault API client for reading connection secrets.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager creates a Vault client pointed at the given address and
// authenticated with the provided token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetKV2 reads from a KV v2 backend and returns the inner "data" map,
// unwrapping the v2 envelope automatically.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// applyVaultSecrets overrides connection strings from Vault when VAULT_ADDR
// is set. Environment values remain the fallback for keys the secret does
// not carry.
func applyVaultSecrets(cfg *Config, logger *zap.Logger) error {
	vaultAddr := os.Getenv("VAULT_ADDR")
	if vaultAddr == "" {
		return nil
	}
	vaultToken := os.Getenv("VAULT_TOKEN")
	secretPath := os.Getenv("VAULT_SECRET_PATH")
	if secretPath == "" {
		secretPath = "secret/data/uba/pipeline"
	}

	manager, err := NewSecretManager(vaultAddr, vaultToken)
	if err != nil {
		return fmt.Errorf("vault connection failed: %w", err)
	}
	secrets, err := manager.GetKV2(secretPath)
	if err != nil {
		return fmt.Errorf("failed to load secrets from vault: %w", err)
	}

	assign := func(key string, dst *string) {
		if v, ok := secrets[key].(string); ok && v != "" {
			*dst = v
		}
	}
	assign("DATABASE_URL", &cfg.DatabaseURL)
	assign("MYSQL_LOG_DATABASE_URL", &cfg.MySQLLogDatabaseURL)
	assign("MYSQL_ADMIN_DATABASE_URL", &cfg.MySQLAdminURL)
	assign("REDIS_URL", &cfg.RedisURL)

	logger.Info("vault secrets applied", zap.String("path", secretPath))
	return nil
}
