package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// KeyringService is the service name in the OS keychain
	KeyringService = "SteriSafe"

	// KeyringPostgresDSNItem holds the PostgreSQL connection string
	KeyringPostgresDSNItem = "postgres-dsn"

	// KeyringRedisPasswordItem holds the Redis password
	KeyringRedisPasswordItem = "redis-password"
)

// KeyringManager handles secure credential storage in OS keychain
type KeyringManager struct {
	logger *slog.Logger
}

// NewKeyringManager creates a new keyring manager
func NewKeyringManager() *KeyringManager {
	return &KeyringManager{
		logger: slog.Default().With("component", "keyring"),
	}
}

func (km *KeyringManager) get(item string) (string, error) {
	value, err := keyring.Get(KeyringService, item)
	if err == keyring.ErrNotFound {
		// Not an error - just not set yet
		return "", nil
	}
	if err != nil {
		km.logger.Error("failed to read from keychain", "item", item, "error", err)
		return "", fmt.Errorf("failed to read from OS keychain: %w", err)
	}
	return value, nil
}

func (km *KeyringManager) set(item, value string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", item)
	}
	if err := keyring.Set(KeyringService, item, value); err != nil {
		km.logger.Error("failed to save to keychain", "item", item, "error", err)
		return fmt.Errorf("failed to save to OS keychain: %w", err)
	}
	km.logger.Info("credential saved to keychain", "service", KeyringService, "item", item)
	return nil
}

func (km *KeyringManager) delete(item string) error {
	err := keyring.Delete(KeyringService, item)
	if err == keyring.ErrNotFound {
		// Already deleted, not an error
		return nil
	}
	if err != nil {
		km.logger.Error("failed to delete from keychain", "item", item, "error", err)
		return fmt.Errorf("failed to delete from OS keychain: %w", err)
	}
	return nil
}

// SavePostgresDSN stores the DSN in the OS keychain:
// - macOS: Keychain Access.app → "SteriSafe" → "postgres-dsn"
// - Windows: Credential Manager → "SteriSafe"
// - Linux: Secret Service (requires libsecret)
func (km *KeyringManager) SavePostgresDSN(dsn string) error {
	return km.set(KeyringPostgresDSNItem, dsn)
}

// GetPostgresDSN retrieves the DSN; an unset entry returns ""
func (km *KeyringManager) GetPostgresDSN() (string, error) {
	return km.get(KeyringPostgresDSNItem)
}

// DeletePostgresDSN removes the DSN
func (km *KeyringManager) DeletePostgresDSN() error {
	return km.delete(KeyringPostgresDSNItem)
}

// SaveRedisPassword stores the Redis password
func (km *KeyringManager) SaveRedisPassword(password string) error {
	return km.set(KeyringRedisPasswordItem, password)
}

// GetRedisPassword retrieves the Redis password; an unset entry returns ""
func (km *KeyringManager) GetRedisPassword() (string, error) {
	return km.get(KeyringRedisPasswordItem)
}

// DeleteRedisPassword removes the Redis password
func (km *KeyringManager) DeleteRedisPassword() error {
	return km.delete(KeyringRedisPasswordItem)
}

// IsAvailable checks if OS keychain is available.
// Returns false on headless systems (CI/CD) where keychain isn't available.
func (km *KeyringManager) IsAvailable() bool {
	_, err := keyring.Get(KeyringService, "test-availability")

	// "not found" means the keychain answered
	if err == keyring.ErrNotFound {
		return true
	}
	if err != nil {
		km.logger.Debug("keychain not available", "error", err)
		return false
	}

	return true
}

// KeySourceInfo describes where the DSN is coming from
type KeySourceInfo struct {
	Source      string // "keychain", "config", "env", "env_file", "none"
	Secure      bool
	Recommended string
}

// GetDSNSource determines where the DSN is coming from
func (km *KeyringManager) GetDSNSource(cfg *Config) KeySourceInfo {
	if os.Getenv("POSTGRES_DSN") != "" {
		return KeySourceInfo{
			Source:      "env",
			Secure:      true,
			Recommended: "Using environment variable (good for CI/CD)",
		}
	}

	if dsn, _ := km.GetPostgresDSN(); dsn != "" {
		return KeySourceInfo{
			Source:      "keychain",
			Secure:      true,
			Recommended: "Stored securely in OS keychain",
		}
	}

	if cfg.Storage.PostgresDSN != "" {
		return KeySourceInfo{
			Source:      "config",
			Secure:      false,
			Recommended: "Plaintext DSN in config file. Run: steri configure --dsn ...",
		}
	}

	if _, err := os.Stat(".env"); err == nil {
		return KeySourceInfo{
			Source:      "env_file",
			Secure:      false,
			Recommended: "Using .env file (OK for development, consider keychain otherwise)",
		}
	}

	return KeySourceInfo{
		Source:      "none",
		Secure:      false,
		Recommended: "No DSN configured. Run: steri configure --dsn ...",
	}
}

// MaskDSN hides the password of a connection string for display
func MaskDSN(dsn string) string {
	if dsn == "" {
		return "(not set)"
	}
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
