// Package config loads server and client settings the way the ancestry of
// this codebase does: .env files via godotenv, environment variable
// overrides, and an optional HashiCorp Vault-backed secret for material
// that should not live in plaintext config at all.
package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/joho/godotenv"
)

// vaultClient is an optional backend for the server's pepper-table AEAD
// key. If unset, that key is generated and kept in a local file instead
// (see internal/store), matching §4.3's "if absent on open, a fresh
// 32-byte key is generated and written".
type vaultClient struct {
	client     *api.Client
	mountPath  string
	secretPath string
	logger     *log.Logger
}

var (
	vaultMu sync.RWMutex
	vault   *vaultClient
)

// InitializeVaultClient connects to Vault for optional secret retrieval.
// Failure here is never fatal: callers fall back to a local file.
func InitializeVaultClient(addr, token, mountPath, secretPath string) error {
	cfg := &api.Config{Address: addr}
	client, err := api.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("config: create vault client: %w", err)
	}
	client.SetToken(token)

	if _, err := client.Sys().Health(); err != nil {
		return fmt.Errorf("config: vault health check: %w", err)
	}

	vaultMu.Lock()
	vault = &vaultClient{
		client:     client,
		mountPath:  mountPath,
		secretPath: secretPath,
		logger:     log.New(os.Stdout, "[vault] ", log.LstdFlags),
	}
	vaultMu.Unlock()
	return nil
}

// GetSecretFromVault retrieves key from the configured Vault KV mount.
func GetSecretFromVault(key string) (string, error) {
	vaultMu.RLock()
	v := vault
	vaultMu.RUnlock()
	if v == nil {
		return "", fmt.Errorf("config: vault not initialized")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret, err := v.client.KVv2(v.mountPath).Get(ctx, v.secretPath)
	if err != nil {
		return "", fmt.Errorf("config: read vault secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("config: secret not found at %s/%s", v.mountPath, v.secretPath)
	}
	value, ok := secret.Data[key].(string)
	if !ok {
		return "", fmt.Errorf("config: key %q not present or not a string", key)
	}
	return value, nil
}

// GetStoreKeyFromVault retrieves the server pepper-table AEAD key
// (hex-encoded), Vault-first with the caller expected to fall back to a
// local file on error.
func GetStoreKeyFromVault() (string, error) {
	return GetSecretFromVault("pepper_table_key")
}

func loadEnvFiles() {
	_ = godotenv.Load()
	if env := os.Getenv("RELAY_ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}
	_ = godotenv.Load(".env.local")
}

// ServerConfig holds settings for the relay server process.
type ServerConfig struct {
	ServerID    string
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	StoreDir    string

	RedisURL  string
	ConsulURL string

	OfflineQueueCap     int
	LoginThrottleMax    int
	LoginThrottleWindow time.Duration

	MetricsAddr string

	AuditDriver string // "postgres" or "sqlite3"
	AuditDSN    string
}

// LoadServer reads server configuration from .env files and the
// environment, applying the same defaults-with-override pattern as the
// rest of this stack's config loader.
func LoadServer() *ServerConfig {
	loadEnvFiles()

	vaultAddr := os.Getenv("VAULT_ADDR")
	vaultToken := os.Getenv("VAULT_TOKEN")
	if vaultAddr != "" && vaultToken != "" {
		mountPath := getEnv("VAULT_MOUNT_PATH", "secret")
		secretPath := getEnv("VAULT_SECRET_PATH", "relay")
		if err := InitializeVaultClient(vaultAddr, vaultToken, mountPath, secretPath); err != nil {
			log.Printf("config: vault unavailable, falling back to local key file: %v", err)
		}
	}

	return &ServerConfig{
		ServerID:            getEnv("RELAY_SERVER_ID", "relay-1"),
		ListenAddr:          getEnv("RELAY_LISTEN_ADDR", ":8443"),
		TLSCertFile:         getEnv("RELAY_TLS_CERT", "server.pem"),
		TLSKeyFile:          getEnv("RELAY_TLS_KEY", "server-key.pem"),
		StoreDir:            getEnv("RELAY_STORE_DIR", "db"),
		RedisURL:            getEnv("REDIS_URL", ""),
		ConsulURL:           getEnv("CONSUL_URL", ""),
		OfflineQueueCap:     int(getEnvInt64("RELAY_OFFLINE_QUEUE_CAP", 1000)),
		LoginThrottleMax:    int(getEnvInt64("RELAY_LOGIN_THROTTLE_MAX", 3)),
		LoginThrottleWindow: time.Duration(getEnvInt64("RELAY_LOGIN_THROTTLE_WINDOW_SECONDS", 300)) * time.Second,
		MetricsAddr:         getEnv("RELAY_METRICS_ADDR", ":9090"),
		AuditDriver:         getEnv("RELAY_AUDIT_DRIVER", "sqlite3"),
		AuditDSN:            getEnv("RELAY_AUDIT_DSN", "file:audit.db?cache=shared"),
	}
}

// ClientConfig holds settings for the relay client process.
type ClientConfig struct {
	ServerAddr string
	CAFile     string
	StoreDir   string
	CipherMode bool
}

// LoadClient reads client configuration the same way LoadServer does.
func LoadClient() *ClientConfig {
	loadEnvFiles()
	return &ClientConfig{
		ServerAddr: getEnv("RELAY_SERVER_ADDR", "localhost:8443"),
		CAFile:     getEnv("RELAY_CA_FILE", "server.pem"),
		StoreDir:   getEnv("RELAY_CLIENT_STORE_DIR", "db"),
		CipherMode: getEnv("RELAY_CLIENT_CIPHER_MODE", "true") != "false",
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
