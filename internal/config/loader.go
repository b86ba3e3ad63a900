package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mcpgateway/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/mcpgateway"
	configFileName = "config.yaml"
)

// GetDefaultConfigPathOrPanic returns the per-user configuration directory.
func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}

	return filepath.Join(homeDir, userConfigDir)
}

// GetDefaultConfig returns the built-in defaults. Every loader starts from
// these so a missing config.yaml still yields a runnable instance.
func GetDefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:               "localhost",
			Port:               8080,
			ProxyTimeout:       30 * time.Second,
			MaxConnsPerBackend: 64,
		},
		Storage: StorageConfig{
			Backend: StorageBackendFile,
			DataDir: filepath.Join(GetDefaultConfigPathOrPanic(), "data"),
			Index: IndexConfig{
				Host: "localhost",
				Port: 9200,
			},
		},
		Search: SearchConfig{
			Provider:        EmbeddingsProviderNone,
			ModelName:       "all-minilm",
			ModelDimensions: 384,
			BM25Weight:      0.4,
			KNNWeight:       0.6,
			Timeout:         5 * time.Second,
		},
		Auth: AuthConfig{
			AdminScopes: []string{"mcp-registry-admin"},
		},
		Security: SecurityConfig{
			ScanEnabled:        false,
			ScanOnRegistration: true,
			BlockUnsafeServers: true,
			Analyzers:          []string{"rules"},
			ScanTimeout:        60 * time.Second,
		},
		Federation: FederationConfig{
			PeerFetchTimeout: 30 * time.Second,
		},
		Tokens: TokensConfig{
			Dir:      filepath.Join(GetDefaultConfigPathOrPanic(), "tokens"),
			Interval: 5 * time.Minute,
			Buffer:   time.Hour,
		},
		Audit: AuditConfig{
			Enabled: true,
			Dir:     filepath.Join(GetDefaultConfigPathOrPanic(), "audit"),
		},
		Namespace: "default",
	}
}

// LoadConfig loads configuration from the given directory, layering
// defaults, config.yaml, then environment overrides.
func LoadConfig(configPath string) (Config, error) {
	config := GetDefaultConfig()

	configFilePath := filepath.Join(configPath, configFileName)
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
		} else {
			return Config{}, fmt.Errorf("error reading config from %s: %w", configFilePath, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
		}
		logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	}

	applyEnvOverrides(&config)

	if err := resolveSecretFiles(&config); err != nil {
		return Config{}, fmt.Errorf("error resolving secret files: %w", err)
	}

	if err := Validate(&config); err != nil {
		return Config{}, err
	}

	return config, nil
}

// applyEnvOverrides applies the recognized environment variables on top of
// file configuration. Environment wins over file, file wins over defaults.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		config.Storage.Backend = StorageBackend(v)
	}
	if v := os.Getenv("EMBEDDINGS_PROVIDER"); v != "" {
		config.Search.Provider = EmbeddingsProvider(v)
	}
	if v := os.Getenv("EMBEDDINGS_MODEL_NAME"); v != "" {
		config.Search.ModelName = v
	}
	if v := os.Getenv("EMBEDDINGS_MODEL_DIMENSIONS"); v != "" {
		if dims, err := strconv.Atoi(v); err == nil {
			config.Search.ModelDimensions = dims
		} else {
			logging.Warn("ConfigLoader", "Ignoring non-numeric EMBEDDINGS_MODEL_DIMENSIONS=%q", v)
		}
	}
	if v := os.Getenv("INDEX_HOST"); v != "" {
		config.Storage.Index.Host = v
	}
	if v := os.Getenv("INDEX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Storage.Index.Port = port
		}
	}
	if v := os.Getenv("INDEX_USERNAME"); v != "" {
		config.Storage.Index.Username = v
	}
	if v := os.Getenv("INDEX_PASSWORD"); v != "" {
		config.Storage.Index.Password = v
	}
	if v := os.Getenv("SECURITY_SCAN_ENABLED"); v != "" {
		config.Security.ScanEnabled = parseBool(v)
	}
	if v := os.Getenv("SECURITY_SCAN_ON_REGISTRATION"); v != "" {
		config.Security.ScanOnRegistration = parseBool(v)
	}
	if v := os.Getenv("SECURITY_SCAN_BLOCK_UNSAFE_SERVERS"); v != "" {
		config.Security.BlockUnsafeServers = parseBool(v)
	}
	if v := os.Getenv("SECURITY_ANALYZERS"); v != "" {
		config.Security.Analyzers = splitAndTrim(v)
	}
	if v := os.Getenv("SECURITY_SCAN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Security.ScanTimeout = d
		} else if secs, err := strconv.Atoi(v); err == nil {
			config.Security.ScanTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("REGISTRY_NAMESPACE"); v != "" {
		config.Namespace = v
	}
}

// Validate rejects configurations the runtime cannot honor.
func Validate(config *Config) error {
	switch config.Storage.Backend {
	case StorageBackendFile, StorageBackendIndex:
	default:
		return fmt.Errorf("unknown storage backend %q (want %q or %q)",
			config.Storage.Backend, StorageBackendFile, StorageBackendIndex)
	}

	switch config.Search.Provider {
	case EmbeddingsProviderOllama, EmbeddingsProviderBedrock, EmbeddingsProviderNone:
	default:
		return fmt.Errorf("unknown embeddings provider %q", config.Search.Provider)
	}

	// Dimension is fixed per namespace at index-creation time.
	if config.Search.ModelDimensions != 384 && config.Search.ModelDimensions != 1024 {
		return fmt.Errorf("embedding dimension must be 384 or 1024, got %d", config.Search.ModelDimensions)
	}

	if config.Namespace == "" {
		config.Namespace = "default"
	}
	if config.Tokens.Buffer < time.Hour {
		config.Tokens.Buffer = time.Hour
	}

	return nil
}

func resolveSecretFiles(config *Config) error {
	if config.Storage.Index.PasswordFile != "" && config.Storage.Index.Password == "" {
		secret, err := readSecretFile(config.Storage.Index.PasswordFile)
		if err != nil {
			return fmt.Errorf("failed to read index password from %s: %w", config.Storage.Index.PasswordFile, err)
		}
		config.Storage.Index.Password = secret
		logging.Info("ConfigLoader", "Loaded index password from file")
	}

	if config.Auth.FederationTokenFile != "" && config.Auth.FederationToken == "" {
		secret, err := readSecretFile(config.Auth.FederationTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read federation token from %s: %w", config.Auth.FederationTokenFile, err)
		}
		config.Auth.FederationToken = secret
		logging.Info("ConfigLoader", "Loaded federation token from file")
	}

	return nil
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
