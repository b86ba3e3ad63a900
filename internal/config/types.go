package config

import "time"

// StorageBackend selects the repository implementation at startup.
type StorageBackend string

const (
	// StorageBackendFile persists entities as JSON files on disk with a
	// local vector-index sidecar. Suited to single-node development.
	StorageBackendFile StorageBackend = "file"
	// StorageBackendIndex persists entities in the distributed search
	// index, one index per entity kind suffixed by namespace.
	StorageBackendIndex StorageBackend = "distributed-index"
)

// EmbeddingsProvider selects how query/document embeddings are produced.
type EmbeddingsProvider string

const (
	// EmbeddingsProviderOllama computes embeddings with a local dense
	// model served by ollama (384 dimensions).
	EmbeddingsProviderOllama EmbeddingsProvider = "ollama"
	// EmbeddingsProviderBedrock calls the hosted Titan embedding API
	// (1024 dimensions).
	EmbeddingsProviderBedrock EmbeddingsProvider = "bedrock"
	// EmbeddingsProviderNone disables embeddings; search runs lexical-only.
	EmbeddingsProviderNone EmbeddingsProvider = "none"
)

// Config is the top-level configuration structure for the gateway registry.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Search     SearchConfig     `yaml:"search"`
	Auth       AuthConfig       `yaml:"auth"`
	Security   SecurityConfig   `yaml:"security"`
	Federation FederationConfig `yaml:"federation"`
	Tokens     TokensConfig     `yaml:"tokens"`
	Audit      AuditConfig      `yaml:"audit"`

	// Namespace partitions every index/collection name. Default: "default".
	Namespace string `yaml:"namespace,omitempty"`
}

// ServerConfig defines the HTTP ingress listener.
type ServerConfig struct {
	Host         string        `yaml:"host,omitempty"`
	Port         int           `yaml:"port,omitempty"`
	ProxyTimeout time.Duration `yaml:"proxyTimeout,omitempty"`
	// MaxConnsPerBackend bounds the proxy connection pool per backend.
	// Exhaustion answers 503.
	MaxConnsPerBackend int `yaml:"maxConnsPerBackend,omitempty"`
}

// StorageConfig selects and parameterizes the repository backend.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend,omitempty"`
	// DataDir is the root directory for the file backend.
	DataDir string `yaml:"dataDir,omitempty"`

	// Index holds the distributed-index connection settings.
	Index IndexConfig `yaml:"index,omitempty"`
}

// IndexConfig holds connection settings for the distributed search index.
type IndexConfig struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	// PasswordFile is read only when Password is empty; an inline Password
	// wins. Production deployments keep credentials out of config files.
	PasswordFile string `yaml:"passwordFile,omitempty"`
	UseTLS       bool   `yaml:"useTLS,omitempty"`
	// Recreate drops and recreates all indices at init. Destructive.
	Recreate bool `yaml:"recreate,omitempty"`
}

// SearchConfig parameterizes the hybrid search engine.
type SearchConfig struct {
	Provider        EmbeddingsProvider `yaml:"provider,omitempty"`
	ModelName       string             `yaml:"modelName,omitempty"`
	ModelDimensions int                `yaml:"modelDimensions,omitempty"`
	OllamaHost      string             `yaml:"ollamaHost,omitempty"`
	// BM25Weight and KNNWeight are the hybrid fusion weights. They should
	// sum to 1; defaults are 0.4/0.6.
	BM25Weight float64       `yaml:"bm25Weight,omitempty"`
	KNNWeight  float64       `yaml:"knnWeight,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
}

// AuthConfig defines ingress verification and scope sources.
type AuthConfig struct {
	// ScopesFile is an optional YAML scope definition file loaded at
	// startup and watched for changes. When empty, scopes come from the
	// scope repository only.
	ScopesFile string `yaml:"scopesFile,omitempty"`
	// AdminScopes are scope names granting unconditional access.
	AdminScopes []string `yaml:"adminScopes,omitempty"`
	// FederationToken authenticates peer registries against the export
	// endpoint. Empty disables static-token federation auth.
	FederationToken     string `yaml:"federationToken,omitempty"`
	FederationTokenFile string `yaml:"federationTokenFile,omitempty"`
	// ExpectedClientID/ExpectedIssuer constrain OAuth2 client-credentials
	// callers of the export endpoint.
	ExpectedClientID string `yaml:"expectedClientID,omitempty"`
	ExpectedIssuer   string `yaml:"expectedIssuer,omitempty"`
}

// SecurityConfig controls the scan orchestrator.
type SecurityConfig struct {
	ScanEnabled        bool          `yaml:"scanEnabled,omitempty"`
	ScanOnRegistration bool          `yaml:"scanOnRegistration,omitempty"`
	BlockUnsafeServers bool          `yaml:"blockUnsafeServers,omitempty"`
	Analyzers          []string      `yaml:"analyzers,omitempty"`
	ScanTimeout        time.Duration `yaml:"scanTimeout,omitempty"`
	// SweepInterval is the cadence of the registry-wide periodic scan.
	// Zero disables the sweep.
	SweepInterval time.Duration `yaml:"sweepInterval,omitempty"`
}

// FederationConfig controls the sync engine defaults.
type FederationConfig struct {
	// PeerFetchTimeout bounds a single export fetch from a peer.
	PeerFetchTimeout time.Duration `yaml:"peerFetchTimeout,omitempty"`
}

// TokensConfig controls the token refresh service.
type TokensConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
	// Dir is where client config artifacts and token material are written.
	Dir string `yaml:"dir,omitempty"`
	// Interval is the wake-up cadence of the refresh loop.
	Interval time.Duration `yaml:"interval,omitempty"`
	// Buffer is subtracted from credential expiry to compute the refresh
	// deadline. Clamped to at least one hour.
	Buffer time.Duration `yaml:"buffer,omitempty"`
}

// AuditConfig controls the audit pipeline.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
	// Dir is where JSONL audit streams are appended in file mode.
	Dir string `yaml:"dir,omitempty"`
}
