package app

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"mcpgateway/internal/config"
	"mcpgateway/internal/tokens"
	"mcpgateway/pkg/logging"
)

// credentialsFileName holds the managed credential sets next to
// config.yaml. Absent file means the token service idles.
const credentialsFileName = "credentials.yaml"

func configDirOf(cfg config.Config) string {
	// The tokens directory sits under the config dir by default; its
	// parent is where credentials.yaml lives.
	return filepath.Dir(cfg.Tokens.Dir)
}

type credentialsFile struct {
	Credentials []tokens.Credential `yaml:"credentials"`
}

// loadCredentials reads the managed credential definitions. Failures are
// logged, not fatal: the registry runs fine without managed tokens.
func loadCredentials(configDir string) []tokens.Credential {
	path := filepath.Join(configDir, credentialsFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("Bootstrap", "Cannot read %s: %v", path, err)
		}
		return nil
	}

	var parsed credentialsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		logging.Warn("Bootstrap", "Ignoring malformed %s: %v", path, err)
		return nil
	}
	logging.Info("Bootstrap", "Loaded %d managed credential sets", len(parsed.Credentials))
	return parsed.Credentials
}
