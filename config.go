package arpchat

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	homedir "github.com/mitchellh/go-homedir"
)

// Config is the small key/value document persisted between runs. All
// three keys are optional; a missing or malformed file behaves as an
// empty configuration.
type Config struct {
	Username  string `toml:"username,omitempty"`
	Interface string `toml:"interface,omitempty"`
	EtherType string `toml:"ether_type,omitempty"`
}

// configMu guards the process-wide configuration singleton: only the UI
// context writes it, and only small critical sections hold it.
var configMu sync.Mutex

// ConfigPath returns the deterministic on-disk location of the
// configuration file, <user config dir>/arpchat/arpchat.toml, or an error
// if the user's home directory can't be resolved.
func ConfigPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "arpchat", "arpchat.toml"), nil
}

// LoadConfig reads the configuration file. A missing or malformed file is
// equivalent to an empty Config.
func LoadConfig() Config {
	configMu.Lock()
	defer configMu.Unlock()

	var cfg Config
	path, err := ConfigPath()
	if err != nil {
		return cfg
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// SaveConfig persists cfg to the configuration file, creating its parent
// directory if necessary. Errors are intentionally not fatal to the caller
// beyond being returned: configuration persistence is best-effort.
func SaveConfig(cfg Config) error {
	configMu.Lock()
	defer configMu.Unlock()

	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
