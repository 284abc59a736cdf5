/*
File Name:  Config.go

Config is the YAML-backed top-level configuration, loaded with an embedded
default document the way the teacher's Settings.go loads "Config
Default.yaml". On first run (file missing or empty) the default document is
used and, once a private key has been generated, written back to the named
file so subsequent runs reuse the same identity.
*/

package core

import (
	"crypto/rand"
	_ "embed" // required for embedding the default config document
	"encoding/hex"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kadrelay/core/protocol"
)

//go:embed "Config Default.yaml"
var defaultConfig []byte

// peerSeed is one entry of the config's manual-relay/seed list.
type peerSeed struct {
	Address string `yaml:"Address"` // host:port
}

// Config is the full set of settings a caller supplies to Init.
type Config struct {
	Listen        []string `yaml:"Listen"`        // TCP listen addresses
	ListenUDP     []string `yaml:"ListenUDP"`      // UDP listen addresses
	ListenWorkers int      `yaml:"ListenWorkers"`  // I/O pool size, default 2

	MaxRelays         int        `yaml:"MaxRelays"`
	ManualRelays      []peerSeed `yaml:"ManualRelays"`
	RelayFailedExpiry int        `yaml:"RelayFailedExpiry"` // seconds

	HeartbeatSeconds      int `yaml:"HeartbeatSeconds"`
	RequestTimeoutSeconds int `yaml:"RequestTimeoutSeconds"`

	// PrivateKeyX509 is the hex-encoded DSA private key in the layout of
	// protocol.MarshalDSAPrivateKey (not PKCS#8). Generated
	// and persisted back to the config file on first run.
	PrivateKeyX509 string `yaml:"PrivateKeyX509"`

	LogFile string `yaml:"LogFile"`
}

var configFile string

// LoadConfig reads the YAML configuration file named by filename. If the
// file does not exist or is empty, the embedded default document is used
// instead (this is not an error -- it is how a fresh node bootstraps).
func LoadConfig(filename string, out *Config) (status int, err error) {
	configFile = filename

	var data []byte
	stats, statErr := os.Stat(filename)
	switch {
	case statErr != nil && os.IsNotExist(statErr):
		data = defaultConfig
	case statErr != nil:
		return ExitErrorConfigAccess, statErr
	case stats.Size() == 0:
		data = defaultConfig
	default:
		if data, err = os.ReadFile(filename); err != nil {
			return ExitErrorConfigRead, err
		}
	}

	if err = yaml.Unmarshal(data, out); err != nil {
		return ExitErrorConfigParse, err
	}
	return ExitSuccess, nil
}

// SaveConfig writes cfg back to the file most recently loaded via
// LoadConfig. Failures are non-fatal to the caller -- the in-memory config
// remains valid even if persistence fails.
func SaveConfig(cfg *Config) error {
	if configFile == "" {
		return nil
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(configFile, data, 0644)
}

// ensurePrivateKey loads cfg's hex-encoded DSA private key, generating and
// persisting a new one on first run when the field is empty.
func ensurePrivateKey(cfg *Config) (priv *protocol.DSAKeyPair, status int, err error) {
	if cfg.PrivateKeyX509 == "" {
		key, genErr := protocol.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, ExitPrivateKeyCreate, genErr
		}
		encoded, marshalErr := protocol.MarshalDSAPrivateKey(key)
		if marshalErr != nil {
			return nil, ExitPrivateKeyCreate, marshalErr
		}
		cfg.PrivateKeyX509 = hex.EncodeToString(encoded)
		_ = SaveConfig(cfg)
		return &protocol.DSAKeyPair{Private: key}, ExitSuccess, nil
	}

	raw, hexErr := hex.DecodeString(cfg.PrivateKeyX509)
	if hexErr != nil {
		return nil, ExitPrivateKeyCorrupt, hexErr
	}
	key, parseErr := protocol.ParseDSAPrivateKey(raw)
	if parseErr != nil {
		return nil, ExitPrivateKeyCorrupt, parseErr
	}
	return &protocol.DSAKeyPair{Private: key}, ExitSuccess, nil
}
