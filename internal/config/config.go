// Package config loads and validates the per-peer JSON configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"pubphone/internal/util"
	"pubphone/internal/wire"
)

type Config struct {
	P2P       P2P       `json:"p2p"`
	Signaling Signaling `json:"signaling"`
	Call      Call      `json:"call"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Multiaddrs (with /p2p/<peer-id>) dialed at startup so peers behind
	// different LANs still find a shared mesh. Best effort.
	Bootstrap []string `json:"bootstrap"`
}

type Signaling struct {
	Topic string `json:"topic"`
}

type Call struct {
	STUNServers []string `json:"stun_servers"`

	// Counter-signal REJECT on a RINGING message that doesn't match the
	// active call; default is to drop such messages silently.
	RingingMismatchReject bool `json:"ringing_mismatch_reject"`
}

func Default() Config {
	return Config{
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "pubphone-mdns",
		},
		Signaling: Signaling{
			Topic: wire.DefaultTopic,
		},
		Call: Call{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

func (c *Config) Validate() error {
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	for _, b := range c.P2P.Bootstrap {
		if !strings.HasPrefix(b, "/") {
			return fmt.Errorf("p2p.bootstrap entry %q is not a multiaddr", b)
		}
	}

	if strings.TrimSpace(c.Signaling.Topic) == "" {
		return errors.New("signaling.topic is required")
	}

	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers entry %q must start with stun: or turn:", s)
		}
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
