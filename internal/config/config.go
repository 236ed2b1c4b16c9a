package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Server  ServerConfig
	BrainNS BrainNSConfig
	Tracker TrackerConfig
	Cache   CacheConfig
	Volume  VolumeConfig
	Viewer  ViewerConfig
	Storage StorageConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

// BrainNSConfig points at the segmentation backend.
type BrainNSConfig struct {
	BaseURL  string
	APIToken string
}

type TrackerConfig struct {
	PollInterval string
	MaxFailures  int
}

type CacheConfig struct {
	MaxSubjects    int
	MaxLabelBuilds int
}

// VolumeConfig holds the in-plane geometry used for multi-slice archives,
// which carry no header of their own.
type VolumeConfig struct {
	SliceRows int
	SliceCols int
}

type ViewerConfig struct {
	Colormap string
	AutoLoad bool
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		BrainNS: BrainNSConfig{
			BaseURL: "http://localhost:8000",
		},
		Tracker: TrackerConfig{
			PollInterval: "2s",
			MaxFailures:  5,
		},
		Cache: CacheConfig{
			MaxSubjects:    4,
			MaxLabelBuilds: 2,
		},
		Volume: VolumeConfig{
			SliceRows: 240,
			SliceCols: 240,
		},
		Viewer: ViewerConfig{
			Colormap: "Grayscale",
			AutoLoad: true,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.brainview.app) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/brainview/config.json
// and secrets fall back to $XDG_DATA_HOME/brainview/secrets.json.
//
// Environment variables (BRAINVIEW_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.BrainNS.APIToken == "" {
		if tok, err := kc.Get(keychainService, brainnsTokenAccount); err == nil && tok != "" {
			cfg.BrainNS.APIToken = tok
		}
	}

	if cfg.BrainNS.APIToken == "" {
		msg := "missing required config: segmentation backend API token. " +
			"Set it via environment variable BRAINVIEW_BRAINNS_API_TOKEN" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	var problems []string
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", cfg.Server.Port))
	}
	if cfg.Tracker.MaxFailures <= 0 {
		problems = append(problems, "tracker.max_failures must be positive")
	}
	if cfg.Cache.MaxSubjects <= 0 || cfg.Cache.MaxLabelBuilds <= 0 {
		problems = append(problems, "cache limits must be positive")
	}
	if cfg.Volume.SliceRows <= 0 || cfg.Volume.SliceCols <= 0 {
		problems = append(problems, "volume slice geometry must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
