package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "BRAINVIEW_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "brainns.base_url", typ: kString, env: "BRAINVIEW_BRAINNS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.BrainNS.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.BrainNS.BaseURL },
	},
	{
		key: "brainns.api_token", typ: kString, env: "BRAINVIEW_BRAINNS_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.BrainNS.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.BrainNS.APIToken },
	},
	{
		key: "tracker.poll_interval", typ: kString, env: "BRAINVIEW_TRACKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Tracker.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Tracker.PollInterval },
	},
	{
		key: "tracker.max_failures", typ: kInt, env: "BRAINVIEW_TRACKER_MAX_FAILURES",
		apply:   func(cfg *Config, v any) { cfg.Tracker.MaxFailures = v.(int) },
		extract: func(cfg Config) any { return cfg.Tracker.MaxFailures },
	},
	{
		key: "cache.max_subjects", typ: kInt, env: "BRAINVIEW_CACHE_MAX_SUBJECTS",
		apply:   func(cfg *Config, v any) { cfg.Cache.MaxSubjects = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MaxSubjects },
	},
	{
		key: "cache.max_label_builds", typ: kInt, env: "BRAINVIEW_CACHE_MAX_LABEL_BUILDS",
		apply:   func(cfg *Config, v any) { cfg.Cache.MaxLabelBuilds = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MaxLabelBuilds },
	},
	{
		key: "volume.slice_rows", typ: kInt, env: "BRAINVIEW_VOLUME_SLICE_ROWS",
		apply:   func(cfg *Config, v any) { cfg.Volume.SliceRows = v.(int) },
		extract: func(cfg Config) any { return cfg.Volume.SliceRows },
	},
	{
		key: "volume.slice_cols", typ: kInt, env: "BRAINVIEW_VOLUME_SLICE_COLS",
		apply:   func(cfg *Config, v any) { cfg.Volume.SliceCols = v.(int) },
		extract: func(cfg Config) any { return cfg.Volume.SliceCols },
	},
	{
		key: "viewer.colormap", typ: kString, env: "BRAINVIEW_VIEWER_COLORMAP",
		apply:   func(cfg *Config, v any) { cfg.Viewer.Colormap = v.(string) },
		extract: func(cfg Config) any { return cfg.Viewer.Colormap },
	},
	{
		key: "viewer.auto_load", typ: kBool, env: "BRAINVIEW_VIEWER_AUTO_LOAD",
		apply:   func(cfg *Config, v any) { cfg.Viewer.AutoLoad = v.(bool) },
		extract: func(cfg Config) any { return cfg.Viewer.AutoLoad },
	},
	{
		key: "storage.data_dir", typ: kString, env: "BRAINVIEW_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "BRAINVIEW_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
