package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/tidwall/jsonc"
)

// Load reads and merges configuration from user-level and working-directory
// JSONC files. Resolution order: defaults → user config
// (~/.config/merge-helper/merge-helper.jsonc) → local config
// (.merge-helper/merge-helper.jsonc) → environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	userDir, err := os.UserConfigDir()
	if err == nil {
		userPath := filepath.Join(userDir, "merge-helper", "merge-helper.jsonc")
		if userMap, err := loadJSONC(userPath); err == nil {
			if err := mergeIntoConfig(&cfg, userMap); err != nil {
				return nil, fmt.Errorf("merging user config: %w", err)
			}
		}
	}

	if wd, err := os.Getwd(); err == nil {
		localPath := filepath.Join(wd, ".merge-helper", "merge-helper.jsonc")
		if localMap, err := loadJSONC(localPath); err == nil {
			if err := mergeIntoConfig(&cfg, localMap); err != nil {
				return nil, fmt.Errorf("merging local config: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	expandPaths(&cfg)

	return &cfg, nil
}

// loadJSONC reads a JSONC file and returns it as a map.
func loadJSONC(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jsonData := jsonc.ToJSON(data)
	var m map[string]any
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}

// mergeIntoConfig marshals the config to a map, deep-merges the source map over it,
// then unmarshals back to the Config struct.
func mergeIntoConfig(cfg *Config, src map[string]any) error {
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var dst map[string]any
	if err := json.Unmarshal(cfgBytes, &dst); err != nil {
		return err
	}

	if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
		return err
	}

	merged, err := json.Marshal(dst)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, cfg)
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		cfg.GitHub.Token = token
	}
	if secret := os.Getenv("MERGE_HELPER_WEBHOOK_SECRET"); secret != "" {
		cfg.GitHub.WebhookSecret = secret
	}
	if base := os.Getenv("BASE_URL"); base != "" {
		cfg.Server.BaseURL = base
	}
	if root := os.Getenv("MERGE_HELPER_WORKSPACE_ROOT"); root != "" {
		cfg.Workspace.Root = root
	}
}

// expandPaths expands a leading "~/" in configured paths.
func expandPaths(cfg *Config) {
	cfg.Server.LogDir = ExpandHome(cfg.Server.LogDir)
	cfg.Journal.Path = ExpandHome(cfg.Journal.Path)
	cfg.Workspace.Root = ExpandHome(cfg.Workspace.Root)
	cfg.Artifacts.Root = ExpandHome(cfg.Artifacts.Root)
}

// ExpandHome replaces a leading "~/" in a path with the user's home directory.
// If the path does not start with "~/" or the home directory cannot be
// determined, the path is returned unchanged.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
