package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/sjson"

	"github.com/Tomas025/merge-helper/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage merge-helper configuration",
	Long:  `Show and modify merge-helper configuration values.`,
}

var configJSONFlag bool

func init() {
	configShowCmd.Flags().BoolVar(&configJSONFlag, "json", false, "Output raw JSON without formatting")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	rootCmd.AddCommand(configCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show merged configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appConfig
		if cfg == nil {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
		}

		// Redact secrets before display.
		redacted := redactConfig(cfg)

		var data []byte
		var err error
		if configJSONFlag {
			data, err = json.Marshal(redacted)
		} else {
			data, err = json.MarshalIndent(redacted, "", "  ")
		}
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

// redactConfig returns a copy of the config with secret fields masked.
func redactConfig(cfg *config.Config) *config.Config {
	copy := *cfg

	if copy.GitHub.Token != "" {
		copy.GitHub.Token = "***"
	}
	if copy.GitHub.WebhookSecret != "" {
		copy.GitHub.WebhookSecret = "***"
	}

	return &copy
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value",
	Long: `Set a configuration value using a dotted key path.

The value is written to .merge-helper/merge-helper.jsonc in the current
directory. The file is created if it does not exist.

Note: JSONC comments are not preserved on write.

Examples:
  merge-helper config set server.port 8080
  merge-helper config set resolver.pattern "*.java"
  merge-helper config set github.check_name "merge-helper/s3m"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		rawValue := args[1]

		// Determine value type: try bool, then number, then string
		var value any
		if b, err := strconv.ParseBool(rawValue); err == nil {
			value = b
		} else if i, err := strconv.ParseInt(rawValue, 10, 64); err == nil {
			value = i
		} else if f, err := strconv.ParseFloat(rawValue, 64); err == nil {
			value = f
		} else {
			value = rawValue
		}

		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}

		configDir := filepath.Join(wd, ".merge-helper")
		localConfigPath := filepath.Join(configDir, "merge-helper.jsonc")

		// Read existing file or start with empty JSON object
		var existing []byte
		if data, err := os.ReadFile(localConfigPath); err == nil {
			// Strip JSONC comments before passing to sjson (which requires valid JSON).
			// Note: comments are not preserved on write.
			existing = jsonc.ToJSON(data)
		} else {
			existing = []byte("{}")
		}

		// Use sjson for in-place modification
		updated, err := sjson.SetBytes(existing, key, value)
		if err != nil {
			return fmt.Errorf("setting key %q: %w", key, err)
		}

		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(localConfigPath, updated, 0644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, value)
		return nil
	},
}
