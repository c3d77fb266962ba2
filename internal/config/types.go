package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level merge-helper configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	GitHub    GitHubConfig    `json:"github"`
	Git       GitConfig       `json:"git"`
	Resolver  ResolverConfig  `json:"resolver"`
	Workspace WorkspaceConfig `json:"workspace"`
	Artifacts ArtifactsConfig `json:"artifacts"`
	Journal   JournalConfig   `json:"journal"`
}

// ServerConfig holds HTTP server and daemon settings.
type ServerConfig struct {
	Port    int    `json:"port"`
	BaseURL string `json:"base_url"` // public URL prefix used in diff links
	LogDir  string `json:"log_dir"`
}

// GitHubConfig holds platform credentials and check-run settings.
type GitHubConfig struct {
	Token         string `json:"token"`
	WebhookSecret string `json:"webhook_secret"`
	CheckName     string `json:"check_name"`
}

// GitConfig controls the git subprocess layer.
type GitConfig struct {
	BotName  string `json:"bot_name"`
	BotEmail string `json:"bot_email"`
	Timeout  string `json:"timeout"`
}

// ParseTimeout returns the git command timeout as a time.Duration.
func (g GitConfig) ParseTimeout() time.Duration {
	d, err := time.ParseDuration(g.Timeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// ResolverConfig describes the external conflict-resolution tool wired in as
// a git merge driver. Command is a template with git's %A/%O/%B placeholders.
type ResolverConfig struct {
	DriverName  string `json:"driver_name"`
	Description string `json:"description"`
	Pattern     string `json:"pattern"`
	Command     string `json:"command"`
}

// WorkspaceConfig holds the injected workspace root.
type WorkspaceConfig struct {
	Root string `json:"root"`
}

// ArtifactsConfig holds the injected diff artifact root.
type ArtifactsConfig struct {
	Root string `json:"root"`
}

// JournalConfig holds run journal settings.
type JournalConfig struct {
	Path     string `json:"path"`
	StuckTTL string `json:"stuck_ttl"`
}

// ParseStuckTTL returns how long a run may stay in_progress before the
// watchdog marks it failed.
func (j JournalConfig) ParseStuckTTL() time.Duration {
	d, err := time.ParseDuration(j.StuckTTL)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:    3000,
			BaseURL: "http://localhost:3000",
			LogDir:  "~/.local/share/merge-helper/logs",
		},
		GitHub: GitHubConfig{
			CheckName: "merge-helper/s3m",
		},
		Git: GitConfig{
			BotName:  "Merge-Helper",
			BotEmail: "bot@example.com",
			Timeout:  "5m",
		},
		Resolver: ResolverConfig{
			DriverName:  "s3m",
			Description: "semi_structured_3_way_merge_tool_for_java",
			Pattern:     "*.java",
			Command:     `java -jar "` + defaultJarPath() + `" %A %O %B -o %A -g`,
		},
		Workspace: WorkspaceConfig{
			Root: filepath.Join(os.TempDir(), "work"),
		},
		Artifacts: ArtifactsConfig{
			Root: filepath.Join(os.TempDir(), "s3m-merge-helper-diffs"),
		},
		Journal: JournalConfig{
			Path:     "~/.local/share/merge-helper/journal.db",
			StuckTTL: "30m",
		},
	}
}

// defaultJarPath resolves the resolver jar relative to the working directory,
// matching where deployments drop s3m.jar.
func defaultJarPath() string {
	wd, err := os.Getwd()
	if err != nil {
		return "s3m.jar"
	}
	return filepath.Join(wd, "s3m.jar")
}
