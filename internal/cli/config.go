package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the optional cairn.yaml settings. Every field has a flag
// and an environment variable; precedence is flag > env > file > default.
type Config struct {
	Database string `yaml:"db"`
	Author   string `yaml:"author"`
	Branch   string `yaml:"branch"`
	PatchDir string `yaml:"patch_dir"`
}

// Environment variables mirroring the config fields.
const (
	EnvDatabase = "CAIRN_DB"
	EnvAuthor   = "CAIRN_AUTHOR"
	EnvBranch   = "CAIRN_BRANCH"
	EnvPatchDir = "CAIRN_PATCH_DIR"
)

// DefaultDatabase is the database path when nothing else specifies one.
const DefaultDatabase = "cairn.db"

// LoadConfig reads a cairn.yaml. With an explicit path, a missing or
// unreadable file is an error. With path == "", the working directory and
// then the user config directory are probed, and absence is fine.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		return cfg, nil
	}

	for _, candidate := range configCandidates() {
		data, err := os.ReadFile(candidate)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", candidate, err)
		}
		return cfg, nil
	}
	return cfg, nil
}

func configCandidates() []string {
	candidates := []string{"cairn.yaml"}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "cairn", "cairn.yaml"))
	}
	return candidates
}

// resolve fills opts from env, file and defaults for every value the
// user did not set by flag.
func (cfg Config) resolve(opts *RootOptions, flagChanged func(string) bool) {
	if !flagChanged("db") {
		if v := os.Getenv(EnvDatabase); v != "" {
			opts.Database = v
		} else if cfg.Database != "" {
			opts.Database = cfg.Database
		} else {
			opts.Database = DefaultDatabase
		}
	}
	if !flagChanged("author") {
		if v := os.Getenv(EnvAuthor); v != "" {
			opts.Author = v
		} else if cfg.Author != "" {
			opts.Author = cfg.Author
		}
	}
	if !flagChanged("branch") {
		if v := os.Getenv(EnvBranch); v != "" {
			opts.Branch = v
		} else if cfg.Branch != "" {
			opts.Branch = cfg.Branch
		}
	}
	if opts.PatchDir == "" {
		if v := os.Getenv(EnvPatchDir); v != "" {
			opts.PatchDir = v
		} else if cfg.PatchDir != "" {
			opts.PatchDir = cfg.PatchDir
		} else {
			opts.PatchDir = "."
		}
	}
}
