// Package engineconfig resolves the engine's own runtime options: where
// workspaces live on disk and the defaults that govern concurrency, retry
// timing, and rotation. It layers github.com/spf13/viper on top of a
// small config file and environment variables for the handful of tunables
// an operator may want to set without touching pipeline definitions.
package engineconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix used for the workspaces-root override,
// e.g. KILN_WORKDIR.
const EnvPrefix = "KILN"

// Config holds resolved engine-wide settings.
type Config struct {
	// WorkspacesRoot is the directory under which named workspaces live.
	WorkspacesRoot string
	// DefaultConcurrency bounds how many steps of a single level run at
	// once when the pipeline runner options don't specify one.
	DefaultConcurrency int
	// DefaultRetryDelayMs is used when a step sets Retries but not
	// RetryDelayMs.
	DefaultRetryDelayMs int
	// RunRotateKeep is how many of the newest runs not referenced by a step
	// the prune command keeps in addition to its keep set; 0 keeps none of
	// them.
	RunRotateKeep int
}

// Load resolves Config from environment variables (KILN_WORKDIR,
// KILN_CONCURRENCY, KILN_RETRY_DELAY_MS, KILN_RUN_ROTATE_KEEP) and an
// optional config file discovered by viper (kiln.yaml in the working
// directory or $HOME/.kiln/). Env vars always win over the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetConfigName("kiln")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".kiln"))
	}

	v.SetDefault("concurrency", runtime.NumCPU())
	v.SetDefault("retry_delay_ms", 0)
	v.SetDefault("run_rotate_keep", 0)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("reading engine config: %w", err)
		}
	}

	root := v.GetString("workdir")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving default workspaces root: %w", err)
		}
		root = filepath.Join(home, ".kiln", "workspaces")
	}

	return &Config{
		WorkspacesRoot:      root,
		DefaultConcurrency:  v.GetInt("concurrency"),
		DefaultRetryDelayMs: v.GetInt("retry_delay_ms"),
		RunRotateKeep:       v.GetInt("run_rotate_keep"),
	}, nil
}

// WorkdirEnvVar returns the full name of the workspaces-root override
// variable, e.g. "KILN_WORKDIR".
func WorkdirEnvVar() string {
	return strings.ToUpper(EnvPrefix) + "_WORKDIR"
}
