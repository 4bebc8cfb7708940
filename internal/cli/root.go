// Package cli wires the core subsystems (graph, workspace, statestore,
// pipeline, daemon) into the command surface: run, exec, inspect, logs,
// export, show, prune, rm-step, list, rm, clean.
package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/kilnrun/kiln/internal/engineconfig"
)

var (
	workdirFlag string
	jsonFlag    bool
	verbosity   int
	cfg         *engineconfig.Config
)

var rootCmd = &cobra.Command{
	Use:           "kiln",
	Short:         "Run declarative pipelines of containerized steps",
	Long:          "kiln executes DAGs of containerized steps with deterministic caching, artifact isolation, and concurrent scheduling.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	log.SetReportTimestamp(true)
	log.SetTimeFormat("15:04:05")
	styles := log.DefaultStyles()
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].SetString("ERROR").MaxWidth(5)
	log.SetStyles(styles)

	rootCmd.PersistentFlags().StringVar(&workdirFlag, "workdir", "", "override the workspaces root ("+engineconfig.WorkdirEnvVar()+")")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "emit machine-readable JSON output")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity")

	cobra.OnInitialize(initConfig, initVerbosity)
	cobra.EnableCommandSorting = false

	rootCmd.AddGroup(&cobra.Group{ID: "core", Title: "Core Commands:"})

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(rmStepCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(daemonCmd)
}

func initVerbosity() {
	switch {
	case verbosity >= 2:
		log.SetLevel(log.DebugLevel)
	case verbosity == 1:
		log.SetLevel(log.InfoLevel)
	default:
		log.SetLevel(log.WarnLevel)
	}
}

func initConfig() {
	loaded, err := engineconfig.Load()
	if err != nil {
		log.Error("loading engine config", "err", err)
		loaded = &engineconfig.Config{WorkspacesRoot: os.TempDir()}
	}
	if workdirFlag != "" {
		loaded.WorkspacesRoot = workdirFlag
	}
	cfg = loaded
}

// SetVersion sets the version string displayed by --version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command, printing any error to stderr and exiting
// with a non-zero code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
