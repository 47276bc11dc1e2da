package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/rootrotate/cmd/rootrotate/commands"
	"github.com/systmms/rootrotate/internal/config"
	"github.com/systmms/rootrotate/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		var exitErr *commands.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.Err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", exitErr.Err)
			}
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Global flags
	var (
		configFile     string
		noColor        bool
		debug          bool
		nonInteractive bool
		profile        string
		region         string
		kubeconfig     string
		kubeContext    string
		timeout        time.Duration
		pollInterval   time.Duration
		keyMaxAge      time.Duration
	)

	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "rootrotate",
		Short: "Rotate the AWS root credential of an OpenShift cluster",
		Long: `rootrotate replaces the AWS access key held by the cloud credential
operator with a key owned by a dedicated IAM user, then forces every component
credential to be re-minted and waits for the cluster to settle.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger := logging.New(debug, noColor)

			cfg.Path = configFile
			cfg.Logger = logger
			cfg.NonInteractive = nonInteractive
			// Without an explicit --config a missing file means defaults.
			cfg.AllowMissing = !cmd.Flags().Changed("config")
			cfg.Overrides = config.Overrides{
				Profile:      profile,
				Region:       region,
				Kubeconfig:   kubeconfig,
				Context:      kubeContext,
				Timeout:      timeout,
				PollInterval: pollInterval,
				KeyMaxAge:    keyMaxAge,
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", config.DefaultPath, "Config file path")
	flags.BoolVar(&noColor, "no-color", false, "Disable colored output")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.BoolVar(&nonInteractive, "non-interactive", false, "Non-interactive mode")
	flags.StringVar(&profile, "profile", "", "AWS shared config profile")
	flags.StringVar(&region, "region", "", "AWS region")
	flags.StringVar(&kubeconfig, "kubeconfig", "", "Path to the kubeconfig file")
	flags.StringVar(&kubeContext, "context", "", "Kubeconfig context to use")
	flags.DurationVar(&timeout, "timeout", 0, "Bound on the whole run (e.g. 45m)")
	flags.DurationVar(&pollInterval, "poll-interval", 0, "Interval between refresh and health polls")
	flags.DurationVar(&keyMaxAge, "key-max-age", 0, "Age after which an unreferenced key is retired")

	rootCmd.AddCommand(
		commands.NewRotateCommand(cfg),
		commands.NewPreflightCommand(cfg),
		commands.NewIdentityCommand(cfg),
		commands.NewPrincipalCommand(cfg),
		commands.NewKeysCommand(cfg),
		commands.NewRefreshCommand(cfg),
		commands.NewHealthCommand(cfg),
		commands.NewBackupCommand(cfg),
		commands.NewRollbackCommand(cfg),
		commands.NewHistoryCommand(cfg),
		commands.NewCompletionCommand(cfg),
	)

	return rootCmd.Execute()
}
