// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the cobra commands of the authd binary.
package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"

	"github.com/stacklok/authd/pkg/authserver"
	"github.com/stacklok/authd/pkg/authserver/keys"
)

// Version is replaced at build time with -ldflags "-X ...app.Version=...".
var Version = "dev"

const envPrefix = "AUTHD"

var errNoConfig = errors.New("no configuration file specified, use --config flag or AUTHD_CONFIG")

// cli carries the state shared by the commands of one root command.
type cli struct {
	v         *viper.Viper
	envReader env.Reader
	logger    *slog.Logger
}

// NewRootCmd creates the root command for the authd CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&env.OSReader{})
}

func newRootCmd(envReader env.Reader) *cobra.Command {
	c := &cli{v: viper.New(), envReader: envReader}
	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:               "authd",
		DisableAutoGenTag: true,
		Short:             "Federated login and role-based authorization server",
		Long: `authd signs users in through external identity providers, keeps an
approval and role record per user, and issues signed bearer credentials that
dependent services verify against its published JWKS.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				slog.Error(fmt.Sprintf("Error displaying help: %v", err))
			}
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.initLogger(cmd)
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the authd configuration file")
	rootCmd.PersistentFlags().String("log-format", "json", "Log output format (json or text)")
	for _, name := range []string{"debug", "config", "log-format"} {
		if err := c.v.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			slog.Error(fmt.Sprintf("Error binding %s flag: %v", name, err))
		}
	}

	rootCmd.AddCommand(c.newServeCmd())
	rootCmd.AddCommand(c.newValidateCmd())
	rootCmd.AddCommand(c.newKeysCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

func (c *cli) initLogger(cmd *cobra.Command) error {
	var opts []logging.Option
	switch format := c.v.GetString("log-format"); format {
	case "", "json":
	case "text":
		opts = append(opts, logging.WithFormat(logging.FormatText))
	default:
		return fmt.Errorf("unsupported log format %q", format)
	}
	if c.v.GetBool("debug") {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}
	c.logger = logging.New(opts...)
	c.logger.DebugContext(cmd.Context(), "logger initialized", "command", cmd.Name())
	return nil
}

func (c *cli) loadConfig() (*authserver.Config, error) {
	path := c.v.GetString("config")
	if path == "" {
		return nil, errNoConfig
	}
	cfg, err := authserver.LoadConfig(path, c.envReader)
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	return cfg, nil
}

func (c *cli) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the auth server",
		Long: `Start the auth server with the configuration given by --config.

The server listens until it receives SIGINT or SIGTERM and then drains
in-flight requests before exiting.`,
		RunE: c.runServe,
	}
	cmd.Flags().String("listen-address", "", "Override the configured listen address")
	if err := c.v.BindPFlag("listen-address", cmd.Flags().Lookup("listen-address")); err != nil {
		slog.Error(fmt.Sprintf("Error binding listen-address flag: %v", err))
	}
	return cmd
}

func (c *cli) runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if addr := c.v.GetString("listen-address"); addr != "" {
		cfg.ListenAddress = addr
	}

	srv, err := authserver.New(ctx, cfg,
		authserver.WithLogger(c.logger),
		authserver.WithVersion(Version),
	)
	if err != nil {
		return fmt.Errorf("failed to start auth server: %w", err)
	}
	defer func() {
		if cerr := srv.Close(); cerr != nil {
			c.logger.Error("failed to release server resources", "error", cerr)
		}
	}()

	return srv.ListenAndServe(ctx)
}

func (c *cli) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate the configuration file for syntax and semantic errors.

Secrets referenced through environment variables are resolved, so a missing
variable is reported here rather than at startup.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			providers := make([]string, 0, len(cfg.Providers))
			for _, p := range cfg.Providers {
				providers = append(providers, fmt.Sprintf("%s (%s)", p.Name, p.Type))
			}
			fmt.Fprintln(out, "Configuration is valid")
			fmt.Fprintf(out, "  Issuer:    %s\n", cfg.Issuer)
			fmt.Fprintf(out, "  Audiences: %s\n", strings.Join(cfg.Credential.Audiences, ", "))
			fmt.Fprintf(out, "  Signing:   %s\n", cfg.Signing.Type)
			fmt.Fprintf(out, "  State:     %s\n", cfg.State.Backend)
			fmt.Fprintf(out, "  Roles:     %s\n", cfg.Roles.Backend)
			fmt.Fprintf(out, "  Providers: %s\n", strings.Join(providers, ", "))
			return nil
		},
	}
}

func (c *cli) newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Print the public verification keys as a JWKS",
		Long: `Load the configured signing keys and print the public half as a JSON Web
Key Set, the same document served at /.well-known/jwks.json.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}

			custodian, err := keys.NewCustodian(ctx, cfg.Signing, c.logger)
			if err != nil {
				return err
			}
			defer func() { _ = custodian.Close() }()

			jwks, err := custodian.JWKS(ctx)
			if err != nil {
				return fmt.Errorf("failed to read public keys: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(jwks)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "authd version: %s\n", Version)
		},
	}
}
