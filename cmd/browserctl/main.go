// Command browserctl is the multi-protocol browser control plane binary.
// It wires config, logging, the browser pool, and the REST/gRPC/WS/MCP
// adapters together (internal/server.Build) and runs them until a
// termination signal arrives. Subcommands follow a cobra root-command/
// subcommand-registration shape (start/validate-config/version) per
// spec.md section 6's CLI surface and exit codes.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/muqo16/browserctl/internal/config"
	"github.com/muqo16/browserctl/internal/server"
)

// version is set at release build time; left as a constant here since
// release tooling is out of scope.
const version = "0.1.0"

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "browserctl",
		Short:         "Multi-protocol control plane for a pool of headless browsers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (optional)")

	root.AddCommand(startCmd(), validateConfigCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "browserctl:", err)
		os.Exit(exitCodeFor(err))
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Launch every configured protocol adapter (REST, gRPC, WebSocket, MCP)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return usageErr{err}
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			svc, err := server.Build(ctx, cfg, configPath)
			if err != nil {
				return err
			}
			svc.Log.Info("browserctl starting: " + cfg.String())

			go server.WaitForSignal(cancel)
			return svc.Run(ctx)
		},
	}
}

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate configuration without starting any adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return usageErr{err}
			}
			fmt.Println(cfg.String())
			fmt.Println("config: ok")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the binary version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("browserctl " + version)
			return nil
		},
	}
}

func loadConfig() (config.Config, error) {
	cfg := config.Defaults()
	cfg, err := config.LoadFile(cfg, configPath)
	if err != nil {
		return cfg, err
	}
	cfg = config.LoadEnv(cfg)
	if err := config.Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// usageErr marks a cobra command error as an invalid-config / usage
// failure so exitCodeFor can map it to exit code 2 rather than 1.
type usageErr struct{ err error }

func (u usageErr) Error() string { return u.err.Error() }
func (u usageErr) Unwrap() error { return u.err }

// exitCodeFor maps a command error to spec.md section 6's exit codes:
// 2 for invalid config, 64 for cobra's own flag/argument usage errors,
// 1 for everything else.
func exitCodeFor(err error) int {
	var u usageErr
	if asUsageErr(err, &u) {
		return 2
	}
	msg := err.Error()
	if strings.Contains(msg, "unknown command") || strings.Contains(msg, "unknown flag") || strings.Contains(msg, "unknown shorthand flag") {
		return 64
	}
	return 1
}

func asUsageErr(err error, target *usageErr) bool {
	for err != nil {
		if u, ok := err.(usageErr); ok {
			*target = u
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
