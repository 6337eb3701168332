// Package cli provides the command-line interface for rec-cli, built
// with Cobra. It exercises a Runtime (local or SSH) for scripted
// exec/file/pool operations; it is a demonstration harness for pkg/rec,
// not a product surface in its own right.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/recstack/rec/internal/config"
	"github.com/recstack/rec/internal/logging"
	"github.com/recstack/rec/pkg/rec"
)

var sharedPool *rec.Pool

func pool() *rec.Pool {
	if sharedPool == nil {
		sharedPool = rec.NewPool()
	}
	return sharedPool
}

// NewRootCommand builds the rec-cli command tree.
func NewRootCommand() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "rec-cli",
		Short: "Exercise the Remote Execution Core from the command line",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup(logLevel, true)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(newExecCmd())
	root.AddCommand(newCatCmd())
	root.AddCommand(newStatCmd())
	root.AddCommand(newPoolStatusCmd())
	root.AddCommand(newHostsCmd())
	return root
}

// resolveRuntime builds a Runtime for alias: "local" for the local
// machine, or a name from the host list otherwise.
func resolveRuntime(alias string) (rec.Runtime, error) {
	if alias == "local" || alias == "" {
		rt := rec.NewLocalRuntime("")
		return rt, nil
	}

	list, err := config.LoadHosts(config.DefaultConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load host list: %w", err)
	}
	cfg, ok := list.Find(alias)
	if !ok {
		return nil, fmt.Errorf("host %q not found in %s", alias, config.DefaultConfigPath())
	}
	return rec.NewSSHRuntime(pool(), cfg), nil
}

func newExecCmd() *cobra.Command {
	var timeoutSeconds int
	cmd := &cobra.Command{
		Use:   "exec <host> <command>",
		Short: "Run a command against a host (or \"local\")",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(args[0])
			if err != nil {
				return err
			}
			defer rt.Dispose()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := rt.Initialize(ctx); err != nil {
				return err
			}

			req := rec.ExecRequest{Command: args[1]}
			if timeoutSeconds > 0 {
				req.LocalTimeout = time.Duration(timeoutSeconds) * time.Second
			}

			stdout, stderr, done := rt.Exec(ctx, req)
			go io.Copy(os.Stdout, stdout)
			go io.Copy(os.Stderr, stderr)

			outcome := <-done
			if outcome.Err != nil {
				return outcome.Err
			}
			if outcome.Result.ExitCode != 0 {
				os.Exit(outcome.Result.ExitCode)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "local timeout in seconds (default 120)")
	return cmd
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <host> <path>",
		Short: "Print a remote or local file's contents",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(args[0])
			if err != nil {
				return err
			}
			defer rt.Dispose()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := rt.Initialize(ctx); err != nil {
				return err
			}

			f, err := rt.Read(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(os.Stdout, f)
			return err
		},
	}
}

func newStatCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "stat <host> <path>",
		Short: "Print file metadata for a remote or local path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(args[0])
			if err != nil {
				return err
			}
			defer rt.Dispose()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := rt.Initialize(ctx); err != nil {
				return err
			}

			stat, err := rt.Stat(args[1])
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(stat)
			}
			fmt.Printf("%-10s %8d  %s  %s\n", stat.Kind, stat.Size, stat.ModTime.Format(time.RFC3339), args[1])
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newPoolStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pool-status <host>",
		Short: "Print the connection pool's health snapshot for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := config.LoadHosts(config.DefaultConfigPath())
			if err != nil {
				return err
			}
			cfg, ok := list.Find(args[0])
			if !ok {
				return fmt.Errorf("host %q not found", args[0])
			}

			h := pool().Health(cfg)
			fmt.Printf("status:               %s\n", h.Status)
			fmt.Printf("consecutive failures: %d\n", h.ConsecutiveFailures)
			fmt.Printf("observed latency:     %s\n", h.ObservedLatency)
			if h.LastError != "" {
				fmt.Printf("last error:           %s\n", h.LastError)
			}
			return nil
		},
	}
}

func newHostsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Manage the persisted host list",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List configured hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			hl, err := config.LoadHosts(config.DefaultConfigPath())
			if err != nil {
				return err
			}
			if len(hl.Hosts) == 0 {
				fmt.Println("(no hosts configured)")
				return nil
			}
			fmt.Printf("%-16s %-24s %-6s %s\n", "NAME", "HOST", "PORT", "USER")
			for _, e := range hl.Hosts {
				fmt.Printf("%-16s %-24s %-6d %s\n", e.Name, e.Config.Host, e.Config.Port, e.Config.Username)
			}
			return nil
		},
	}

	var host, username, identityFile string
	var port int
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or replace a host entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultConfigPath()
			hl, err := config.LoadHosts(path)
			if err != nil {
				return err
			}
			hl.Upsert(args[0], rec.HostConfig{
				Host:         host,
				Username:     username,
				Port:         port,
				IdentityFile: identityFile,
			})
			if err := config.SaveHosts(hl, path); err != nil {
				return err
			}
			fmt.Printf("saved host %q to %s\n", args[0], path)
			return nil
		},
	}
	add.Flags().StringVar(&host, "host", "", "hostname or user@host")
	add.Flags().StringVar(&username, "user", "", "username override")
	add.Flags().IntVar(&port, "port", 22, "SSH port")
	add.Flags().StringVar(&identityFile, "identity-file", "", "private key path")

	cmd.AddCommand(list, add)
	return cmd
}
