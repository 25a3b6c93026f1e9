// Package cmd is the CLI entry point for the local forwarding proxy.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Polqt/localproxy/config"
	"github.com/Polqt/localproxy/session"
)

// version is set at build time via -ldflags; "dev" is the fallback for
// local builds.
var version = "dev"

// stopGrace bounds the admin server's graceful shutdown inside Stop;
// closing the listener and the cached Kerberos client is not bounded by it.
const stopGrace = 5 * time.Second

var configPath string

// New builds the root cobra command with its subcommands.
func New() *cobra.Command {
	root := &cobra.Command{
		Use:   "localproxy",
		Short: "Local forwarding HTTP proxy with PAC/SOCKS/NTLM/Kerberos upstream support",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "proxy.properties", "path to the config file (properties or .yaml)")

	root.AddCommand(newProxyCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Run is the historical entry point kept for main.go; it's a thin
// wrapper around the cobra command tree.
func Run(args []string) error {
	root := New()
	root.SetArgs(args)
	return root.Execute()
}

func newProxyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proxy",
		Short: "Run the proxy until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(cmd.Context())
		},
	}
}

func newInspectCmd() *cobra.Command {
	var adminAddr string
	c := &cobra.Command{
		Use:   "inspect",
		Short: "Fetch and print metrics from a running proxy's admin endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get("http://" + adminAddr + "/metrics")
			if err != nil {
				return fmt.Errorf("inspect: %w", err)
			}
			defer resp.Body.Close()
			_, err = fmt.Fprintln(os.Stdout)
			if err != nil {
				return err
			}
			buf := make([]byte, 32*1024)
			for {
				n, rerr := resp.Body.Read(buf)
				if n > 0 {
					os.Stdout.Write(buf[:n])
				}
				if rerr != nil {
					break
				}
			}
			return nil
		},
	}
	c.Flags().StringVar(&adminAddr, "admin-addr", "127.0.0.1:9090", "admin endpoint address")
	return c
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("localproxy " + version)
			return nil
		},
	}
}

func runProxy(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := session.Start(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	fmt.Printf("localproxy listening on 127.0.0.1:%d -> %s upstream\n", cfg.ListenPort, cfg.ProxyType)

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	return sess.Stop(stopCtx)
}
