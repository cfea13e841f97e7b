package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshcore/internal/daemon"
	"meshcore/internal/identity"
	"meshcore/internal/pprofutil"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	config  string
	home    string
	verbose bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "mesh-node",
		Short:         "mesh-node runs one node of the mesh substrate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.config, "config", "", "path to TOML config")
	cmd.PersistentFlags().StringVar(&flags.home, "home", "", "node state directory (overrides config)")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newIDCmd(flags))
	cmd.AddCommand(newSolveCmd(flags))
	return cmd
}

func (f *rootFlags) load() (daemon.Config, error) {
	cfg, err := daemon.LoadConfig(f.config)
	if err != nil {
		return daemon.Config{}, err
	}
	if f.home != "" {
		cfg.Node.Home = f.home
	}
	return cfg, nil
}

func (f *rootFlags) logger() (*zap.Logger, error) {
	if f.verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	var listen string
	var bootstrap []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Node.Listen = listen
			}
			if len(bootstrap) > 0 {
				cfg.Node.Bootstrap = bootstrap
			}
			log, err := flags.logger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if err := pprofutil.StartFromEnv(log); err != nil {
				log.Warn("pprof not started", zap.Error(err))
			}

			r, err := daemon.NewRunner(cfg, daemon.Options{Logger: log})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := r.Start(ctx); err != nil {
				return err
			}
			log.Info("node up",
				zap.String("id", r.Self().Short()),
				zap.String("listen", cfg.Node.Listen))

			for {
				select {
				case <-ctx.Done():
					log.Info("shutting down")
					return r.Stop()
				case f, ok := <-r.Messages():
					if !ok {
						return r.Stop()
					}
					log.Info("message received",
						zap.String("from", f.Source.Short()),
						zap.String("id", f.MessageID.Hex()),
						zap.Int("bytes", len(f.Payload)))
				}
			}
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "transport listen address (overrides config)")
	cmd.Flags().StringSliceVar(&bootstrap, "bootstrap", nil, "seed addresses (overrides config)")
	return cmd
}

func newIDCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print this node's identity, creating a keypair if needed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			pub, _, err := identity.LoadOrCreateKeypair(cfg.Node.Home)
			if err != nil {
				return err
			}
			id := identity.DeriveNodeID(pub)
			fmt.Fprintf(cmd.OutOrStdout(), "node:   %s\n", id.Hex())
			fmt.Fprintf(cmd.OutOrStdout(), "short:  %s\n", id.Short())
			fmt.Fprintf(cmd.OutOrStdout(), "pubkey: %x\n", pub)
			return nil
		},
	}
}

func newSolveCmd(flags *rootFlags) *cobra.Command {
	var bits uint8
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Precompute the admission proof-of-work for this identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			pub, _, err := identity.LoadOrCreateKeypair(cfg.Node.Home)
			if err != nil {
				return err
			}
			id := identity.DeriveNodeID(pub)
			nonce, ok := identity.SolvePoW(cmd.Context(), id, bits)
			if !ok {
				return fmt.Errorf("interrupted before a nonce was found")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bits:  %d\nnonce: %d\n", bits, nonce)
			return nil
		},
	}
	cmd.Flags().Uint8Var(&bits, "bits", identity.DefaultPoWBits, "difficulty in leading zero bits")
	return cmd
}
