package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/helenaps/pslse/psl"
	pkgerrors "github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"
)

var (
	serveListen  string
	serveProfile string
	serveMajor   uint8
	serveMinor   uint8
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the simulator",
	Long: `Run the simulated PSL and accelerator until interrupted.

Examples:
  # Serve afu0.0 with the default descriptor
  pslse serve --listen :16384

  # Serve with a descriptor file and a CPU profile
  pslse serve --config pslse.yaml --profile cpu`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "listen address (overrides listen_addr)")
	serveCmd.Flags().Uint8Var(&serveMajor, "major", 0, "accelerator major number")
	serveCmd.Flags().Uint8Var(&serveMinor, "minor", 0, "accelerator minor number")
	serveCmd.Flags().StringVar(&serveProfile, "profile", "", "write a profile to the working directory (cpu, mem)")
}

func runServe(cmd *cobra.Command) error {
	cfg, err := psl.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.ListenAddr = serveListen
	}
	if cmd.Flags().Changed("major") {
		cfg.Major = serveMajor
	}
	if cmd.Flags().Changed("minor") {
		cfg.Minor = serveMinor
	}
	cfg.Debug = cfg.Debug || verbose

	switch serveProfile {
	case "":
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	default:
		return pkgerrors.Errorf("unknown profile %q", serveProfile)
	}

	srv, err := psl.NewServer(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, psl.ErrServerClosed) {
		return err
	}
	return nil
}
