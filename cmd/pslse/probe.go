package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/helenaps/pslse/client"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	probeWED     uint64
	probeOffset  uint64
	probeValue   uint64
	probeTimeout time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe [device-path]",
	Short: "Open an accelerator and echo a register",
	Long: `Open an accelerator, attach, map its problem state area, write a value
to one register, read it back and close.

Examples:
  pslse probe /dev/cxl/afu0.0d
  pslse probe /dev/cxl/afu0.0d --offset 0x8 --value 0xdeadbeef`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/dev/cxl/afu0.0d"
		if len(args) == 1 {
			path = args[0]
		}
		return runProbe(cmd.Context(), path)
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().Uint64Var(&probeWED, "wed", 0, "work element descriptor passed to attach")
	probeCmd.Flags().Uint64Var(&probeOffset, "offset", 0, "register offset, a multiple of 8")
	probeCmd.Flags().Uint64Var(&probeValue, "value", 0xDEADBEEFDEADBEEF, "value written to the register")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 10*time.Second, "overall deadline")
}

func runProbe(ctx context.Context, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	opts := []client.Option{client.WithConfigFile(configPath)}
	if verbose {
		cfg, err := client.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg.Debug = true
		opts = append(opts, client.WithConfig(cfg))
	}

	a, err := client.Open(ctx, path, opts...)
	if err != nil {
		return err
	}
	defer a.Close()
	log.Printf("[probe] opened %s context %d, irqs %d..%d", a.ID(), a.ContextID(), a.IRQsMin(), a.IRQsMax())

	if err := a.Attach(ctx, probeWED); err != nil {
		return err
	}
	if err := a.MapMMIO(ctx, 0); err != nil {
		return err
	}
	if err := a.Write64(ctx, probeOffset, probeValue); err != nil {
		return err
	}
	got, err := a.Read64(ctx, probeOffset)
	if err != nil {
		return err
	}
	fmt.Printf("%s offset 0x%x: wrote 0x%016x read 0x%016x\n", path, probeOffset, probeValue, got)
	if got != probeValue {
		return errors.New("register echo mismatch")
	}
	return nil
}
