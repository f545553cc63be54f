package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"go2tv.app/autocast/internal/cast"
	"go2tv.app/autocast/internal/interactive"
)

var (
	castDevice  uint
	castRetries int
	castNoTUI   bool
)

var castCmd = &cobra.Command{
	Use:   "cast <video-id>",
	Short: "Cast a YouTube video or live stream now",
	Long: `Cast one item immediately and show its status until stopped.

The target is the device given with --device, otherwise the default device,
otherwise the most recently seen one. When no device is known a discovery
pass runs first.

Examples:
  autocast cast dQw4w9WgXcQ
  autocast cast dQw4w9WgXcQ --device 2 --retries 3
`,
	Args: cobra.ExactArgs(1),
	RunE: runCast,
}

func init() {
	castCmd.Flags().UintVarP(&castDevice, "device", "d", 0, "Device id to cast to (0 picks automatically)")
	castCmd.Flags().IntVarP(&castRetries, "retries", "r", 0, "Retry a failed start this many times with the configured backoff")
	castCmd.Flags().BoolVar(&castNoTUI, "no-tui", false, "Print status lines instead of the interactive screen")
	rootCmd.AddCommand(castCmd)
}

func runCast(cmd *cobra.Command, args []string) error {
	itemID := args[0]
	if !cast.ValidItemID(itemID) {
		return errors.Errorf("cast: %q is not a valid video id", itemID)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.ensureDevices(ctx); err != nil {
		return errors.Wrap(err, "cast")
	}

	var deviceID *uint
	if castDevice != 0 {
		deviceID = &castDevice
	}

	res, err := a.manager.StartCast(ctx, itemID, deviceID, nil)
	if err != nil && castRetries > 0 {
		a.logger.Warn().Err(err).Int("retries", castRetries).Msg("cast failed, retrying")
		res, err = a.manager.RetryLastAttempt(ctx, castRetries, a.cfg.Retry.Backoff)
	}
	if err != nil {
		return errors.Wrap(err, "cast")
	}

	if castNoTUI {
		fmt.Printf("Casting %s to %s (session %s). Press Ctrl-C to stop.\n", res.ItemID, res.Device.Name, res.SessionID)
		<-ctx.Done()
		if _, err := a.manager.StopCast(context.Background(), "manual"); err != nil {
			return errors.Wrap(err, "stop")
		}
		return nil
	}

	// The screen owns the terminal, so Ctrl-C arrives as a key event.
	stop()
	screenCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scr, err := interactive.NewStatusScreen(a.manager, cancel)
	if err != nil {
		return errors.Wrap(err, "cast")
	}
	return scr.Run(screenCtx, res.ItemID+" on "+res.Device.Name)
}
