package main

import (
	"fmt"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"go2tv.app/autocast/internal/models"
)

var (
	scanTimeout time.Duration
	scanAll     bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover Cast receivers on the local network",
	Long:  "Run one discovery pass, record what was found and list the known receivers.",
	RunE:  runScan,
}

var testDeviceCmd = &cobra.Command{
	Use:   "test-device <id>",
	Short: "Connect to a receiver and launch the player without casting",
	Args:  cobra.ExactArgs(1),
	RunE:  runTestDevice,
}

func init() {
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0, "Discovery timeout (defaults to the configured value)")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "Also list inactive receivers")
	rootCmd.AddCommand(scanCmd, testDeviceCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := ctxOf(cmd)

	timeout := a.cfg.Discovery.Timeout
	if scanTimeout > 0 {
		timeout = scanTimeout
	}
	found, err := a.discovery.Discover(ctx, timeout)
	if err != nil {
		return errors.Wrap(err, "scan")
	}
	fmt.Printf("\nFound %d receiver(s).\n", len(found))

	known, err := a.store.Devices(ctx, !scanAll)
	if err != nil {
		return errors.Wrap(err, "scan")
	}
	printDevices(known)
	return nil
}

func printDevices(list []models.Device) {
	boldStart, boldEnd := "", ""
	if runtime.GOOS == "linux" {
		boldStart = "\033[1m"
		boldEnd = "\033[0m"
	}

	fmt.Println()
	for _, d := range list {
		marker := ""
		if d.IsDefault {
			marker = " (default)"
		}
		if !d.IsActive {
			marker += " (inactive)"
		}
		fmt.Printf("%sDevice %d%s%s\n", boldStart, d.ID, marker, boldEnd)
		fmt.Printf("%s--------%s\n", boldStart, boldEnd)
		fmt.Printf("%sName:%s      %s\n", boldStart, boldEnd, d.Name)
		fmt.Printf("%sAddress:%s   %s:%d\n", boldStart, boldEnd, d.Address, d.Port)
		if !d.LastSeen.IsZero() {
			fmt.Printf("%sLast seen:%s %s\n", boldStart, boldEnd, d.LastSeen.Local().Format(time.DateTime))
		}
		fmt.Println()
	}
}

func runTestDevice(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := ctxOf(cmd)
	if err := a.manager.TestDevice(ctx, id); err != nil {
		return errors.Wrapf(err, "test device %d", id)
	}
	fmt.Printf("Device %d is reachable and launched the player.\n", id)
	return nil
}
