package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show the next scheduled slot",
	RunE:  runNext,
}

func init() {
	rootCmd.AddCommand(nextCmd)
}

func runNext(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := ctxOf(cmd)

	now := time.Now()
	next, err := a.service.NextSchedule(ctx, now)
	if err != nil {
		return errors.Wrap(err, "next")
	}
	if next == nil {
		fmt.Println("No active schedules.")
		return nil
	}

	fmt.Printf("Next: %s (schedule %d) on %s, in %s\n",
		next.Schedule.Label(),
		next.Schedule.ID,
		next.At.Format("Mon 2006-01-02 15:04 MST"),
		next.At.Sub(now).Truncate(time.Minute),
	)
	return nil
}
