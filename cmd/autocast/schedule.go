package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"go2tv.app/autocast/internal/models"
)

var (
	schChannel  string
	schName     string
	schDay      string
	schAt       string
	schDuration int
	schDevice   uint
	schInactive bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage weekly schedules",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a weekly schedule",
	Long: `Add a weekly slot during which the channel is expected to go live.

Examples:
  autocast schedule add --channel UCxxxx --name "Morning show" --day wed --at 09:00
  autocast schedule add --channel UCxxxx --day 5 --at 21:30 --duration 90 --device 2
`,
	RunE: runScheduleAdd,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active schedules",
	RunE:  runScheduleList,
}

var scheduleRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRm,
}

func init() {
	f := scheduleAddCmd.Flags()
	f.StringVar(&schChannel, "channel", "", "YouTube channel id")
	f.StringVar(&schName, "name", "", "Display name")
	f.StringVar(&schDay, "day", "", "Day of week: 0-6 (0 = Sunday) or a name such as wed")
	f.StringVar(&schAt, "at", "", "Start time, HH:MM (24h)")
	f.IntVar(&schDuration, "duration", 60, "Expected length in minutes")
	f.UintVar(&schDevice, "device", 0, "Device id (0 picks automatically)")
	f.BoolVar(&schInactive, "inactive", false, "Store the schedule without arming it")
	_ = scheduleAddCmd.MarkFlagRequired("channel")
	_ = scheduleAddCmd.MarkFlagRequired("day")
	_ = scheduleAddCmd.MarkFlagRequired("at")

	scheduleCmd.AddCommand(scheduleAddCmd, scheduleListCmd, scheduleRmCmd)
	rootCmd.AddCommand(scheduleCmd)
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	day, err := parseDay(schDay)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	sch := &models.Schedule{
		ChannelID:       schChannel,
		ChannelName:     schName,
		DayOfWeek:       day,
		StartTime:       schAt,
		DurationMinutes: schDuration,
		IsActive:        !schInactive,
	}
	if schDevice != 0 {
		sch.DeviceID = &schDevice
	}

	if err := a.service.AddSchedule(ctxOf(cmd), sch); err != nil {
		return errors.Wrap(err, "schedule add")
	}
	fmt.Printf("Added schedule %d: %s every %s at %s\n", sch.ID, sch.Label(), time.Weekday(sch.DayOfWeek), sch.StartTime)
	return nil
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	list, err := a.store.ActiveSchedules(ctxOf(cmd))
	if err != nil {
		return errors.Wrap(err, "schedule list")
	}
	if len(list) == 0 {
		fmt.Println("No active schedules.")
		return nil
	}
	for _, s := range list {
		device := "auto"
		if s.DeviceID != nil {
			device = strconv.FormatUint(uint64(*s.DeviceID), 10)
		}
		fmt.Printf("%3d  %-9s %s  %3dm  device=%-4s %s (%s)\n",
			s.ID, time.Weekday(s.DayOfWeek), s.StartTime, s.DurationMinutes, device, s.Label(), s.ChannelID)
	}
	return nil
}

func runScheduleRm(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.service.DeleteSchedule(ctxOf(cmd), id); err != nil {
		return errors.Wrapf(err, "schedule rm %d", id)
	}
	fmt.Printf("Deleted schedule %d\n", id)
	return nil
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func parseID(s string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, errors.Errorf("invalid id %q", s)
	}
	return uint(n), nil
}

// parseDay accepts 0-6 or an English day name or its three letter prefix.
func parseDay(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 6 {
			return 0, errors.Errorf("day %d out of range 0-6", n)
		}
		return n, nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) >= 3 && strings.HasPrefix(name, s)) {
			return int(d), nil
		}
	}
	return 0, errors.Errorf("unknown day %q", s)
}
