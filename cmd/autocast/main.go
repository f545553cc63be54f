package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"
)

var (
	version string
	build   string
)

var rootCmd = &cobra.Command{
	Use:           "autocast",
	Short:         "Cast scheduled live broadcasts to a Chromecast",
	Long:          "autocast watches weekly schedules, checks whether the channel is live and casts the broadcast to a Cast receiver on the local network.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("autocast version: %s, build: %s\n", version, build)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	check(rootCmd.Execute())
}

func check(err error) {
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Encountered error(s): %s\n", err)
		os.Exit(1)
	}
}
