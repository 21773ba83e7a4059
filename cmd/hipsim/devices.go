package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the simulated devices and their attributes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		platform, _, err := getPlatform()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		major, minor := platform.Version()
		fmt.Fprintf(out, "Platform %q (driver version %d.%d)\n", platform.Name(), major, minor)
		for _, device := range platform.Devices() {
			fmt.Fprintf(out, "%s\n", device)
			attrs := device.Attributes()
			for _, key := range slices.Sorted(maps.Keys(attrs)) {
				fmt.Fprintf(out, "  %-26s %v\n", key, attrs[key])
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
