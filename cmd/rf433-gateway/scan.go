package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/rf433-gateway/internal/ble"
)

func scanCmd(configPath *string) *cobra.Command {
	var (
		duration time.Duration
		gateways bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby BLE devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(*configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("duration") {
				duration = cfg.BLE.ScanDuration
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			scanner := ble.AdapterScanner{Adapter: ble.NewTinyGoAdapter()}
			if gateways {
				scanner.ServiceUUID = ble.ServiceUUID
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Scanning for %s...\n", duration)
			devices, err := scanner.ScanForDevices(ctx, duration)
			if err != nil {
				return err
			}
			printDevices(cmd.OutOrStdout(), devices)
			return nil
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", ble.DefaultScanDuration, "how long to listen for advertisements")
	cmd.Flags().BoolVar(&gateways, "gateways", false, "only list devices advertising the gateway service")
	return cmd
}

func printDevices(w io.Writer, devices []ble.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No devices found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", d.Name, d.MAC, d.RSSI)
	}
	tw.Flush()
}
