package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/palmkit/hotsync-engine/pkg/usb"
)

func DevicesCmd() cli.Command {
	return cli.Command{
		Name:  "devices",
		Usage: "Print the table of supported USB devices",
		Action: func(c *cli.Context) {
			if err := devices(c); err != nil {
				logrus.Fatalf("Error running devices command: %v.", err)
			}
		},
	}
}

func devices(c *cli.Context) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVICE\tINIT\tSTACK")
	for _, d := range usb.KnownDevices() {
		fmt.Fprintf(w, "%04x:%04x\t%s\t%s\t%s\n",
			d.VID, d.PID, d.Info.Label, d.Info.Dialect, d.Info.Stack)
	}
	return w.Flush()
}
