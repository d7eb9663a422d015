package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/palmkit/hotsync-engine/app/cmd"
	"github.com/palmkit/hotsync-engine/meta"
)

func main() {
	a := cli.NewApp()
	a.Name = "hotsync-engine"
	a.Usage = "Synchronize Palm OS handhelds over USB, serial, and the network"
	a.Version = meta.Version
	a.Flags = []cli.Flag{
		cli.BoolFlag{
			Name: "debug",
		},
	}
	a.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}
	a.Commands = []cli.Command{
		cmd.DaemonCmd(),
		cmd.DevicesCmd(),
		cmd.FetchCmd(),
		cmd.VersionCmd(),
	}
	if err := a.Run(os.Args); err != nil {
		logrus.Fatal("Error when executing command: ", err)
	}
}
