package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/palmkit/hotsync-engine/meta"
)

func VersionCmd() cli.Command {
	return cli.Command{
		Name:  "version",
		Usage: "Print the daemon version",
		Action: func(c *cli.Context) {
			if err := version(c); err != nil {
				logrus.Fatalf("Error running version command: %v.", err)
			}
		},
	}
}

func version(c *cli.Context) error {
	output, err := json.MarshalIndent(meta.GetVersion(), "", "\t")
	if err != nil {
		return err
	}
	fmt.Println(string(output))
	return nil
}
