package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/palmkit/hotsync-engine/pkg/api"
	"github.com/palmkit/hotsync-engine/pkg/conduit"
	"github.com/palmkit/hotsync-engine/pkg/hotsync"
	"github.com/palmkit/hotsync-engine/pkg/storage"
	"github.com/palmkit/hotsync-engine/pkg/transport"
	"github.com/palmkit/hotsync-engine/pkg/usb"
)

func DaemonCmd() cli.Command {
	return cli.Command{
		Name:  "daemon",
		Usage: "Run the sync daemon: watch the USB bus and the network for devices and sync them",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "storage-dir",
				Value: "/var/lib/hotsync",
				Usage: "Directory holding user areas and downloaded databases",
			},
			cli.StringFlag{
				Name:  "listen",
				Value: ":14238",
				Usage: "Address for network HotSync connections",
			},
			cli.StringFlag{
				Name:  "status-listen",
				Usage: "Address for the HTTP status endpoint; disabled when empty",
			},
			cli.StringFlag{
				Name:  "serial-port",
				Usage: "Cradle serial port to watch, e.g. /dev/ttyUSB0; disabled when empty",
			},
			cli.BoolFlag{
				Name:  "disable-usb",
				Usage: "Do not watch the USB bus",
			},
			cli.BoolFlag{
				Name:  "disable-network",
				Usage: "Do not listen for network sync",
			},
		},
		Action: func(c *cli.Context) {
			if err := daemon(c); err != nil {
				logrus.Fatalf("Error running daemon command: %v.", err)
			}
		},
	}
}

func daemon(c *cli.Context) error {
	if c.Bool("disable-usb") && c.Bool("disable-network") && c.String("serial-port") == "" {
		return errors.New("every sync transport is disabled")
	}

	store, err := storage.NewFileStore(c.String("storage-dir"))
	if err != nil {
		return err
	}
	defer store.Close()

	bus := usb.NewLibusbBus()
	defer bus.Close()

	server := hotsync.NewServer(bus, store, conduit.Defaults())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logrus.Infof("Receive %v to exit", sig)
		server.Stop()
	}()

	if addr := c.String("status-listen"); addr != "" {
		go func() {
			if err := api.Serve(addr, server); err != nil {
				logrus.WithError(err).Error("Status endpoint failed")
			}
		}()
	}

	done := make(chan error, 3)
	workers := 0

	if !c.Bool("disable-network") {
		l, err := transport.Listen(c.String("listen"))
		if err != nil {
			return err
		}
		workers++
		go func() {
			done <- server.RunNetwork(l)
		}()
	}
	if !c.Bool("disable-usb") {
		workers++
		go func() {
			done <- server.Run()
		}()
	}
	if port := c.String("serial-port"); port != "" {
		workers++
		go func() {
			done <- server.RunSerial(port)
		}()
	}

	var result error
	for i := 0; i < workers; i++ {
		if err := <-done; err != nil && result == nil {
			result = err
			server.Stop()
		}
	}
	return result
}
