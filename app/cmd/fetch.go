package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"gopkg.in/cheggaaa/pb.v2"

	"github.com/palmkit/hotsync-engine/pkg/conduit"
	"github.com/palmkit/hotsync-engine/pkg/dlp"
	"github.com/palmkit/hotsync-engine/pkg/hotsync"
	"github.com/palmkit/hotsync-engine/pkg/storage"
	"github.com/palmkit/hotsync-engine/pkg/transport"
	"github.com/palmkit/hotsync-engine/pkg/usb"
)

func FetchCmd() cli.Command {
	return cli.Command{
		Name:  "fetch",
		Usage: "Wait for one USB device and download every record database it holds",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "storage-dir",
				Value: "/var/lib/hotsync",
				Usage: "Directory the databases are written into",
			},
		},
		Action: func(c *cli.Context) {
			if err := fetch(c); err != nil {
				logrus.Fatalf("Error running fetch command: %v.", err)
			}
		},
	}
}

func fetch(c *cli.Context) error {
	store, err := storage.NewFileStore(c.String("storage-dir"))
	if err != nil {
		return err
	}
	defer store.Close()

	bus := usb.NewLibusbBus()
	defer bus.Close()

	stop := make(chan struct{})
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		close(stop)
	}()

	fmt.Println("Waiting for a device, press the HotSync button...")
	m, err := usb.Discover(bus, stop)
	if err != nil {
		return err
	}
	devConn, err := usb.Open(bus, m)
	if err != nil {
		return err
	}

	rec := &transport.Recorder{}
	conn, err := hotsync.Connect(transport.Record(devConn.Duplex, rec), m.Info.Stack)
	if err != nil {
		devConn.Duplex.Close()
		return err
	}
	defer conn.Close()

	sess := &hotsync.Session{
		Device:   m.Info.Label,
		Stack:    m.Info.Stack,
		Recorder: rec,
		Type:     hotsync.SyncFirst,
		Started:  time.Now(),
	}
	if sess.Sys, err = conn.ReadSysInfo(); err != nil {
		return err
	}
	if sess.User, err = conn.ReadUserInfo(); err != nil {
		return err
	}
	if sess.User.Name != "" {
		if err := store.EnsureUser(sess.User.Name); err != nil {
			return err
		}
	}
	if err := conn.OpenConduit(); err != nil {
		return err
	}

	var bar *pb.ProgressBar
	download := &conduit.Download{
		Progress: func(name string, done, total int) {
			if bar == nil {
				bar = pb.StartNew(total)
			}
			bar.SetCurrent(int64(done))
		},
	}
	fetchErr := download.Execute(conn, sess, store)
	if bar != nil {
		bar.Finish()
	}

	status := uint16(dlp.SyncStatusOK)
	if fetchErr != nil {
		status = dlp.SyncStatusOther
	}
	if err := conn.EndOfSync(status); err != nil {
		logrus.WithError(err).Warn("Failed to end sync cleanly")
	}
	if fetchErr != nil {
		return errors.Wrap(fetchErr, "download failed")
	}

	fmt.Printf("Downloaded %s from %s (%s transferred)\n",
		sess.User.Name, sess.Device, units.HumanSize(float64(rec.BytesRead())))
	return nil
}
