package hotsync

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/palmkit/hotsync-engine/pkg/cmp"
	"github.com/palmkit/hotsync-engine/pkg/dlp"
	"github.com/palmkit/hotsync-engine/pkg/padp"
	"github.com/palmkit/hotsync-engine/pkg/slp"
	"github.com/palmkit/hotsync-engine/pkg/storage"
	"github.com/palmkit/hotsync-engine/pkg/transport"
	"github.com/palmkit/hotsync-engine/pkg/types"
	"github.com/palmkit/hotsync-engine/pkg/usb"
)

// Server is the sync orchestrator. It owns the discovery loop, the
// per-device session state machine, and the conduit pipeline. At most
// one device is serviced at a time.
type Server struct {
	bus      usb.Bus
	store    storage.Store
	conduits []Conduit
	log      *logrus.Entry

	mu       sync.Mutex
	state    State
	device   string
	user     string
	syncType SyncType
	lastSync map[string]time.Time
	stopCh   chan struct{}
	stopped  bool
}

// NewServer wires a server over a bus and a store. The conduits run in
// the given order for every session.
func NewServer(bus usb.Bus, store storage.Store, conduits []Conduit) *Server {
	return &Server{
		bus:      bus,
		store:    store,
		conduits: conduits,
		log:      logrus.WithField("component", "server"),
		state:    StateDiscovered,
		lastSync: map[string]time.Time{},
		stopCh:   make(chan struct{}),
	}
}

// Status is a point-in-time snapshot of the server for reporting.
type Status struct {
	State    string               `json:"state"`
	Device   string               `json:"device,omitempty"`
	User     string               `json:"user,omitempty"`
	SyncType string               `json:"syncType,omitempty"`
	LastSync map[string]time.Time `json:"lastSync,omitempty"`
}

func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:    s.state.String(),
		Device:   s.device,
		User:     s.user,
		LastSync: map[string]time.Time{},
	}
	if s.device != "" {
		st.SyncType = s.syncType.String()
	}
	for k, v := range s.lastSync {
		st.LastSync[k] = v
	}
	return st
}

// Stop requests shutdown. The discovery loop exits at its next poll
// tick; an in-flight session runs to completion. Stop is idempotent
// and a no-op before Run.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}

func (s *Server) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.log.WithField("state", state.String()).Debug("Session state changed")
}

// Run is the USB discovery loop: wait for a known device, service it,
// wait for it to unplug, repeat. It returns nil after Stop, or the
// first bus enumeration error.
func (s *Server) Run() error {
	for {
		s.setState(StateDiscovered)
		s.mu.Lock()
		s.device, s.user = "", ""
		s.mu.Unlock()

		m, err := usb.Discover(s.bus, s.stopCh)
		if err != nil {
			if err == usb.ErrStopped {
				return nil
			}
			return err
		}
		s.serveDevice(m)

		s.setState(StateWaitDisconnect)
		if err := usb.WaitDisconnect(s.bus, m.VID, m.PID, s.stopCh); err != nil {
			if err == usb.ErrStopped {
				return nil
			}
			return err
		}
	}
}

// serveDevice runs one device from OPENED through CLOSED. Failures
// before SYNCING release the device and return to discovery; failures
// during SYNCING still attempt the end-of-sync exchange so the device
// returns to its main screen.
func (s *Server) serveDevice(m *usb.Match) {
	log := s.log.WithField("device", m.Info.Label)
	s.mu.Lock()
	s.device = m.Info.Label
	s.mu.Unlock()

	s.setState(StateOpened)
	conn, err := usb.Open(s.bus, m)
	if err != nil {
		log.WithError(err).Warn("Failed to open device, skipping session")
		s.setState(StateClosed)
		return
	}
	s.setState(StateConfigured)

	rec := &transport.Recorder{}
	duplex := transport.Record(conn.Duplex, rec)
	sess := &Session{
		Device:   m.Info.Label,
		Stack:    conn.Info.Stack,
		Recorder: rec,
		Started:  time.Now(),
	}

	s.setState(StateHandshaking)
	dlpConn, err := Connect(duplex, conn.Info.Stack)
	if err != nil {
		log.WithError(err).Error("Handshake failed")
		duplex.Close()
		s.setState(StateClosed)
		return
	}
	s.ServeSession(dlpConn, sess)
}

// RunNetwork accepts device connections from the NetSync listener and
// services each with the same session path USB uses. It returns when
// the listener fails, normally because Stop closed it.
func (s *Server) RunNetwork(l *transport.Listener) error {
	go func() {
		<-s.stopCh
		l.Close()
	}()
	for {
		duplex, err := l.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				return err
			}
		}
		rec := &transport.Recorder{}
		sess := &Session{
			Device:   "network",
			Stack:    types.StackNetSync,
			Recorder: rec,
			Started:  time.Now(),
		}
		s.setState(StateHandshaking)
		dlpConn, err := Connect(transport.Record(duplex, rec), types.StackNetSync)
		if err != nil {
			s.log.WithError(err).Error("Network handshake failed")
			duplex.Close()
			s.setState(StateClosed)
			continue
		}
		s.mu.Lock()
		s.device = sess.Device
		s.mu.Unlock()
		s.ServeSession(dlpConn, sess)
		s.setState(StateDiscovered)
	}
}

// RunSerial waits for HotSync sessions on a cradle port. The port is
// reopened for every session so its settings start from the
// pre-negotiation baud each time.
func (s *Server) RunSerial(path string) error {
	ticker := time.NewTicker(types.DevicePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}
		port, err := transport.OpenSerial(path)
		if err != nil {
			if errors.Is(err, transport.ErrPortNotFound) || errors.Is(err, transport.ErrPortBusy) {
				select {
				case <-s.stopCh:
					return nil
				case <-ticker.C:
				}
				continue
			}
			return err
		}
		s.serveSerial(path, port)
	}
}

// serveSerial runs one session over an open cradle port: wait for the
// device's CMP wakeup, switch to the negotiated baud, then hand the
// link to the common session path.
func (s *Server) serveSerial(path string, port *transport.SerialPort) {
	log := s.log.WithField("port", path)
	done := make(chan struct{})
	go func() {
		select {
		case <-s.stopCh:
			port.Close()
		case <-done:
		}
	}()
	defer close(done)

	rec := &transport.Recorder{}
	sess := &Session{
		Device:   path,
		Stack:    types.StackSerial,
		Recorder: rec,
		Started:  time.Now(),
	}

	s.setState(StateHandshaking)
	link := padp.New(slp.NewConn(transport.Record(port, rec)))
	result, err := cmp.Handshake(link)
	if err != nil {
		link.Close()
		s.setState(StateClosed)
		select {
		case <-s.stopCh:
		default:
			log.WithError(err).Error("Serial handshake failed")
		}
		return
	}
	if result.Baud != 0 && result.Baud != transport.DefaultBaud {
		if err := port.SetBaud(int(result.Baud)); err != nil {
			log.WithError(err).Warn("Staying at the default baud rate")
		}
	}

	s.mu.Lock()
	s.device = sess.Device
	s.mu.Unlock()
	s.ServeSession(dlp.NewConnection(link), sess)
	s.setState(StateDiscovered)
	s.mu.Lock()
	s.device, s.user = "", ""
	s.mu.Unlock()
}

// ServeSession runs SYNCING and ENDING over an already-handshaken DLP
// connection, then closes it.
func (s *Server) ServeSession(conn *dlp.Connection, sess *Session) {
	log := s.log.WithField("device", sess.Device)

	s.setState(StateSyncing)
	syncErr := s.sync(conn, sess)
	if syncErr != nil {
		log.WithError(syncErr).Error("Sync failed")
	}

	s.setState(StateEnding)
	status := uint16(dlp.SyncStatusOK)
	if syncErr != nil {
		status = dlp.SyncStatusOther
	}
	if err := conn.EndOfSync(status); err != nil {
		log.WithError(err).Warn("Failed to end sync cleanly")
	}

	s.setState(StateClosed)
	if err := conn.Close(); err != nil {
		log.WithError(err).Warn("Failed to close connection")
	}
	log.WithField("duration", time.Since(sess.Started)).Info("Session finished")
}

// sync populates the session from the device and runs the conduit
// pipeline. Conduit failures are collected; the pipeline always runs
// to the end.
func (s *Server) sync(conn *dlp.Connection, sess *Session) error {
	sys, err := conn.ReadSysInfo()
	if err != nil {
		return err
	}
	sess.Sys = sys

	ui, err := conn.ReadUserInfo()
	if err != nil {
		return err
	}
	sess.User = ui

	syncType, err := Classify(s.store, ui)
	if err != nil {
		return err
	}
	sess.Type = syncType
	s.mu.Lock()
	s.user = ui.Name
	s.syncType = syncType
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{
		"user": ui.Name,
		"type": syncType.String(),
	}).Info("Session classified")

	if ui.Name != "" {
		if err := s.store.EnsureUser(ui.Name); err != nil {
			return err
		}
	}
	if err := conn.OpenConduit(); err != nil {
		return err
	}

	var errs error
	for _, c := range s.conduits {
		if err := c.Execute(conn, sess, s.store); err != nil {
			s.log.WithError(err).WithField("conduit", c.Name()).Error("Conduit failed")
			errs = multierr.Append(errs, err)
			continue
		}
		s.log.WithField("conduit", c.Name()).Debug("Conduit finished")
	}
	if errs == nil && ui.Name != "" {
		s.mu.Lock()
		s.lastSync[ui.Name] = time.Now()
		s.mu.Unlock()
	}
	return errs
}
