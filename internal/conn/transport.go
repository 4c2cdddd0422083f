package conn

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/smartvend/venderd/internal/models"
	"github.com/smartvend/venderd/internal/reserve"
)

// Timeouts for the device link. The read deadline doubles as an idle probe:
// a peer that sends nothing (machines report status every few seconds) is
// considered dead without waiting for a transport-level reset.
const (
	defaultReadTimeout  = 90 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxLineBytes        = 64 << 10
)

// machineConn is one live device connection carrying newline-delimited JSON
// envelopes. Writes are serialized by a mutex; reads happen only on the
// owning handler goroutine.
type machineConn struct {
	nc     net.Conn
	mu     sync.Mutex
	closed bool
}

func (c *machineConn) Send(msg models.DeviceMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if err := c.nc.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	data := append(msg.Marshal(), '\n')
	_, err := c.nc.Write(data)
	return err
}

func (c *machineConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.nc.Close()
}

// Server accepts device connections and drives their message loop.
type Server struct {
	svc         *reserve.Service
	registry    *Registry
	logger      pslog.Logger
	readTimeout time.Duration
}

// NewServer builds the device transport server.
func NewServer(svc *reserve.Service, registry *Registry, logger pslog.Logger) *Server {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Server{
		svc:         svc,
		registry:    registry,
		logger:      logger,
		readTimeout: defaultReadTimeout,
	}
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handle(ctx, nc)
	}
}

// handle runs one device session: a register handshake, then the inbound
// message loop until the peer goes away.
func (s *Server) handle(ctx context.Context, nc net.Conn) {
	c := &machineConn{nc: nc}
	defer c.Close()

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)

	machineID, ok := s.handshake(ctx, c, scanner)
	if !ok {
		return
	}
	s.registry.Register(machineID, c)
	defer s.registry.Unregister(machineID, c)

	for s.readMessage(nc, scanner) {
		var msg models.DeviceMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.logger.Warn("conn.bad_message", "machine", machineID, "error", err)
			continue
		}
		s.dispatch(ctx, machineID, c, msg)
	}
}

// handshake reads the first envelope, which must be a register message with
// a valid credential.
func (s *Server) handshake(ctx context.Context, c *machineConn, scanner *bufio.Scanner) (string, bool) {
	if !s.readMessage(c.nc, scanner) {
		return "", false
	}
	var msg models.DeviceMessage
	if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil || msg.Type != models.MsgRegister || msg.MachineID == "" {
		_ = c.Send(models.DeviceMessage{Type: models.MsgError, Value: "register required"})
		return "", false
	}
	ok, err := s.svc.VerifyCredential(ctx, msg.MachineID, msg.Credential)
	if err != nil {
		s.logger.Warn("conn.credential_check_failed", "machine", msg.MachineID, "error", err)
		return "", false
	}
	if !ok {
		_ = c.Send(models.DeviceMessage{Type: models.MsgError, Value: "invalid credentials"})
		s.logger.Warn("conn.register_rejected", "machine", msg.MachineID)
		return "", false
	}
	_ = c.Send(models.DeviceMessage{Type: models.MsgRegistered, MachineID: msg.MachineID})
	return msg.MachineID, true
}

// readMessage advances the scanner under the idle-probe read deadline.
func (s *Server) readMessage(nc net.Conn, scanner *bufio.Scanner) bool {
	if err := nc.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
		return false
	}
	return scanner.Scan()
}

func (s *Server) dispatch(ctx context.Context, machineID string, c *machineConn, msg models.DeviceMessage) {
	switch msg.Type {
	case models.MsgStatus:
		if err := s.svc.Heartbeat(ctx, machineID); err != nil {
			s.logger.Warn("conn.heartbeat_failed", "machine", machineID, "error", err)
		}
	case models.MsgFetchDisplay:
		res, err := s.svc.DisplayCode(ctx, machineID, 0)
		if err != nil {
			s.logger.Warn("conn.fetch_display_failed", "machine", machineID, "error", err)
			return
		}
		if err := c.Send(models.DisplayCodeMessage(res.Code)); err != nil {
			s.logger.Warn("conn.send_failed", "machine", machineID, "error", err)
		}
	default:
		s.logger.Debug("conn.unknown_message", "machine", machineID, "type", msg.Type)
	}
}
