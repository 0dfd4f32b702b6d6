package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/engine"
	"github.com/raniellyferreira/redis-inmemory-node/protocol"
)

// Logger interface for server logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector interface for connection metrics
type MetricsCollector interface {
	RecordConnection()
	RecordDisconnection()
	RecordError(errorType string)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Server accepts RESP connections and executes their commands with an
// engine
type Server struct {
	engine *engine.Engine

	// Server configuration
	addr        string
	idleTimeout time.Duration

	// Connection management
	listener net.Listener
	clients  sync.Map // map[net.Conn]*Client

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	connCount    atomic.Int64
	commandCount atomic.Int64
	errorCount   atomic.Int64

	logger  Logger
	metrics MetricsCollector
}

// Client represents a connected client
type Client struct {
	conn    net.Conn
	reader  *protocol.Reader
	writer  *protocol.Writer
	session *engine.Session
	server  *Server

	closeOnce sync.Once
}

// NewServer creates a server listening on addr
func NewServer(addr string, eng *engine.Engine) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		engine: eng,
		addr:   addr,
		ctx:    ctx,
		cancel: cancel,
		logger: nopLogger{},
	}
}

// SetLogger sets the logger
func (s *Server) SetLogger(logger Logger) {
	s.logger = logger
}

// SetMetrics sets the metrics collector
func (s *Server) SetMetrics(metrics MetricsCollector) {
	s.metrics = metrics
}

// SetIdleTimeout closes clients that send nothing for timeout. Zero, the
// default, keeps idle clients connected. Replica links are exempt.
func (s *Server) SetIdleTimeout(timeout time.Duration) {
	s.idleTimeout = timeout
}

// Start starts listening and accepting connections
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.logger.Info("Server listening", "addr", s.listener.Addr().String())

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop closes the listener and every client, then waits for their
// goroutines to exit
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.clients.Range(func(key, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			client.Close()
		}
		return true
	})

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stats returns server statistics
func (s *Server) Stats() map[string]interface{} {
	clientCount := 0
	s.clients.Range(func(key, value interface{}) bool {
		clientCount++
		return true
	})

	return map[string]interface{}{
		"connected_clients": clientCount,
		"total_commands":    s.commandCount.Load(),
		"total_errors":      s.errorCount.Load(),
		"total_connections": s.connCount.Load(),
	}
}

// acceptConnections accepts new client connections
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Accept failed", "error", err)
			continue
		}

		s.handleNewClient(conn)
	}
}

// handleNewClient handles a new client connection
func (s *Server) handleNewClient(conn net.Conn) {
	s.connCount.Add(1)
	if s.metrics != nil {
		s.metrics.RecordConnection()
	}

	writer := protocol.NewWriter(conn)
	client := &Client{
		conn:    conn,
		reader:  protocol.NewReader(conn),
		writer:  writer,
		session: s.engine.NewSession(conn, writer),
		server:  s,
	}

	client.session.SetDisconnectWatcher(client.watchDisconnect)

	s.clients.Store(conn, client)
	s.logger.Debug("Client connected", "client", client.session.RemoteAddr, "id", client.session.ClientID)

	s.wg.Add(1)
	go client.handle()
}

// Close closes the client connection and releases its session
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		c.session.Close()
		c.server.clients.Delete(c.conn)
		if c.server.metrics != nil {
			c.server.metrics.RecordDisconnection()
		}
	})
}

// handle reads commands until the connection fails. Replies are flushed
// once every pipelined command in the read buffer has been answered.
func (c *Client) handle() {
	defer c.server.wg.Done()
	defer c.Close()

	for {
		if timeout := c.server.idleTimeout; timeout > 0 && !c.session.IsReplica() {
			c.conn.SetReadDeadline(time.Now().Add(timeout))
		}

		cmd, err := c.reader.ReadCommand()
		if err != nil {
			c.readFailed(err)
			return
		}

		if !c.execute(cmd) {
			return
		}
	}
}

// execute runs one command and reports whether the connection stays open
func (c *Client) execute(cmd *protocol.Command) bool {
	c.server.commandCount.Add(1)
	reply := c.server.engine.Execute(c.session, cmd)

	// The replica's writer goroutine owns the connection from here on
	if c.session.IsReplica() {
		return true
	}

	if reply.IsError() {
		c.server.errorCount.Add(1)
	}
	if !reply.IsEmpty() {
		if err := c.writer.WriteValue(reply); err != nil {
			c.server.logger.Debug("Write failed", "client", c.session.RemoteAddr, "error", err)
			return false
		}
	}

	if c.session.Quitting() || c.reader.Buffered() == 0 {
		if err := c.writer.Flush(); err != nil {
			c.server.logger.Debug("Flush failed", "client", c.session.RemoteAddr, "error", err)
			return false
		}
	}
	return !c.session.Quitting()
}

// watchDisconnect reads ahead while a blocking command waits so that a
// client hanging up cancels the wait. Data that arrives stays buffered for
// the next ReadCommand and ends the watch.
func (c *Client) watchDisconnect() func() {
	if c.reader.Buffered() > 0 {
		return func() {}
	}
	// Blocked clients are exempt from the idle timeout
	c.conn.SetReadDeadline(time.Time{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := c.reader.Wait()
		if err == nil || isTimeout(err) {
			return
		}
		c.server.logger.Debug("Blocked client disconnected", "client", c.session.RemoteAddr, "error", err)
		c.session.Close()
	}()

	return func() {
		// Unblock the pending read, then restore the connection for handle
		c.conn.SetReadDeadline(time.Unix(1, 0))
		<-done
		c.conn.SetReadDeadline(time.Time{})
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) readFailed(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), c.server.ctx.Err() != nil:
		c.server.logger.Debug("Client disconnected", "client", c.session.RemoteAddr)
	case protocol.IsProtocolError(err):
		c.server.errorCount.Add(1)
		if c.server.metrics != nil {
			c.server.metrics.RecordError("protocol")
		}
		c.server.logger.Info("Closing client after protocol error", "client", c.session.RemoteAddr, "error", err)
	default:
		if isTimeout(err) {
			c.server.logger.Debug("Closing idle client", "client", c.session.RemoteAddr)
			return
		}
		c.server.logger.Debug("Read failed", "client", c.session.RemoteAddr, "error", err)
	}
}
