// Package socket implements dsmed's Unix domain socket server: a
// length-prefixed framed IPC surface with per-connection peer-credential
// capture, ingress fan-in to the message bus, and egress fan-out to every
// connected client, per spec.md §4.F.
//
// The accept/serve loop is grounded on the pack's hyprvoice Unix-socket
// daemon (listener setup, signal-driven teardown) but restructured around
// epoll readiness callbacks registered with loop.Loop instead of a
// blocking-accept-per-goroutine model, to satisfy dsmed's single-threaded
// cooperative scheduling requirement.
package socket

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tinydsme/dsmed/bus"
	"github.com/tinydsme/dsmed/logger"
	"github.com/tinydsme/dsmed/loop"
	"github.com/tinydsme/dsmed/wire"
)

// DefaultSockPath is used when neither Config.Path nor DSME_SOCKFILE is set.
const DefaultSockPath = "/var/run/dsme.sock"

// DefaultMode is the socket file mode spec.md §4.F mandates.
const DefaultMode = 0o646

// Config configures a Server.
type Config struct {
	// Path is the listen socket path. Empty means DSME_SOCKFILE env var,
	// falling back to DefaultSockPath.
	Path string
	// Mode is the socket file mode. Zero means DefaultMode.
	Mode os.FileMode
	// CompatPingToPong rewrites an inbound PING frame to PONG before
	// dispatch/fan-out, a compatibility kludge for old clients that send
	// PING when they should send PONG. See DESIGN.md Open Question #2.
	CompatPingToPong bool
}

// ResolvedPath returns the socket path this config will bind, applying
// the DSME_SOCKFILE environment override and DefaultSockPath fallback.
func (c Config) ResolvedPath() string {
	if c.Path != "" {
		return c.Path
	}
	if p := os.Getenv("DSME_SOCKFILE"); p != "" {
		return p
	}
	return DefaultSockPath
}

func (c Config) resolvedMode() os.FileMode {
	if c.Mode == 0 {
		return DefaultMode
	}
	return c.Mode
}

// Client is one accepted connection's state.
type Client struct {
	id      uint64
	fd      int
	creds   wire.PeerCreds
	ingress []byte
}

// ID returns the client's server-assigned identifier.
func (c *Client) ID() uint64 { return c.id }

// Endpoint builds the wire.Endpoint this client presents as a message sender.
func (c *Client) Endpoint() wire.Endpoint {
	return wire.Endpoint{Kind: wire.EndpointClient, ClientID: c.id, Creds: c.creds}
}

// Server is dsmed's socket server.
type Server struct {
	cfg      Config
	l        *loop.Loop
	b        *bus.Bus
	cat      *wire.Catalog
	log      *logger.Logger
	listenFD int
	clients  map[int]*Client
	order    []int // fds in accept order, for deterministic fan-out
	nextID   uint64
}

// New creates a Server bound to l's main loop and b's message bus.
// Listen must be called before the loop runs.
func New(cfg Config, l *loop.Loop, b *bus.Bus, cat *wire.Catalog, log *logger.Logger) *Server {
	return &Server{
		cfg:      cfg,
		l:        l,
		b:        b,
		cat:      cat,
		log:      log,
		listenFD: -1,
		clients:  make(map[int]*Client),
	}
}

// Listen creates, binds, and registers the listening socket with the loop.
func (s *Server) Listen() error {
	path := s.cfg.ResolvedPath()
	os.Remove(path) // stale socket from a prior crash

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: create listener: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("socket: bind %s: %w", path, err)
	}
	if err := os.Chmod(path, s.cfg.resolvedMode()); err != nil {
		unix.Close(fd)
		return fmt.Errorf("socket: chmod %s: %w", path, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return fmt.Errorf("socket: listen %s: %w", path, err)
	}

	s.listenFD = fd
	return s.l.AddFD(fd, unix.EPOLLIN, 0, s.onAcceptable)
}

func (s *Server) onAcceptable(fd int, events uint32) {
	for {
		cfd, _, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if s.log != nil {
				s.log.Log(logger.WARNING, "socket", "onAcceptable", "accept: %v", err)
			}
			return
		}
		s.acceptClient(cfd)
	}
}

func (s *Server) acceptClient(fd int) {
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1)

	creds := wire.PeerCreds{PID: 0, UID: ^uint32(0), GID: ^uint32(0)}
	if ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED); err == nil {
		creds = wire.PeerCreds{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}
	}

	s.nextID++
	c := &Client{id: s.nextID, fd: fd, creds: creds}
	s.clients[fd] = c
	s.order = append(s.order, fd)

	s.l.AddFD(fd, unix.EPOLLIN, 1, func(fd int, events uint32) {
		s.onReadable(c)
	})
}

func (s *Server) onReadable(c *Client) {
	var buf [4096]byte
	for {
		n, err := unix.Read(c.fd, buf[:])
		if n > 0 {
			c.ingress = append(c.ingress, buf[:n]...)
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			s.closeClient(c)
			return
		}
		if n == 0 {
			s.closeClient(c)
			return
		}
		if n < len(buf) {
			break
		}
	}
	s.drainFrames(c)
}

func (s *Server) drainFrames(c *Client) {
	for {
		if len(c.ingress) < wire.HeaderSize {
			return
		}
		h, err := wire.DecodeHeader(c.ingress)
		if err != nil {
			s.protocolError(c, err)
			return
		}
		if len(c.ingress) < int(h.Length) {
			return // wait for more bytes
		}

		bodySize, known := s.cat.Lookup(h.Type)
		if !known {
			if s.log != nil {
				s.log.Log(logger.WARNING, "socket", "drainFrames", "unknown type_id %d from client %d", h.Type, c.id)
			}
			s.protocolError(c, fmt.Errorf("unknown type_id %d", h.Type))
			return
		}

		frame, err := wire.Decode(c.ingress[:h.Length], bodySize)
		if err != nil {
			s.protocolError(c, err)
			return
		}
		c.ingress = c.ingress[h.Length:]

		s.handleFrame(c, frame)
	}
}

func (s *Server) protocolError(c *Client, err error) {
	if s.log != nil {
		s.log.Log(logger.WARNING, "socket", "protocolError", "client %d: %v", c.id, err)
	}
	s.closeClient(c)
}

func (s *Server) handleFrame(c *Client, frame wire.Frame) {
	typ := frame.Type
	if s.cfg.CompatPingToPong && typ == wire.MsgPing {
		typ = wire.MsgPong
	}

	msg := bus.Message{Type: typ, Body: frame.Body, Extra: frame.Extra, Sender: c.Endpoint()}

	switch typ {
	case wire.MsgSetLoggingVerbosity:
		if len(frame.Body) >= 4 && s.log != nil {
			v := int(leUint32(frame.Body))
			s.log.SetVerbosity(logger.Priority(v))
		}
	case wire.MsgAddLoggingInclude:
		if s.log != nil {
			s.log.Include(string(frame.Extra))
		}
	case wire.MsgAddLoggingExclude:
		if s.log != nil {
			s.log.Exclude(string(frame.Extra))
		}
	case wire.MsgUseLoggingDefaults:
		if s.log != nil {
			s.log.ClearRules()
		}
	}

	s.b.Publish(msg)
	s.fanOutExcluding(msg, c.id)

	if typ == wire.MsgClose {
		s.closeClient(c)
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// fanOutExcluding writes msg to every connected client except the one
// identified by excludeClientID, per spec.md §4.D's from-socket fan-out.
func (s *Server) fanOutExcluding(msg bus.Message, excludeClientID uint64) {
	frame := wire.Encode(msg.Type, msg.Body, msg.Extra)
	for _, fd := range s.order {
		c, ok := s.clients[fd]
		if !ok || c.id == excludeClientID {
			continue
		}
		s.writeBestEffort(c, frame)
	}
}

// BroadcastToClients is the external-broadcast path (spec.md §4.D
// broadcast_to_clients): it serializes msg once and writes it to every
// connected client, no exclusions.
func (s *Server) BroadcastToClients(typ wire.MsgType, body, extra []byte) {
	frame := wire.Encode(typ, body, extra)
	for _, fd := range s.order {
		c, ok := s.clients[fd]
		if !ok {
			continue
		}
		s.writeBestEffort(c, frame)
	}
}

func (s *Server) writeBestEffort(c *Client, frame []byte) {
	_, err := unix.Write(c.fd, frame)
	if err != nil {
		if s.log != nil {
			s.log.Log(logger.WARNING, "socket", "writeBestEffort", "client %d write dropped: %v", c.id, err)
		}
	}
}

func (s *Server) closeClient(c *Client) {
	s.l.RemoveFD(c.fd)
	unix.Close(c.fd)
	delete(s.clients, c.fd)
	for i, fd := range s.order {
		if fd == c.fd {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// ClientCount reports how many clients are currently connected.
func (s *Server) ClientCount() int { return len(s.clients) }

// Shutdown removes the listener watch and closes every client connection.
func (s *Server) Shutdown() {
	if s.listenFD >= 0 {
		s.l.RemoveFD(s.listenFD)
		unix.Close(s.listenFD)
		s.listenFD = -1
	}
	for _, fd := range append([]int(nil), s.order...) {
		if c, ok := s.clients[fd]; ok {
			s.closeClient(c)
		}
	}
	os.Remove(s.cfg.ResolvedPath())
}
