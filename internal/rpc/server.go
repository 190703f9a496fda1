package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/mod/semver"

	"github.com/untoldecay/FormQueue/internal/manager"
)

// ServerVersion is the version of this RPC server.
// Set by the daemon from the CLI version before starting.
var ServerVersion = "0.0.0"

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// Server represents the RPC server that runs in the daemon
type Server struct {
	socketPath string
	dbPath     string
	manager    *manager.ChangeManager
	listener   net.Listener

	mu           sync.Mutex
	shutdown     bool
	shutdownChan chan struct{}
	stopOnce     sync.Once
	doneChan     chan struct{}
	readyChan    chan struct{}

	startTime        time.Time
	lastActivityTime atomic.Value // time.Time

	maxConns       int
	activeConns    int32
	connSemaphore  chan struct{}
	requestTimeout time.Duration
}

// ServerOptions bounds concurrency and request duration.
type ServerOptions struct {
	MaxConns       int
	RequestTimeout time.Duration
}

// NewServer creates a new RPC server over a change manager.
func NewServer(socketPath string, mgr *manager.ChangeManager, dbPath string, opts ServerOptions) *Server {
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 16
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	s := &Server{
		socketPath:     socketPath,
		dbPath:         dbPath,
		manager:        mgr,
		shutdownChan:   make(chan struct{}),
		doneChan:       make(chan struct{}),
		readyChan:      make(chan struct{}),
		startTime:      time.Now(),
		maxConns:       maxConns,
		connSemaphore:  make(chan struct{}, maxConns),
		requestTimeout: requestTimeout,
	}
	s.lastActivityTime.Store(time.Now())
	return s
}

// Start listens on the unix socket and serves requests until Stop.
func (s *Server) Start() error {
	defer close(s.doneChan)

	socketPath, err := EnsureSocketDir(s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to prepare socket dir: %w", err)
	}
	// A previous daemon may have crashed and left the socket behind.
	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.readyChan)

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownChan:
				wg.Wait()
				return nil
			default:
				return fmt.Errorf("accept failed: %w", err)
			}
		}

		select {
		case s.connSemaphore <- struct{}{}:
		default:
			// At capacity: refuse rather than queue unbounded.
			s.writeRefusal(conn)
			continue
		}

		wg.Add(1)
		atomic.AddInt32(&s.activeConns, 1)
		go func(c net.Conn) {
			defer func() {
				atomic.AddInt32(&s.activeConns, -1)
				<-s.connSemaphore
				wg.Done()
			}()
			s.handleConnection(c)
		}(conn)
	}
}

// WaitReady blocks until the server is listening.
func (s *Server) WaitReady() <-chan struct{} {
	return s.readyChan
}

// Stop shuts the server down and removes the socket.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		close(s.shutdownChan)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.mu.Unlock()
		<-s.doneChan
		_ = CleanupSocketDir(s.socketPath)
	})
}

// ShutdownRequested reports whether a shutdown RPC arrived.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownChan
}

func (s *Server) writeRefusal(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	resp := Response{Success: false, Error: "daemon at connection capacity"}
	data, _ := json.Marshal(resp)
	_, _ = conn.Write(append(data, '\n'))
}

// handleConnection serves newline-delimited JSON requests until the
// client disconnects.
func (s *Server) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))

		var req Request
		if err := decoder.Decode(&req); err != nil {
			return
		}

		resp := s.handleRequest(&req)
		_ = conn.SetWriteDeadline(time.Now().Add(s.requestTimeout))
		if err := encoder.Encode(resp); err != nil {
			return
		}

		if req.Operation == OpShutdown && resp.Success {
			go s.Stop()
			return
		}
	}
}

// checkVersionCompatibility validates client version against server version.
// Major versions must match; the daemon must not be older than the client.
func (s *Server) checkVersionCompatibility(clientVersion string) error {
	if clientVersion == "" {
		return nil
	}

	serverVer := ServerVersion
	if !strings.HasPrefix(serverVer, "v") {
		serverVer = "v" + serverVer
	}
	clientVer := clientVersion
	if !strings.HasPrefix(clientVer, "v") {
		clientVer = "v" + clientVer
	}

	// Dev builds carry non-semver versions; allow those.
	if !semver.IsValid(serverVer) || !semver.IsValid(clientVer) {
		return nil
	}

	if semver.Major(serverVer) != semver.Major(clientVer) {
		return fmt.Errorf("incompatible major versions: client %s, daemon %s; restart the daemon with 'fq daemon --stop && fq daemon'",
			clientVersion, ServerVersion)
	}
	if semver.Compare(serverVer, clientVer) < 0 {
		return fmt.Errorf("daemon v%s is older than client v%s; restart the daemon with 'fq daemon --stop && fq daemon'",
			ServerVersion, clientVersion)
	}
	return nil
}

// validateDatabaseBinding refuses requests meant for a different
// database, which happens when a stale socket outlives a project move.
func (s *Server) validateDatabaseBinding(req *Request) error {
	if req.ExpectedDB == "" || s.dbPath == "" {
		return nil
	}
	if req.ExpectedDB != s.dbPath {
		return fmt.Errorf("database mismatch: client expects %s but daemon serves %s", req.ExpectedDB, s.dbPath)
	}
	return nil
}

func (s *Server) handleRequest(req *Request) Response {
	if req.Operation != OpPing && req.Operation != OpHealth {
		if err := s.checkVersionCompatibility(req.ClientVersion); err != nil {
			return errResponse(err)
		}
		if err := s.validateDatabaseBinding(req); err != nil {
			return errResponse(err)
		}
	}

	s.lastActivityTime.Store(time.Now())

	switch req.Operation {
	case OpPing:
		return s.handlePing(req)
	case OpStatus:
		return s.handleStatus(req)
	case OpHealth:
		return s.handleHealth(req)
	case OpShutdown:
		return okResponse(map[string]string{"message": "shutting down"})
	case OpEnqueue:
		return s.handleEnqueue(req)
	case OpFlush:
		return s.handleFlush(req)
	case OpResolve:
		return s.handleResolve(req)
	case OpConflicts:
		return s.handleConflicts(req)
	case OpHistory:
		return s.handleHistory(req)
	case OpStats:
		return s.handleStats(req)
	case OpAudit:
		return s.handleAudit(req)
	case OpCleanup:
		return s.handleCleanup(req)
	case OpSessionPut:
		return s.handleSessionPut(req)
	case OpSessionShow:
		return s.handleSessionShow(req)
	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown operation: %s", req.Operation)}
	}
}

// reqCtx returns a context with the server's request timeout applied
// so a stalled database never wedges a connection.
func (s *Server) reqCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.requestTimeout)
}

func okResponse(data any) Response {
	raw, err := json.Marshal(data)
	if err != nil {
		return errResponse(fmt.Errorf("failed to encode response: %w", err))
	}
	return Response{Success: true, Data: raw}
}

func errResponse(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

func argsError(err error) Response {
	return Response{Success: false, Error: fmt.Sprintf("invalid arguments: %v", err)}
}

func (s *Server) handlePing(_ *Request) Response {
	return okResponse(PingResponse{Message: "pong", Version: ServerVersion})
}

func (s *Server) handleStatus(_ *Request) Response {
	lastActivity := s.lastActivityTime.Load().(time.Time)
	return okResponse(StatusResponse{
		Version:          ServerVersion,
		DatabasePath:     s.dbPath,
		SocketPath:       s.socketPath,
		PID:              os.Getpid(),
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
		LastActivityTime: lastActivity.Format(time.RFC3339),
		DefaultStrategy:  string(s.manager.DefaultStrategy()),
	})
}

func (s *Server) handleHealth(req *Request) Response {
	start := time.Now()

	healthCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	status := statusHealthy
	dbError := ""
	_, pingErr := s.manager.Stats(healthCtx, "health-probe")
	dbResponseMs := time.Since(start).Seconds() * 1000

	if pingErr != nil {
		status = statusUnhealthy
		dbError = pingErr.Error()
	} else if dbResponseMs > 500 {
		status = statusDegraded
	}

	compatible := s.checkVersionCompatibility(req.ClientVersion) == nil

	health := HealthResponse{
		Status:         status,
		Version:        ServerVersion,
		ClientVersion:  req.ClientVersion,
		Compatible:     compatible,
		Uptime:         time.Since(s.startTime).Seconds(),
		DBResponseTime: dbResponseMs,
		ActiveConns:    atomic.LoadInt32(&s.activeConns),
		MaxConns:       s.maxConns,
		Error:          dbError,
	}

	raw, _ := json.Marshal(health)
	return Response{Success: status != statusUnhealthy, Data: raw, Error: dbError}
}
