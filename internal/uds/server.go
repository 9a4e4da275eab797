package uds

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/camcore/internal/model"
)

type HandlerFunc func(req *Request) *Response

// Server answers one request per connection.
type Server struct {
	socketPath  string
	logger      *log.Logger
	logLevel    atomic.Int32
	connTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	listener net.Listener
	closing  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewServer(socketPath string, logger *log.Logger, level model.LogLevel) *Server {
	s := &Server{
		socketPath:  socketPath,
		logger:      logger,
		connTimeout: 10 * time.Second,
		handlers:    make(map[string]HandlerFunc),
		closing:     make(chan struct{}),
	}
	s.logLevel.Store(int32(level))
	return s
}

// SetLogLevel changes the threshold for messages logged from now on.
func (s *Server) SetLogLevel(level model.LogLevel) {
	s.logLevel.Store(int32(level))
}

func (s *Server) LogLevel() model.LogLevel {
	return model.LogLevel(s.logLevel.Load())
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Commands lists the registered command names.
func (s *Server) Commands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for c := range s.handlers {
		out = append(out, c)
	}
	return out
}

func (s *Server) Start() error {
	// A socket left by a crashed daemon would make Listen fail.
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, waits for open connections and removes the
// socket file. Later calls do nothing.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.closing)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.wg.Wait()
		_ = os.Remove(s.socketPath)
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log(model.LogLevelWarn, "accept: %v", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			s.log(model.LogLevelError, "panic in handler: %v\n%s", r, debug.Stack())
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.log(model.LogLevelDebug, "read request: %v", err)
		return
	}
	resp := s.dispatch(&req)
	if err := WriteFrame(conn, resp); err != nil {
		s.log(model.LogLevelWarn, "write %s response: %v", req.Command, err)
	}
}

func (s *Server) dispatch(req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}
	s.log(model.LogLevelDebug, "command=%s", req.Command)
	return handler(req)
}

func (s *Server) log(level model.LogLevel, format string, args ...any) {
	model.Logf(s.logger, s.LogLevel(), level, "uds", format, args...)
}
