// Package bus is the node to node transport. Every node listens on its
// bus port (main port + 10000) for a line protocol:
//
//	INS <table> <crc16> <base64 gob tuple>   -> ACK INS
//	DEL <table> <base64 key> <version>       -> ACK DEL
//	PUT <group> <crc16> <base64 gob tuple>   -> ACK PUT
//	PING                                     -> PONG
//
// INS and DEL write into one region of the receiving node; PUT routes a
// client write through the partition of the group. Failures are answered
// with "ERR <reason>".
package bus

import (
	"bufio"
	"context"
	"io"
	"log"
	"net"
	"strings"
	"sync"

	"spacedb/tuple"

	"github.com/cockroachdb/errors"
)

// Store is the local physical store written by INS and DEL.
type Store interface {
	Put(group string, regionID int64, t *tuple.Tuple) error
	Delete(group string, regionID int64, key string, version int64) error
}

// Router places a client write into the regions of a group.
type Router interface {
	Insert(ctx context.Context, group string, t *tuple.Tuple) error
}

type Server struct {
	addr   string
	store  Store
	router Router

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a bus server for addr. router may be nil, PUT is then
// rejected.
func NewServer(addr string, store Store, router Router) *Server {
	return &Server{addr: addr, store: store, router: router, conns: map[net.Conn]struct{}{}}
}

// Listen binds the bus port.
func (s *Server) Listen() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "couldn't start bus at %s", s.addr)
	}
	s.mu.Lock()
	s.ln = lis
	s.mu.Unlock()
	log.Printf("[INFO] Bus listening on %s", lis.Addr())
	return nil
}

// Addr is the bound address, useful with port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until Close.
func (s *Server) Serve() error {
	s.mu.Lock()
	lis := s.ln
	s.mu.Unlock()
	if lis == nil {
		return errors.New("bus is not listening")
	}

	for {
		conn, err := lis.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			log.Printf("[WARN] Couldn't accept connection, err:%s", err.Error())
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
	}()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Printf("[WARN] Reading err: %s", err.Error())
			}
			return
		}
		reply := s.HandleClusterCommand(context.Background(), strings.TrimSpace(line))
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			log.Printf("[WARN] Writing reply to %s: %s", conn.RemoteAddr(), err.Error())
			return
		}
	}
}

// Close stops accepting, closes open connections and waits for their
// handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}
