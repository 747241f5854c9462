// Package dnsredirect implements the captive portal name server: every A
// query is answered with the portal address, everything else gets an empty
// NOERROR reply so clients never see a resolution failure.
package dnsredirect

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/dns/dnsmessage"
)

// DefaultTTL is the TTL of redirected answers, in seconds.
const DefaultTTL = 60

// Server is a restartable captive DNS responder.
type Server struct {
	addr   string
	logger *zap.Logger

	mu     sync.Mutex
	conn   net.PacketConn
	answer netip.Addr
	done   chan struct{}
}

// New creates a Server listening on addr (for example ":53") once started.
func New(addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{addr: addr, logger: logger.Named("dns")}
}

// Start begins answering queries with answer. Starting a running server
// only updates the answer.
func (s *Server) Start(answer netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.answer = answer
	if s.conn != nil {
		return nil
	}

	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.conn = conn
	s.done = make(chan struct{})

	go s.serve(conn, s.done)

	s.logger.Info("captive DNS started", zap.String("addr", conn.LocalAddr().String()), zap.Stringer("answer", answer))
	return nil
}

// Stop closes the listener and waits for the serve loop to exit. Stopping
// a stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	conn, done := s.conn, s.done
	s.conn, s.done = nil, nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	s.logger.Info("captive DNS stopped")
	return err
}

// Running reports whether the server is listening.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// LocalAddr returns the bound address, or nil when stopped.
func (s *Server) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *Server) currentAnswer() netip.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answer
}

func (s *Server) serve(conn net.PacketConn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 512)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("DNS read failed", zap.Error(err))
			}
			return
		}

		resp, err := Reply(buf[:n], s.currentAnswer())
		if err != nil {
			s.logger.Debug("dropping malformed DNS query", zap.Error(err))
			continue
		}
		if _, err := conn.WriteTo(resp, peer); err != nil {
			s.logger.Debug("DNS write failed", zap.Error(err))
		}
	}
}

// Reply builds the response to a raw query.
func Reply(query []byte, answer netip.Addr) ([]byte, error) {
	var p dnsmessage.Parser
	hdr, err := p.Start(query)
	if err != nil {
		return nil, err
	}
	questions, err := p.AllQuestions()
	if err != nil {
		return nil, err
	}

	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{
		ID:                 hdr.ID,
		Response:           true,
		Authoritative:      true,
		OpCode:             hdr.OpCode,
		RecursionDesired:   hdr.RecursionDesired,
		RecursionAvailable: true,
		RCode:              dnsmessage.RCodeSuccess,
	})
	b.EnableCompression()

	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	for _, q := range questions {
		if err := b.Question(q); err != nil {
			return nil, err
		}
	}

	if err := b.StartAnswers(); err != nil {
		return nil, err
	}
	if answer.Is4() {
		for _, q := range questions {
			if q.Type != dnsmessage.TypeA || q.Class != dnsmessage.ClassINET {
				continue
			}
			err := b.AResource(dnsmessage.ResourceHeader{
				Name:  q.Name,
				Class: dnsmessage.ClassINET,
				TTL:   DefaultTTL,
			}, dnsmessage.AResource{A: answer.As4()})
			if err != nil {
				return nil, err
			}
		}
	}

	return b.Finish()
}
