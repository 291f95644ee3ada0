/*
The server package provides an in-process TCP server speaking the client's
length-prefixed frame protocol, for exercising the connection stack in tests
without a real event store. Handlers receive each decoded package and decide
what, if anything, to reply.
*/
package server

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/everstore/everstore-go/connection/wire"
	"github.com/everstore/everstore-go/logger"
)

const lengthPrefixSize = 4

// Handler maps one received package to zero or more replies.
type Handler func(pkg wire.PackageIn) []wire.PackageOut

// EchoHandler replies to Ping, HeartbeatRequest, SubscribeToStream and
// Unsubscribe with the paired response command and the same correlation id,
// which is all most connection tests need. Other commands get no reply.
func EchoHandler(pkg wire.PackageIn) []wire.PackageOut {
	var reply wire.Command
	switch pkg.Message.Command {
	case wire.Ping:
		reply = wire.Pong
	case wire.HeartbeatRequest:
		reply = wire.HeartbeatResponse
	case wire.SubscribeToStream:
		reply = wire.SubscribeCompleted
	case wire.Unsubscribe:
		reply = wire.SubscriptionDropped
	default:
		return nil
	}

	return []wire.PackageOut{{
		Message:       wire.Message{Command: reply},
		CorrelationId: pkg.CorrelationId,
	}}
}

type FramedServer struct {
	logger   *logger.Logger
	listener net.Listener
	handler  Handler

	Addr string

	// Every package the server decoded, in receive order
	Received chan wire.PackageIn

	connsLock sync.Mutex
	conns     []net.Conn
}

func NewFramedServer(logger *logger.Logger, handler Handler) *FramedServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Errorf("failed to setup listener: %s", err)
		return nil
	}

	s := &FramedServer{
		logger:   logger,
		listener: listener,
		handler:  handler,
		Addr:     listener.Addr().String(),
		Received: make(chan wire.PackageIn, 100),
	}

	go s.acceptLoop()

	return s
}

func (s *FramedServer) Shutdown() {
	s.listener.Close()
	s.DropConnections()
}

// DropConnections severs every live connection, simulating a peer close.
func (s *FramedServer) DropConnections() {
	s.connsLock.Lock()
	defer s.connsLock.Unlock()

	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}

// Push sends a server-initiated package on every live connection.
func (s *FramedServer) Push(pkg wire.PackageOut) error {
	frame, err := wire.EncodeFrame(pkg)
	if err != nil {
		return err
	}

	s.connsLock.Lock()
	defer s.connsLock.Unlock()

	for _, conn := range s.conns {
		if err := writeFrame(conn, frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *FramedServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.connsLock.Lock()
		s.conns = append(s.conns, conn)
		s.connsLock.Unlock()

		go s.serve(conn)
	}
}

func (s *FramedServer) serve(conn net.Conn) {
	defer conn.Close()

	prefix := make([]byte, lengthPrefixSize)
	for {
		if _, err := io.ReadFull(conn, prefix); err != nil {
			return
		}

		frame := make([]byte, binary.LittleEndian.Uint32(prefix))
		if _, err := io.ReadFull(conn, frame); err != nil {
			return
		}

		pkg := wire.DecodeFrame(frame)
		select {
		case s.Received <- pkg:
		default:
			s.logger.Errorf("dropping received package, buffer is full")
		}

		for _, reply := range s.handler(pkg) {
			replyFrame, err := wire.EncodeFrame(reply)
			if err != nil {
				s.logger.Errorf("failed to encode reply: %s", err)
				continue
			}
			if err := writeFrame(conn, replyFrame); err != nil {
				s.logger.Errorf("failed to write reply: %s", err)
				return
			}
		}
	}
}

func writeFrame(conn net.Conn, frame []byte) error {
	prefixed := make([]byte, lengthPrefixSize+len(frame))
	binary.LittleEndian.PutUint32(prefixed, uint32(len(frame)))
	copy(prefixed[lengthPrefixSize:], frame)

	if _, err := conn.Write(prefixed); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
