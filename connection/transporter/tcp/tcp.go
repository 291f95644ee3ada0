/*
The tcp package establishes and ferries framed bytes across the underlying TCP
connection. In terms of the overall connection layer architecture, this package
is at the lowest layer: it splits the byte stream on the 4 byte little-endian
length prefix and hands complete frames to the pipeline for it to parse.
*/
package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"gopkg.in/tomb.v2"

	"github.com/everstore/everstore-go/connection/transporter"
	"github.com/everstore/everstore-go/logger"
)

const (
	lengthPrefixSize = 4

	// Anything bigger than this is stream corruption, not a frame
	maxFrameLength = 16 * 1024 * 1024
)

type Tcp struct {
	tmb    tomb.Tomb
	logger *logger.Logger
	conn   net.Conn

	// Received frames
	inbound chan *[]byte

	inboundBuffer int
}

func New(logger *logger.Logger, inboundBuffer int) transporter.Transporter {
	return &Tcp{
		logger:        logger,
		inbound:       make(chan *[]byte, inboundBuffer),
		inboundBuffer: inboundBuffer,
	}
}

func (t *Tcp) Close(reason error) {
	if t.conn == nil {
		// never dialed, there is nothing to tear down
		return
	}

	if t.tmb.Alive() {
		t.logger.Infof("Tcp connection closing because: %s", reason)

		// unblocks the reader so the tomb can die
		t.conn.Close()

		t.tmb.Kill(reason)
		t.tmb.Wait()
	} else {
		t.logger.Infof("Close was called while in a dying state")
	}
}

func (t *Tcp) Done() <-chan struct{} {
	return t.tmb.Dead()
}

func (t *Tcp) Err() error {
	return t.tmb.Err()
}

func (t *Tcp) Inbound() <-chan *[]byte {
	return t.inbound
}

func (t *Tcp) Send(frame []byte) error {
	if t.conn == nil {
		return fmt.Errorf("cannot send frame because the tcp connection is closed")
	}

	prefixed := make([]byte, lengthPrefixSize+len(frame))
	binary.LittleEndian.PutUint32(prefixed, uint32(len(frame)))
	copy(prefixed[lengthPrefixSize:], frame)

	_, err := t.conn.Write(prefixed)
	return err
}

func (t *Tcp) Dial(ctx context.Context, address string) (err error) {
	var dialer net.Dialer
	if t.conn, err = dialer.DialContext(ctx, "tcp", address); err != nil {
		return fmt.Errorf("error dialing %s: %w", address, err)
	}

	// Reinitialize our variables in case this is post death
	t.tmb = tomb.Tomb{}
	t.inbound = make(chan *[]byte, t.inboundBuffer)

	t.tmb.Go(t.receive)

	return nil
}

func (t *Tcp) receive() error {
	defer t.logger.Infof("Tcp connection closed")
	t.logger.Infof("Tcp connection started")

	prefix := make([]byte, lengthPrefixSize)
	for {
		if frame, err := t.readFrame(prefix); !t.tmb.Alive() {
			return nil
		} else if err != nil {
			if err == io.EOF {
				t.logger.Info("Tcp connection closed by peer")
			} else {
				t.logger.Error(err)
			}
			return err
		} else {
			select {
			case t.inbound <- &frame:
			case <-t.tmb.Dying():
				return nil
			}
		}
	}
}

func (t *Tcp) readFrame(prefix []byte) ([]byte, error) {
	if _, err := io.ReadFull(t.conn, prefix); err != nil {
		return nil, err
	}

	frameLength := binary.LittleEndian.Uint32(prefix)
	if frameLength > maxFrameLength {
		return nil, fmt.Errorf("refusing %d byte frame, the stream is corrupt", frameLength)
	}

	frame := make([]byte, frameLength)
	if _, err := io.ReadFull(t.conn, frame); err != nil {
		return nil, fmt.Errorf("tcp stream ended mid-frame: %w", err)
	}

	return frame, nil
}
