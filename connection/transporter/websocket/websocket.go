/*
The websocket package ferries the same frames as the tcp transporter over a
websocket. Binary websocket messages already arrive delimited, so no length
prefix is needed; each message is one frame. This exists for deployments where
the server is only reachable through an HTTP-capable edge.
*/
package websocket

import (
	"context"
	"fmt"

	gorilla "github.com/gorilla/websocket"
	"gopkg.in/tomb.v2"

	"github.com/everstore/everstore-go/connection/transporter"
	"github.com/everstore/everstore-go/logger"
)

type Websocket struct {
	tmb    tomb.Tomb
	logger *logger.Logger
	client *gorilla.Conn

	// Received frames
	inbound chan *[]byte

	inboundBuffer int
}

func New(logger *logger.Logger, inboundBuffer int) transporter.Transporter {
	return &Websocket{
		logger:        logger,
		inbound:       make(chan *[]byte, inboundBuffer),
		inboundBuffer: inboundBuffer,
	}
}

func (w *Websocket) Close(reason error) {
	if w.client == nil {
		// never dialed, there is nothing to tear down
		return
	}

	if w.tmb.Alive() {
		w.logger.Infof("Websocket connection closing because: %s", reason)

		w.client.Close()

		w.tmb.Kill(reason)
		w.tmb.Wait()
	} else {
		w.logger.Infof("Close was called while in a dying state")
	}
}

func (w *Websocket) Done() <-chan struct{} {
	return w.tmb.Dead()
}

func (w *Websocket) Err() error {
	return w.tmb.Err()
}

func (w *Websocket) Inbound() <-chan *[]byte {
	return w.inbound
}

func (w *Websocket) Send(frame []byte) error {
	if w.client == nil {
		return fmt.Errorf("cannot send frame because the websocket is closed")
	}
	return w.client.WriteMessage(gorilla.BinaryMessage, frame)
}

func (w *Websocket) Dial(ctx context.Context, address string) (err error) {
	if w.client, _, err = gorilla.DefaultDialer.DialContext(ctx, address, nil); err != nil {
		return fmt.Errorf("error dialing websocket %s: %w", address, err)
	}

	// Reinitialize our variables in case this is post death
	w.tmb = tomb.Tomb{}
	w.inbound = make(chan *[]byte, w.inboundBuffer)

	w.tmb.Go(w.receive)

	return nil
}

func (w *Websocket) receive() error {
	defer w.logger.Infof("Websocket connection closed")
	w.logger.Infof("Websocket connection started")

	for {
		if _, frame, err := w.client.ReadMessage(); !w.tmb.Alive() {
			return nil
		} else if err != nil {
			if gorilla.IsCloseError(err, gorilla.CloseNormalClosure) {
				w.logger.Info("Websocket connection closed normally")
			} else {
				w.logger.Error(err)
			}
			return err
		} else {
			select {
			case w.inbound <- &frame:
			case <-w.tmb.Dying():
				return nil
			}
		}
	}
}
