/*
The pipeline package is the protocol handler sitting between the transporter
and the connection manager. It decodes inbound frames into packages and
encodes outbound packages into frames. A frame that fails to decode is still
delivered as a package carrying the decode error; only the transporter dying
underneath us kills the pipeline.
*/
package pipeline

import (
	"fmt"

	"gopkg.in/tomb.v2"

	"github.com/everstore/everstore-go/connection/transporter"
	"github.com/everstore/everstore-go/connection/wire"
	"github.com/everstore/everstore-go/logger"
)

type Pipeline struct {
	tmb      tomb.Tomb
	logger   *logger.Logger
	doneChan chan struct{}

	client  transporter.Transporter
	inbound chan *wire.PackageIn
}

func New(logger *logger.Logger, client transporter.Transporter, inboundBuffer int) *Pipeline {
	return &Pipeline{
		logger:   logger,
		client:   client,
		doneChan: make(chan struct{}),
		inbound:  make(chan *wire.PackageIn, inboundBuffer),
	}
}

// Start spawns the read pump against an already-dialed transporter.
func (p *Pipeline) Start() {
	p.tmb.Go(func() error {
		defer p.logger.Info("Pipeline processing done")
		defer close(p.doneChan)

		for {
			select {
			case <-p.tmb.Dying(): // death from Close() call
				return nil
			case <-p.client.Done():
				return fmt.Errorf("transport closed underneath the pipeline")
			case frame := <-p.client.Inbound():
				pkg := wire.DecodeFrame(*frame)
				if pkg.Err != nil {
					p.logger.Errorf("inbound frame failed to decode: %s", pkg.Err)
				}

				select {
				case p.inbound <- &pkg:
				case <-p.tmb.Dying():
					return nil
				}
			}
		}
	})
}

func (p *Pipeline) Close(reason error) {
	if !p.tmb.Alive() {
		return
	}

	p.tmb.Kill(reason)
	p.tmb.Wait()
}

func (p *Pipeline) Err() error {
	return p.tmb.Err()
}

func (p *Pipeline) Done() <-chan struct{} {
	return p.doneChan
}

func (p *Pipeline) Inbound() <-chan *wire.PackageIn {
	return p.inbound
}

// Send encodes a package and writes it to the transporter.
func (p *Pipeline) Send(pkg wire.PackageOut) error {
	frame, err := wire.EncodeFrame(pkg)
	if err != nil {
		return fmt.Errorf("failed to encode %s package: %w", pkg.Message.Command, err)
	}

	return p.client.Send(frame)
}
