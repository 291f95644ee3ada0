/*
This package is the connection manager of the client: a single long-lived
state machine that owns the socket and the pipeline, multiplexes every
concurrent request and subscription over the one session, enforces liveness
with heartbeats, and re-establishes the session with bounded backoff when it
is lost.

Layers of the connection architecture:
1. Transporter
2. Pipeline
3. Connection Manager <- this is us

See connection/connection.go for more information.

The manager runs a single event loop; every socket callback, timer and client
submission is posted to the mailbox and handled to completion in order. State
transitions, the operation table and the heartbeat epoch are only ever touched
from inside that loop.
*/
package storeconnection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/everstore/everstore-go/config"
	"github.com/everstore/everstore-go/connection"
	"github.com/everstore/everstore-go/connection/operation"
	"github.com/everstore/everstore-go/connection/pipeline"
	"github.com/everstore/everstore-go/connection/transporter"
	"github.com/everstore/everstore-go/connection/wire"
	"github.com/everstore/everstore-go/logger"
	"github.com/everstore/everstore-go/telemetry/throughputstats"
)

type connectionState int

const (
	stateConnecting connectionState = iota
	stateConnected
	stateReconnecting
	stateTerminated
)

const mailboxSize = 256

type StoreConnection struct {
	tmb      tomb.Tomb
	logger   *logger.Logger
	settings *config.Settings

	// This is our underlying connection; a single instance redialed across
	// sessions
	transport transporter.Transporter

	// Message-level codec for the current session, nil unless connected
	pipe *pipeline.Pipeline

	// Every in-flight request and subscription, keyed by correlation id and
	// by owning client
	ops *operation.Table

	// Clients we have begun watching for death; retained across reconnects
	watched map[connection.Client]bool

	events chan event
	state  connectionState

	// Incremented on every dial so events from dead sessions can be ignored
	session uint64

	heartbeatId uint64
	heartbeat   *heartbeatTimer

	retry    *RetrySchedule
	attempts int

	ready atomic.Bool

	// Telemetry object to keep track of stats
	intervalStats *throughputstats.ThroughputStats
	start         time.Time
}

func New(
	logger *logger.Logger,
	settings *config.Settings,
	transport transporter.Transporter,
) (connection.Connection, error) {

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	conn := StoreConnection{
		logger:    logger,
		settings:  settings,
		transport: transport,
		ops:       operation.NewTable(),
		watched:   make(map[connection.Client]bool),
		events:    make(chan event, mailboxSize),
		state:     stateConnecting,
		start:     time.Now(),
	}
	conn.intervalStats = throughputstats.New("Packages", conn.tmb.Dead())

	conn.tmb.Go(conn.run)

	return &conn, nil
}

func (s *StoreConnection) run() error {
	s.logger.Infof("Connection has started")
	defer s.logger.Infof("Connection has stopped")

	s.startConnect()

	for {
		select {
		case <-s.tmb.Dying():
			s.shutdown()
			return nil
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

// Send submits a fully formed outbound package on behalf of a client.
func (s *StoreConnection) Send(client connection.Client, pkg wire.PackageOut) {
	s.post(outgoingEvent{client: client, pkg: pkg})
}

// SendMessage wraps a bare message into a package with a fresh correlation id
// and the configured default credentials.
func (s *StoreConnection) SendMessage(client connection.Client, msg wire.Message) {
	s.SendMessageWith(client, msg, s.settings.DefaultCredentials)
}

func (s *StoreConnection) SendMessageWith(client connection.Client, msg wire.Message, creds *wire.Credentials) {
	s.Send(client, wire.PackageOut{
		Message:       msg,
		CorrelationId: wire.NewCorrelationId(),
		Credentials:   creds,
	})
}

func (s *StoreConnection) Ready() bool {
	return s.ready.Load()
}

func (s *StoreConnection) Done() <-chan struct{} {
	return s.tmb.Dead()
}

func (s *StoreConnection) Err() error {
	return s.tmb.Err()
}

func (s *StoreConnection) Close(reason error, timeout time.Duration) {
	if s.tmb.Alive() {
		s.logger.Infof("Connection closing because: %s", reason)

		s.tmb.Kill(reason)

		select {
		case <-s.tmb.Dead():
		case <-time.After(timeout):
			s.logger.Infof("Timed out after %s waiting for connection to close", timeout.String())
		}
	} else {
		s.logger.Infof("Close was called while in a dying state")
	}
}

func (s *StoreConnection) Stats() json.RawMessage {
	m := map[string]any{
		"connected":  s.ready.Load(),
		"throughput": s.intervalStats.Digest(),
		"lifetime":   time.Since(s.start).Round(time.Second).String(),
	}

	if mBytes, err := json.Marshal(m); err != nil {
		s.logger.Errorf("failed to marshal stats object: %s", err)
		return []byte{}
	} else {
		return mBytes
	}
}

// post delivers an event to the mailbox unless the connection is dying.
func (s *StoreConnection) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.tmb.Dying():
	}
}

func (s *StoreConnection) handle(ev event) {
	if s.state == stateTerminated {
		return
	}

	// Events that behave the same in every live state
	switch ev := ev.(type) {
	case outgoingEvent:
		s.accept(ev.client, ev.pkg)
		return
	case clientTerminatedEvent:
		s.clientTerminated(ev.client)
		return
	}

	switch s.state {
	case stateConnecting, stateReconnecting:
		switch ev := ev.(type) {
		case connectedEvent:
			if ev.session == s.session {
				s.onConnected()
			}
		case connectFailedEvent:
			if ev.session == s.session {
				s.onConnectFailed(ev.err)
			}
		case retryTickEvent:
			if ev.session == s.session && s.state == stateReconnecting {
				s.startConnect()
			}
		}
		// Incoming and session-scoped failures from older sessions are
		// ignored here; there is no pipeline to speak through

	case stateConnected:
		switch ev := ev.(type) {
		case incomingEvent:
			if ev.session == s.session {
				s.acceptIncoming(ev.pkg)
			}
		case heartbeatDueEvent:
			if ev.session == s.session && ev.id == s.heartbeatId {
				s.transmit(wire.PackageOut{
					Message:       wire.Message{Command: wire.HeartbeatRequest},
					CorrelationId: wire.NewCorrelationId(),
				})
			}
		case heartbeatTimeoutEvent:
			if ev.session == s.session && ev.id == s.heartbeatId {
				s.onSessionLost(fmt.Errorf("no heartbeat within %s", s.settings.HeartbeatTimeout))
			}
		case connectionClosedEvent:
			if ev.session == s.session {
				s.onSessionLost(s.closeReason(ev.reason, "connection closed by peer"))
			}
		case pipelineDeadEvent:
			if ev.session == s.session {
				// the session cannot outlive its codec: abort the socket,
				// then treat it like a peer close
				reason := &connection.PipelineClosedError{Reason: s.closeReason(ev.reason, "unknown").Error()}
				s.onSessionLost(reason)
			}
		}
	}
}

// accept applies the claim rule to an outbound package: an existing operation
// gets first refusal before a new one is created.
func (s *StoreConnection) accept(client connection.Client, pkg wire.PackageOut) {
	claimed, ok := s.ops.ById(pkg.CorrelationId)
	if !ok {
		for _, op := range s.ops.ByClient(client) {
			if op.ClaimsOutgoing(pkg.Message) {
				claimed, ok = op, true
				break
			}
		}
	}

	if ok {
		if !claimed.ClaimsOutgoing(pkg.Message) {
			s.logger.Debugf("operation %s does not absorb outgoing %s message, dropping it", claimed.Id(), pkg.Message.Command)
			return
		}

		prevId := claimed.Id()
		if next, keep := claimed.ApplyOutgoing(pkg.Message); keep {
			s.ops.Update(prevId, next)
		} else {
			s.ops.RemoveById(prevId)
		}
		return
	}

	s.watch(client)

	if s.state == stateConnected {
		s.transmit(pkg)
	}

	s.ops.Insert(operation.New(pkg, client, s.transmit))
}

func (s *StoreConnection) acceptIncoming(pkg wire.PackageIn) {
	s.intervalStats.CountInbound(1)

	if pkg.Err == nil {
		switch pkg.Message.Command {
		case wire.HeartbeatRequest:
			// A server->client probe. We answer it, but it says nothing about
			// whether the server answers OUR probes, so the heartbeat epoch
			// stays untouched.
			s.transmit(wire.PackageOut{
				Message:       wire.Message{Command: wire.HeartbeatResponse},
				CorrelationId: pkg.CorrelationId,
			})
			return
		case wire.Ping:
			s.transmit(wire.PackageOut{
				Message:       wire.Message{Command: wire.Pong},
				CorrelationId: pkg.CorrelationId,
			})
			return
		}
	}

	if op, ok := s.ops.ById(pkg.CorrelationId); ok {
		prevId := op.Id()
		if next, keep := op.InspectIn(pkg.Result()); keep {
			s.ops.Update(prevId, next)
		} else {
			s.ops.RemoveById(prevId)
		}
	} else {
		s.stray(pkg)
	}

	// Any well-formed frame is evidence the server is alive
	s.rearmHeartbeat()
}

// stray handles inbound packages with no matching operation.
func (s *StoreConnection) stray(pkg wire.PackageIn) {
	if pkg.Err != nil {
		s.logger.Warnf("received undecodable frame with no matching operation: %s", pkg.Err)
		return
	}

	switch pkg.Message.Command {
	case wire.SubscribeCompleted:
		// A subscription we no longer know about was confirmed; unsubscribe
		// it so the server does not keep streaming into the void
		s.logger.Warnf("unsubscribing zombie subscription with correlation id %s", pkg.CorrelationId)
		s.transmit(wire.PackageOut{
			Message:       wire.Message{Command: wire.Unsubscribe},
			CorrelationId: pkg.CorrelationId,
			Credentials:   s.settings.DefaultCredentials,
		})
	case wire.Pong, wire.HeartbeatResponse, wire.SubscriptionDropped:
		// Expected strays: answers to probes we do not track and drops of
		// subscriptions we already removed
	default:
		s.logger.Warnf("dropping unsolicited %s response with correlation id %s", pkg.Message.Command, pkg.CorrelationId)
	}
}

func (s *StoreConnection) clientTerminated(client connection.Client) {
	delete(s.watched, client)

	for _, op := range s.ops.ByClient(client) {
		if farewell := op.ClientTerminated(); farewell != nil && s.state == stateConnected {
			s.transmit(*farewell)
		}
		s.ops.Remove(op)
	}
}

// watch starts a single death watch per client, kept across reconnects.
func (s *StoreConnection) watch(client connection.Client) {
	if s.watched[client] {
		return
	}
	s.watched[client] = true

	go func() {
		select {
		case <-s.tmb.Dying():
		case <-client.Done():
			s.post(clientTerminatedEvent{client: client})
		}
	}()
}

// transmit writes a package through the current pipeline. Operations hold
// this as their Sender; while the session is down it drops the package and
// relies on replay.
func (s *StoreConnection) transmit(pkg wire.PackageOut) {
	if s.pipe == nil {
		s.logger.Debugf("no live session, dropping outbound %s package", pkg.Message.Command)
		return
	}

	if err := s.pipe.Send(pkg); err != nil {
		s.logger.Errorf("failed to send %s package: %s", pkg.Message.Command, err)
		return
	}

	s.intervalStats.CountOutbound(1)
}

func (s *StoreConnection) startConnect() {
	s.session++
	s.attempts++
	sess := s.session

	s.logger.Infof("Establishing connection with %s", s.settings.Address)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.settings.ConnectionTimeout)
		defer cancel()

		go func() {
			select {
			case <-ctx.Done():
			case <-s.tmb.Dying():
				cancel()
			}
		}()

		if err := s.transport.Dial(ctx, s.settings.Address); err != nil {
			s.post(connectFailedEvent{session: sess, err: err})
			return
		}

		select {
		case <-s.tmb.Dying():
			// nobody is left to adopt this socket
			s.transport.Close(fmt.Errorf("connection closed while dialing"))
		default:
			s.post(connectedEvent{session: sess})
		}
	}()
}

func (s *StoreConnection) onConnected() {
	s.logger.Infof("Successfully connected to %s", s.settings.Address)

	s.pipe = pipeline.New(s.logger.GetComponentLogger("Pipeline"), s.transport, s.settings.PipelineBufferSize)
	s.pipe.Start()

	// Replay every retained operation on the fresh session
	for _, op := range s.ops.All() {
		prevId := op.Id()
		if next, keep := op.Connected(s.transmit); keep {
			s.ops.Update(prevId, next)
		} else {
			s.ops.RemoveById(prevId)
		}
	}

	s.spawnSessionWatchers()

	s.state = stateConnected
	s.ready.Store(true)
	s.retry = nil
	s.heartbeatId = 0
	s.armHeartbeat()
}

// spawnSessionWatchers forwards pipeline traffic and child deaths for the
// current session into the mailbox.
func (s *StoreConnection) spawnSessionWatchers() {
	sess := s.session
	pipe := s.pipe
	transport := s.transport

	go func() {
		for {
			select {
			case <-s.tmb.Dying():
				return
			case <-pipe.Done():
				s.post(pipelineDeadEvent{session: sess, reason: pipe.Err()})
				return
			case pkg := <-pipe.Inbound():
				s.post(incomingEvent{session: sess, pkg: *pkg})
			}
		}
	}()

	go func() {
		select {
		case <-s.tmb.Dying():
		case <-transport.Done():
			s.post(connectionClosedEvent{session: sess, reason: transport.Err()})
		}
	}()
}

func (s *StoreConnection) onConnectFailed(err error) {
	s.logger.Infof("Failed to connect to %s: %s", s.settings.Address, err)

	if s.retry == nil {
		s.retry = NewRetrySchedule(s.settings.MaxReconnections, s.settings.ReconnectionDelayMin, s.settings.ReconnectionDelayMax)
	}

	s.scheduleRetry()
}

// onSessionLost tears down a live session and moves to reconnecting. The
// heartbeat timers are cancelled before anything else so they cannot fire
// against the next session's state.
func (s *StoreConnection) onSessionLost(reason error) {
	s.logger.Infof("Lost connection to the server: %s", reason)

	s.cancelHeartbeat()
	s.ready.Store(false)

	if s.pipe != nil {
		s.pipe.Close(reason)
		s.pipe = nil
	}
	s.transport.Close(reason)

	for _, op := range s.ops.All() {
		prevId := op.Id()
		if next, keep := op.ConnectionLost(); keep {
			s.ops.Update(prevId, next)
		} else {
			s.ops.RemoveById(prevId)
			op.Client().Receive(wire.Result{Err: &connection.ConnectionLostError{Reason: reason.Error()}})
		}
	}

	s.retry = NewRetrySchedule(s.settings.MaxReconnections, s.settings.ReconnectionDelayMin, s.settings.ReconnectionDelayMax)
	s.scheduleRetry()
}

func (s *StoreConnection) scheduleRetry() {
	delay, ok := s.retry.Next()
	if !ok {
		s.terminate(&connection.ConnectionRefusedError{Attempts: s.attempts})
		return
	}

	s.state = stateReconnecting
	s.logger.Infof("Retrying in %s", delay)

	sess := s.session
	time.AfterFunc(delay, func() {
		s.post(retryTickEvent{session: sess})
	})
}

// terminate is the absorbing failure state: every remaining operation's
// client is told the connection is gone for good.
func (s *StoreConnection) terminate(reason error) {
	s.logger.Error(reason)

	s.cancelHeartbeat()
	s.ready.Store(false)
	s.state = stateTerminated

	s.failAllOperations(reason)

	s.tmb.Kill(reason)
}

// shutdown runs once the tomb is dying, whether from terminate or an external
// Close.
func (s *StoreConnection) shutdown() {
	s.cancelHeartbeat()
	s.ready.Store(false)

	reason := s.tmb.Err()
	if reason == nil {
		reason = fmt.Errorf("connection closed")
	}
	s.failAllOperations(reason)

	if s.pipe != nil {
		s.pipe.Close(reason)
		s.pipe = nil
	}
	s.transport.Close(reason)
}

func (s *StoreConnection) failAllOperations(reason error) {
	for _, op := range s.ops.All() {
		s.ops.Remove(op)
		op.Client().Receive(wire.Result{Err: &connection.ConnectionLostError{Reason: reason.Error()}})
	}
}

func (s *StoreConnection) armHeartbeat() {
	sess := s.session
	s.heartbeat = newHeartbeatTimer(
		s.heartbeatId,
		s.settings.HeartbeatInterval,
		s.settings.HeartbeatTimeout,
		func(id uint64) { s.post(heartbeatDueEvent{session: sess, id: id}) },
		func(id uint64) { s.post(heartbeatTimeoutEvent{session: sess, id: id}) },
	)
}

func (s *StoreConnection) rearmHeartbeat() {
	s.cancelHeartbeat()
	s.heartbeatId++
	s.armHeartbeat()
}

func (s *StoreConnection) cancelHeartbeat() {
	if s.heartbeat != nil {
		s.heartbeat.Cancel()
		s.heartbeat = nil
	}
}

func (s *StoreConnection) closeReason(err error, fallback string) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("%s", fallback)
}
