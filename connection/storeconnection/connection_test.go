package storeconnection

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"github.com/everstore/everstore-go/config"
	"github.com/everstore/everstore-go/connection"
	"github.com/everstore/everstore-go/connection/wire"
	"github.com/everstore/everstore-go/logger"
)

// sentPackage is the server-side view of one frame the client transmitted.
type sentPackage struct {
	pkg  wire.PackageIn
	auth bool
}

// fakeTransport stands in for the tcp transporter. Every Dial opens a fresh
// session whose inbound and death the test scripts directly.
type fakeTransport struct {
	mu            sync.Mutex
	dialErrs      []error
	dials         int
	done          chan struct{}
	inbound       chan *[]byte
	err           error
	sessionClosed bool

	sent chan sentPackage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent: make(chan sentPackage, 100),
	}
}

func (f *fakeTransport) scriptDialFailures(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErrs = errs
}

func (f *fakeTransport) Dial(ctx context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dials++
	if len(f.dialErrs) > 0 {
		err := f.dialErrs[0]
		f.dialErrs = f.dialErrs[1:]
		if err != nil {
			return err
		}
	}

	f.done = make(chan struct{})
	f.inbound = make(chan *[]byte, 100)
	f.err = nil
	f.sessionClosed = false
	return nil
}

func (f *fakeTransport) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) Inbound() <-chan *[]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inbound
}

func (f *fakeTransport) Send(frame []byte) error {
	auth := len(frame) >= 2 && frame[1]&0x01 != 0
	f.sent <- sentPackage{pkg: wire.DecodeFrame(frame), auth: auth}
	return nil
}

func (f *fakeTransport) Close(reason error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done != nil && !f.sessionClosed {
		f.sessionClosed = true
		f.err = reason
		close(f.done)
	}
}

// deliver pushes a server-originated package onto the current session.
func (f *fakeTransport) deliver(cmd wire.Command, correlationId wire.CorrelationId) {
	frame, err := wire.EncodeFrame(wire.PackageOut{
		Message:       wire.Message{Command: cmd},
		CorrelationId: correlationId,
	})
	Expect(err).ToNot(HaveOccurred())

	f.mu.Lock()
	inbound := f.inbound
	f.mu.Unlock()
	inbound <- &frame
}

// dropSession severs the current session the way a peer close would.
func (f *fakeTransport) dropSession() {
	f.Close(fmt.Errorf("connection reset by peer"))
}

func (f *fakeTransport) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

var _ = Describe("StoreConnection", Ordered, func() {
	var conn connection.Connection
	var fake *fakeTransport
	var settings *config.Settings

	log := logger.MockLogger(GinkgoWriter)

	newSettings := func() *config.Settings {
		return &config.Settings{
			Address:              "everstore.test:1113",
			ConnectionTimeout:    time.Second,
			MaxReconnections:     3,
			ReconnectionDelayMin: 10 * time.Millisecond,
			ReconnectionDelayMax: 40 * time.Millisecond,
			// Generous so probes never interleave with the frames under test;
			// heartbeat specs shorten these themselves
			HeartbeatInterval: 2 * time.Second,
			HeartbeatTimeout:  2 * time.Second,
			DefaultCredentials:   &wire.Credentials{Login: "admin", Password: "changeit"},
			PipelineBufferSize:   100,
		}
	}

	newClient := func() (*connection.MockClient, chan wire.Result, chan struct{}) {
		done := make(chan struct{})
		results := make(chan wire.Result, 100)

		client := &connection.MockClient{}
		client.On("Receive", mock.Anything).Run(func(args mock.Arguments) {
			results <- args.Get(0).(wire.Result)
		})
		client.On("Done").Return(done)

		return client, results, done
	}

	startConnection := func() {
		var err error
		conn, err = New(log, settings, fake)
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(func() {
			conn.Close(fmt.Errorf("test over"), 2*time.Second)
		})
		Eventually(conn.Ready).Should(BeTrue(), "connection failed to connect")
	}

	subscribe := func(client *connection.MockClient, results chan wire.Result) wire.CorrelationId {
		conn.SendMessage(client, wire.Message{Command: wire.SubscribeToStream, Payload: []byte("accounts-1")})

		var sent sentPackage
		Eventually(fake.sent).Should(Receive(&sent))
		Expect(sent.pkg.Message.Command).To(Equal(wire.SubscribeToStream))

		fake.deliver(wire.SubscribeCompleted, sent.pkg.CorrelationId)

		var confirmed wire.Result
		Eventually(results).Should(Receive(&confirmed))
		Expect(confirmed.Message.Command).To(Equal(wire.SubscribeCompleted))

		return sent.pkg.CorrelationId
	}

	BeforeEach(func() {
		fake = newFakeTransport()
		settings = newSettings()
	})

	Context("Requests", func() {
		When("a client pings the server", func() {
			It("transmits with default credentials, delivers the pong, and empties the table", func() {
				settings.MaxReconnections = 0
				startConnection()

				client, results, _ := newClient()
				conn.SendMessage(client, wire.Message{Command: wire.Ping})

				var sent sentPackage
				Eventually(fake.sent).Should(Receive(&sent))
				Expect(sent.pkg.Message.Command).To(Equal(wire.Ping))
				Expect(sent.auth).To(BeTrue(), "default credentials were not attached")

				fake.deliver(wire.Pong, sent.pkg.CorrelationId)

				var result wire.Result
				Eventually(results).Should(Receive(&result))
				Expect(result.Err).ToNot(HaveOccurred())
				Expect(result.Message.Command).To(Equal(wire.Pong))

				sc := conn.(*StoreConnection)
				Eventually(func() int { return sc.ops.Len() }).Should(BeZero())
			})
		})
	})

	Context("Heartbeats", func() {
		When("the server goes silent", func() {
			It("probes, times out, drops the session, and reconnects", func() {
				settings.HeartbeatInterval = 30 * time.Millisecond
				settings.HeartbeatTimeout = 30 * time.Millisecond
				startConnection()

				var sent sentPackage
				Eventually(fake.sent).Should(Receive(&sent))
				Expect(sent.pkg.Message.Command).To(Equal(wire.HeartbeatRequest))

				Eventually(fake.Dials).Should(BeNumerically(">=", 2), "the silent session was never replaced")
				Eventually(conn.Ready).Should(BeTrue(), "connection failed to reconnect")
			})
		})

		When("the server answers our probes", func() {
			It("keeps the session alive", func() {
				settings.HeartbeatInterval = 20 * time.Millisecond
				settings.HeartbeatTimeout = 40 * time.Millisecond
				startConnection()

				// Answer every probe for a while
				deadline := time.Now().Add(300 * time.Millisecond)
				for time.Now().Before(deadline) {
					select {
					case sent := <-fake.sent:
						if sent.pkg.Message.Command == wire.HeartbeatRequest {
							fake.deliver(wire.HeartbeatResponse, sent.pkg.CorrelationId)
						}
					case <-time.After(10 * time.Millisecond):
					}
				}

				Expect(fake.Dials()).To(Equal(1), "a healthy session was dropped")
			})
		})

		When("the server probes us", func() {
			It("replies on the same correlation id", func() {
				startConnection()

				probeId := wire.NewCorrelationId()
				fake.deliver(wire.HeartbeatRequest, probeId)

				var sent sentPackage
				Eventually(fake.sent).Should(Receive(&sent))
				Expect(sent.pkg.Message.Command).To(Equal(wire.HeartbeatResponse))
				Expect(sent.pkg.CorrelationId).To(Equal(probeId))
			})
		})

		When("the server pings us", func() {
			It("pongs on the same correlation id", func() {
				startConnection()

				pingId := wire.NewCorrelationId()
				fake.deliver(wire.Ping, pingId)

				var sent sentPackage
				Eventually(fake.sent).Should(Receive(&sent))
				Expect(sent.pkg.Message.Command).To(Equal(wire.Pong))
				Expect(sent.pkg.CorrelationId).To(Equal(pingId))
			})
		})
	})

	Context("Stray responses", func() {
		When("a SubscribeCompleted arrives for an unknown correlation id", func() {
			It("unsubscribes the zombie with default credentials", func() {
				startConnection()

				zombieId := wire.NewCorrelationId()
				fake.deliver(wire.SubscribeCompleted, zombieId)

				var sent sentPackage
				Eventually(fake.sent).Should(Receive(&sent))
				Expect(sent.pkg.Message.Command).To(Equal(wire.Unsubscribe))
				Expect(sent.pkg.CorrelationId).To(Equal(zombieId))
				Expect(sent.auth).To(BeTrue())
			})
		})

		When("any other unsolicited response arrives", func() {
			It("drops it without transmitting anything", func() {
				startConnection()

				fake.deliver(wire.ReadEventCompleted, wire.NewCorrelationId())

				Consistently(fake.sent, 100*time.Millisecond).ShouldNot(Receive())
			})
		})
	})

	Context("Subscriptions", func() {
		When("a client subscribes and the server streams events", func() {
			It("delivers every event to the subscriber", func() {
				startConnection()

				client, results, _ := newClient()
				subId := subscribe(client, results)

				fake.deliver(wire.EventAppeared, subId)
				fake.deliver(wire.EventAppeared, subId)

				var result wire.Result
				Eventually(results).Should(Receive(&result))
				Expect(result.Message.Command).To(Equal(wire.EventAppeared))
				Eventually(results).Should(Receive(&result))
				Expect(result.Message.Command).To(Equal(wire.EventAppeared))
			})
		})

		When("the subscriber sends an unsubscribe", func() {
			It("the live subscription claims it instead of a new operation being created", func() {
				startConnection()

				client, results, _ := newClient()
				subId := subscribe(client, results)

				sc := conn.(*StoreConnection)
				Expect(sc.ops.Len()).To(Equal(1))

				conn.SendMessage(client, wire.Message{Command: wire.Unsubscribe})

				var sent sentPackage
				Eventually(fake.sent).Should(Receive(&sent))
				Expect(sent.pkg.Message.Command).To(Equal(wire.Unsubscribe))
				Expect(sent.pkg.CorrelationId).To(Equal(subId), "the unsubscribe was not claimed by the live subscription")
				Expect(sc.ops.Len()).To(Equal(1))

				fake.deliver(wire.SubscriptionDropped, subId)

				var result wire.Result
				Eventually(results).Should(Receive(&result))
				Expect(result.Message.Command).To(Equal(wire.SubscriptionDropped))
				Eventually(func() int { return sc.ops.Len() }).Should(BeZero())
			})
		})

		When("the peer closes mid-subscription", func() {
			It("retains the subscription and replays it on the next session", func() {
				startConnection()

				client, results, _ := newClient()
				subId := subscribe(client, results)

				fake.dropSession()

				Eventually(fake.Dials).Should(Equal(2), "connection never redialed")

				var sent sentPackage
				Eventually(fake.sent).Should(Receive(&sent))
				Expect(sent.pkg.Message.Command).To(Equal(wire.SubscribeToStream))
				Expect(sent.pkg.CorrelationId).To(Equal(subId))

				// The subscriber must never have seen a connection loss
				Consistently(func() error {
					select {
					case result := <-results:
						return result.Err
					default:
						return nil
					}
				}, 100*time.Millisecond).Should(BeNil())
			})
		})

		When("the subscriber dies", func() {
			It("transmits a farewell unsubscribe and stops delivering", func() {
				startConnection()

				client, results, clientDone := newClient()
				subId := subscribe(client, results)

				close(clientDone)

				var sent sentPackage
				Eventually(fake.sent).Should(Receive(&sent))
				Expect(sent.pkg.Message.Command).To(Equal(wire.Unsubscribe))
				Expect(sent.pkg.CorrelationId).To(Equal(subId))

				sc := conn.(*StoreConnection)
				Eventually(func() int { return sc.ops.Len() }).Should(BeZero())

				fake.deliver(wire.EventAppeared, subId)
				Consistently(results, 100*time.Millisecond).ShouldNot(Receive())
			})
		})
	})

	Context("Reconnecting", func() {
		When("no reconnections are allowed", func() {
			It("terminates on the first failed dial", func() {
				settings.MaxReconnections = 0
				fake.scriptDialFailures(fmt.Errorf("connection refused"))

				var err error
				conn, err = New(log, settings, fake)
				Expect(err).ToNot(HaveOccurred())

				Eventually(conn.Done()).Should(BeClosed())
				Expect(conn.Err()).To(BeAssignableToTypeOf(&connection.ConnectionRefusedError{}))
				Expect(fake.Dials()).To(Equal(1))
			})
		})

		When("the budget runs out", func() {
			It("terminates and fails every pending operation", func() {
				settings.MaxReconnections = 2
				refused := fmt.Errorf("connection refused")
				fake.scriptDialFailures(refused, refused, refused, refused)

				var err error
				conn, err = New(log, settings, fake)
				Expect(err).ToNot(HaveOccurred())

				// Submitted while connecting; never transmitted
				client, results, _ := newClient()
				conn.SendMessage(client, wire.Message{Command: wire.Ping})

				Eventually(conn.Done()).Should(BeClosed())
				Expect(conn.Err()).To(BeAssignableToTypeOf(&connection.ConnectionRefusedError{}))
				Expect(fake.Dials()).To(Equal(3))

				var result wire.Result
				Eventually(results).Should(Receive(&result))
				Expect(result.Err).To(BeAssignableToTypeOf(&connection.ConnectionLostError{}))
			})
		})

		When("packages are submitted while disconnected", func() {
			It("holds them and transmits once connected", func() {
				fake.scriptDialFailures(fmt.Errorf("connection refused"))

				var err error
				conn, err = New(log, settings, fake)
				Expect(err).ToNot(HaveOccurred())
				DeferCleanup(func() {
					conn.Close(fmt.Errorf("test over"), 2*time.Second)
				})

				client, _, _ := newClient()
				conn.SendMessage(client, wire.Message{Command: wire.Ping})

				Eventually(conn.Ready).Should(BeTrue())

				var sent sentPackage
				Eventually(fake.sent).Should(Receive(&sent))
				Expect(sent.pkg.Message.Command).To(Equal(wire.Ping))
			})
		})
	})

	Context("Close", func() {
		When("it is closed from above", func() {
			It("dies and fails its operations", func() {
				startConnection()

				client, results, _ := newClient()
				subscribe(client, results)

				conn.Close(fmt.Errorf("felt like it"), 2*time.Second)

				Eventually(conn.Done()).Should(BeClosed())
				Expect(conn.Ready()).To(BeFalse(), "the connection is still alive")

				var result wire.Result
				Eventually(results).Should(Receive(&result))
				Expect(result.Err).To(BeAssignableToTypeOf(&connection.ConnectionLostError{}))
			})
		})
	})
})
