package storeconnection

import (
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("heartbeatTimer", func() {
	Context("Firing", func() {
		When("nothing cancels it", func() {
			It("fires due first and timeout later, both with the epoch id", func() {
				dueChan := make(chan uint64, 1)
				timeoutChan := make(chan uint64, 1)

				timer := newHeartbeatTimer(7, 20*time.Millisecond, 60*time.Millisecond,
					func(id uint64) { dueChan <- id },
					func(id uint64) { timeoutChan <- id },
				)
				defer timer.Cancel()

				Eventually(dueChan).Should(Receive(Equal(uint64(7))))
				Consistently(timeoutChan, 20*time.Millisecond).ShouldNot(Receive())
				Eventually(timeoutChan).Should(Receive(Equal(uint64(7))))
			})
		})
	})

	Context("Cancellation", func() {
		When("cancelled before the first deadline", func() {
			It("fires neither timer", func() {
				var fired atomic.Int32
				count := func(id uint64) { fired.Add(1) }

				timer := newHeartbeatTimer(0, 20*time.Millisecond, 20*time.Millisecond, count, count)
				timer.Cancel()

				Consistently(func() int32 { return fired.Load() }, 60*time.Millisecond).Should(BeZero())
			})
		})

		It("tolerates being cancelled twice", func() {
			timer := newHeartbeatTimer(0, time.Minute, time.Minute, func(uint64) {}, func(uint64) {})
			timer.Cancel()
			timer.Cancel()
		})
	})
})
