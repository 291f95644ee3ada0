package storeconnection

import (
	"time"
)

// heartbeatTimer bundles the two one-shot timers of one heartbeat epoch: one
// that makes the manager probe the server, and a later one that declares the
// server dead if nothing arrived in the meantime. Both fire with the epoch id
// they were armed with so the manager can reject events from cancelled
// epochs that were already in flight.
type heartbeatTimer struct {
	due     *time.Timer
	timeout *time.Timer
}

func newHeartbeatTimer(id uint64, interval, timeout time.Duration, onDue, onTimeout func(id uint64)) *heartbeatTimer {
	return &heartbeatTimer{
		due:     time.AfterFunc(interval, func() { onDue(id) }),
		timeout: time.AfterFunc(interval+timeout, func() { onTimeout(id) }),
	}
}

// Cancel stops both timers. Safe to call more than once; a timer that has
// already fired is left alone.
func (h *heartbeatTimer) Cancel() {
	h.due.Stop()
	h.timeout.Stop()
}
