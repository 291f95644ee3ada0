/*
The throughputstats package keeps cheap inbound/outbound counters for a single
connection so that its Stats digest can report live rates. The meters come
from go-metrics; they are stopped when the owning connection dies.
*/
package throughputstats

import (
	"github.com/rcrowley/go-metrics"
)

type Digest struct {
	Unit          string  `json:"unit"`
	InboundTotal  int64   `json:"inboundTotal"`
	OutboundTotal int64   `json:"outboundTotal"`
	InboundRate1  float64 `json:"inboundPerSec1m"`
	OutboundRate1 float64 `json:"outboundPerSec1m"`
}

type ThroughputStats struct {
	unit     string
	inbound  metrics.Meter
	outbound metrics.Meter
}

func New(unit string, done <-chan struct{}) *ThroughputStats {
	t := &ThroughputStats{
		unit:     unit,
		inbound:  metrics.NewMeter(),
		outbound: metrics.NewMeter(),
	}

	go func() {
		<-done
		t.inbound.Stop()
		t.outbound.Stop()
	}()

	return t
}

func (t *ThroughputStats) Reset() {
	t.inbound.Stop()
	t.outbound.Stop()
	t.inbound = metrics.NewMeter()
	t.outbound = metrics.NewMeter()
}

func (t *ThroughputStats) CountInbound(n int) {
	t.inbound.Mark(int64(n))
}

func (t *ThroughputStats) CountOutbound(n int) {
	t.outbound.Mark(int64(n))
}

func (t *ThroughputStats) Digest() Digest {
	return Digest{
		Unit:          t.unit,
		InboundTotal:  t.inbound.Count(),
		OutboundTotal: t.outbound.Count(),
		InboundRate1:  t.inbound.Rate1(),
		OutboundRate1: t.outbound.Rate1(),
	}
}
