package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	ProcessLatency      = metric.NewHistogram("1m1s")
	AggregateSize       = metric.NewHistogram("10s1s")
	OgmRecvPerSecond    = metric.NewCounter("10s1s")
	OgmSentPerSecond    = metric.NewCounter("10s1s")
	FramesSentPerSecond = metric.NewCounter("10s1s")
	RecvBytesPerSecond  = metric.NewCounter("10s1s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("bativ:AggregateSize", AggregateSize)
	expvar.Publish("bativ:OgmRecv/s", OgmRecvPerSecond)
	expvar.Publish("bativ:OgmSent/s", OgmSentPerSecond)
	expvar.Publish("bativ:FramesSent/s", FramesSentPerSecond)
	expvar.Publish("bativ:RecvBytes/s", RecvBytesPerSecond)
	expvar.Publish("bativ:ProcessLatency (µs)", ProcessLatency)
}
