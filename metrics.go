package serenity

import "github.com/prometheus/client_golang/prometheus"

var (
	serenityEventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serenity_events_total",
			Help: "Gateway events received",
		},
		[]string{"identifier"},
	)

	serenityDispatchEventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serenity_dispatch_events_by_type_total",
			Help: "Dispatch events received by type",
		},
		[]string{"identifier", "type"},
	)

	serenityGatewayLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "serenity_gateway_latency",
			Help: "Gateway heartbeat round trip time in milliseconds",
		},
		[]string{"identifier", "shard"},
	)

	serenityShardStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "serenity_shard_status",
			Help: "Current shard status",
		},
		[]string{"identifier", "shard"},
	)

	serenityReconnectCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "serenity_shard_reconnects_total",
			Help: "Shard reconnect attempts",
		},
		[]string{"identifier", "shard"},
	)
)

func init() {
	prometheus.MustRegister(
		serenityEventCount,
		serenityDispatchEventCount,
		serenityGatewayLatency,
		serenityShardStatus,
		serenityReconnectCount,
	)
}
