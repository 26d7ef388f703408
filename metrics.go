package mxconnect

import "github.com/prometheus/client_golang/prometheus"

// mxLevelCnt and daneLevelCnt track the security posture of established
// connections, generalized from the teacher's per-target mx_level/tls_level
// counters (internal/target/remote/metrics.go) into library-wide counters
// keyed by the caller-visible security level label.
var mxLevelCnt = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mxconnect",
		Name:      "conns_mx_level",
		Help:      "Outbound connections established with a specific MX security level",
	},
	[]string{"level"},
)

var daneLevelCnt = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mxconnect",
		Name:      "conns_dane_level",
		Help:      "Outbound connections established with a specific DANE verification outcome",
	},
	[]string{"level"},
)

func init() {
	prometheus.MustRegister(mxLevelCnt)
	prometheus.MustRegister(daneLevelCnt)
}

// mxSecurityLevel classifies a completed connection for metrics purposes.
func mxSecurityLevel(conn *Connection) string {
	switch {
	case conn.PolicyMatch != nil && conn.PolicyMatch.Valid:
		return "mtasts"
	default:
		return "none"
	}
}

func daneSecurityLevel(conn *Connection) string {
	switch {
	case conn.DaneEnabled && conn.DaneVerifier != nil:
		return "dane"
	default:
		return "none"
	}
}

// recordConnectionMetrics is invoked by the connection engine once a
// candidate wins the race (§4.7 step 7).
func recordConnectionMetrics(conn *Connection) {
	mxLevelCnt.WithLabelValues(mxSecurityLevel(conn)).Inc()
	daneLevelCnt.WithLabelValues(daneSecurityLevel(conn)).Inc()
}
