package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ClaimsWon = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "classflow", Name: "claims_won_total", Help: "Tutor claims that won the assignment race",
	})
	ClaimsLost = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classflow", Name: "claims_lost_total", Help: "Tutor claims that lost, by reason",
	}, []string{"reason"})
	SessionsMaterialized = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "classflow", Name: "sessions_materialized_total", Help: "Sessions created by the scheduler",
	})
	DisputesOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "classflow", Name: "disputes_opened_total", Help: "Attendance disputes opened",
	})
	DisputesResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "classflow", Name: "disputes_resolved_total", Help: "Attendance disputes resolved by staff",
	})
)

func init() {
	prometheus.MustRegister(ClaimsWon, ClaimsLost, SessionsMaterialized, DisputesOpened, DisputesResolved)
}

func Handler() http.Handler { return promhttp.Handler() }
