package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	FlowsInitiatedTotal      prometheus.Counter
	LoginSuccessTotal        prometheus.Counter
	NoAccessTotal            prometheus.Counter
	RolePickersRenderedTotal prometheus.Counter
	FlowErrorsTotal          *prometheus.CounterVec
)

// InitCustomMetrics initializes and registers the service's Prometheus
// metrics. It should be called once at application startup.
func InitCustomMetrics(reg prometheus.Registerer) {
	FlowsInitiatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "awsfed_flows_initiated_total",
		Help: "Total number of login flows started (redirects to the identity provider).",
	})
	LoginSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "awsfed_logins_success_total",
		Help: "Total number of completed console sign-in redirects.",
	})
	NoAccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "awsfed_no_access_total",
		Help: "Total number of authenticated users with zero assumable roles.",
	})
	RolePickersRenderedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "awsfed_role_pickers_rendered_total",
		Help: "Total number of role selection forms rendered.",
	})
	FlowErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "awsfed_flow_errors_total",
		Help: "Total number of terminal flow errors by kind.",
	}, []string{"kind"})

	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register custom metrics.")
		return
	}
	for _, c := range []prometheus.Collector{
		FlowsInitiatedTotal,
		LoginSuccessTotal,
		NoAccessTotal,
		RolePickersRenderedTotal,
		FlowErrorsTotal,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("Failed to register metric")
		}
	}
	log.Info().Msg("Custom Prometheus metrics registered.")
}
