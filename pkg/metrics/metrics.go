package metrics

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	writeConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governance_write_conflicts_total",
		Help: "Storage-level constraint violations surfaced as conflicts, by kind.",
	}, []string{"kind"})

	invitationActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governance_invitation_actions_total",
		Help: "Invitation lifecycle actions, by action.",
	}, []string{"action"})
)

func RecordWriteConflict(kind string) {
	writeConflicts.WithLabelValues(kind).Inc()
}

func RecordInvitationAction(action string) {
	invitationActions.WithLabelValues(action).Inc()
}

func Register(r *mux.Router, path string) {
	if path == "" {
		path = "/debug/prometheus"
	}
	r.Handle(path, promhttp.Handler()).Methods(http.MethodGet)
}
