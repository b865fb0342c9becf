package mirror

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/maxpoletaev/vstore/storage"
)

type Metrics struct {
	Pushes    *prometheus.CounterVec
	Conflicts prometheus.Counter
	Pending   prometheus.Gauge
	Degraded  prometheus.Gauge
}

// NewMetrics creates the mirror metrics and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Pushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vstore_mirror_pushes_total",
			Help: "Pushes to the remote store by result",
		}, []string{"result"}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "vstore_mirror_conflicts_total",
			Help: "Diverged records detected between the local and the remote store",
		}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "vstore_mirror_pending_keys",
			Help: "Keys with local writes not confirmed by the remote store",
		}),
		Degraded: f.NewGauge(prometheus.GaugeOpts{
			Name: "vstore_mirror_degraded",
			Help: "1 while the remote store is unreachable for at least one key",
		}),
	}
}

func pushResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrVersionConflict):
		return "conflict"
	case errors.Is(err, storage.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, storage.ErrAmbiguous):
		return "ambiguous"
	default:
		return "error"
	}
}

func (m *Metrics) observePush(err error) {
	m.Pushes.WithLabelValues(pushResult(err)).Inc()
}

func isAmbiguous(err error) bool {
	return errors.Is(err, storage.ErrAmbiguous)
}
