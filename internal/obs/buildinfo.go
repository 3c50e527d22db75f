package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce  sync.Once
	buildInfoGauge *prometheus.GaugeVec
)

// InitBuildInfo exposes build_info{version,commit} = 1. Registration happens
// on first call; later calls only move the labels.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		buildInfoGauge = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "build_info",
				Help: "Keygate API build information.",
			},
			[]string{"version", "commit"},
		)
		prometheus.MustRegister(buildInfoGauge)
	})
	buildInfoGauge.WithLabelValues(version, commit).Set(1)
}
