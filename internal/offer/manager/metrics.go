package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hotride",
		Name:      "offer_fetch_total",
		Help:      "Offer refresh results grouped by outcome.",
	}, []string{"result"})

	offersRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hotride",
		Name:      "offer_rejected_total",
		Help:      "Offers dropped from a batch because the payload was malformed.",
	})

	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hotride",
		Name:      "offer_resolutions_total",
		Help:      "Terminal offer states reached, grouped by state.",
	}, []string{"status"})

	acceptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hotride",
		Name:      "offer_accept_seconds",
		Help:      "Time spent waiting for the backend to confirm an accept.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"})

	offersPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hotride",
		Name:      "offers_pending",
		Help:      "Offers currently shown to the driver.",
	})
)
