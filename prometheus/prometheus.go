// Singleton so that it's easier to use in other packages
package prometheus

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/relistan/go-director"
	"github.com/sirupsen/logrus"
)

const (
	DualwriteEventsCaptured    = "dualwrite_events_captured"
	DualwriteEventsPublished   = "dualwrite_events_published"
	DualwritePublishErrors     = "dualwrite_publish_errors"
	DualwriteOutboxStaged      = "dualwrite_outbox_staged"
	DualwriteOutboxDelivered   = "dualwrite_outbox_delivered"
	DualwriteOutboxExhausted   = "dualwrite_outbox_exhausted"
	DualwriteEventsProcessed   = "dualwrite_events_processed"
	DualwriteConflicts         = "dualwrite_conflicts"
	DualwriteConsumeRetries    = "dualwrite_consume_retries"
	DualwriteReadErrors        = "dualwrite_read_errors"
	DualwriteReconcileRuns     = "dualwrite_reconcile_runs"
	DualwriteRecordsReconciled = "dualwrite_records_reconciled"
)

var (
	ReportInterval = 10 * time.Second

	mutex    = &sync.RWMutex{}
	counters = make(map[string]float64, 0)

	prometheusMutex    = &sync.RWMutex{}
	prometheusCounters = make(map[string]prometheus.Counter)
	prometheusGauges   = make(map[string]prometheus.Gauge)

	looper director.Looper
)

// Start initiates periodic rate reporting of the plain counters
func Start(reportIntervalSeconds int32) {
	interval := time.Duration(reportIntervalSeconds) * time.Second

	looper = director.NewImmediateTimedLooper(director.FOREVER, interval, make(chan error, 1))

	logrus.Debugf("Launching stats reporter ('%s' interval)", interval)

	go func() {
		looper.Loop(func() error {
			mutex.Lock()
			defer mutex.Unlock()

			for counterName, counterValue := range counters {
				perSecond := counterValue / interval.Seconds()

				logrus.Infof("STATS [%s]: %.2f / %s (%.2f/s)\n", counterName, counterValue,
					interval, perSecond)

				// Reset it
				counters[counterName] = 0
			}

			return nil
		})
	}()
}

// Stop halts the rate reporter
func Stop() {
	if looper != nil {
		looper.Quit()
	}
}

// InitPrometheusMetrics sets up prometheus counters/gauges
func InitPrometheusMetrics() {
	prometheusMutex.Lock()
	defer prometheusMutex.Unlock()

	for name, help := range map[string]string{
		DualwriteEventsCaptured:    "Number of change notifications turned into events",
		DualwriteEventsPublished:   "Number of events appended to the event log",
		DualwritePublishErrors:     "Number of failed live publishes (events routed to the outbox)",
		DualwriteOutboxStaged:      "Number of events staged in the outbox",
		DualwriteOutboxDelivered:   "Number of outbox entries delivered to the event log",
		DualwriteOutboxExhausted:   "Number of outbox entries that reached the retry ceiling",
		DualwriteEventsProcessed:   "Number of events applied or discarded by the stream consumers",
		DualwriteConflicts:         "Number of resolved write conflicts",
		DualwriteConsumeRetries:    "Number of entries left pending after a processing failure",
		DualwriteReadErrors:        "Number of errors while reading from a store or stream",
		DualwriteReconcileRuns:     "Number of completed reconciliation passes",
		DualwriteRecordsReconciled: "Number of records written by the reconciler",
	} {
		prometheusCounters[name] = promauto.NewCounter(prometheus.CounterOpts{
			Name: name,
			Help: help,
		})
	}
}

// IncrPromCounter increments a prometheus counter by the given amount
func IncrPromCounter(key string, amount float64) {
	key = strings.Replace(key, "-", "_", -1)
	prometheusMutex.Lock()
	defer prometheusMutex.Unlock()
	c, ok := prometheusCounters[key]
	if !ok {
		c = promauto.NewCounter(prometheus.CounterOpts{
			Name: key,
			Help: "Auto-created counter",
		})
		prometheusCounters[key] = c
	}

	c.Add(amount)
}

// SetPromGauge sets a prometheus gauge value
func SetPromGauge(key string, amount float64) {
	prometheusMutex.Lock()
	defer prometheusMutex.Unlock()

	if _, ok := prometheusGauges[key]; !ok {
		prometheusGauges[key] = promauto.NewGauge(prometheus.GaugeOpts{
			Name: key,
			Help: "Auto-created gauge",
		})
	}

	prometheusGauges[key].Set(amount)
}

// Incr increments a counter by the given amount
func Incr(name string, value float64) {
	mutex.Lock()
	defer mutex.Unlock()

	if _, ok := counters[name]; !ok {
		counters[name] = 0
	}

	counters[name] += value
}

// Mute stops reporting given stats
func Mute(name string) {
	mutex.Lock()
	defer mutex.Unlock()

	delete(counters, name)
}
