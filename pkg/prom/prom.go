package prom

import (
	"fmt"
	"sync"
	"time"

	xhttp "github.com/nimasrn/outbound-caller/pkg/http"
	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemHTTP     = "http"
	SystemDispatch = "dispatch"
	SystemCalls    = "calls"
	SystemEvents   = "events"
)

const (
	MetricHTTPRequests      = "requests_total"
	MetricHTTPDuration      = "request_duration_seconds"
	MetricDispatchRequests  = "requests_total"
	MetricDispatchDuration  = "duration_seconds"
	MetricCallJobs          = "jobs_total"
	MetricDialFailures      = "dial_failures_total"
	MetricPickupWait        = "pickup_wait_seconds"
	MetricCallRecords       = "records"
	MetricEventsProcessed   = "processed_total"
	MetricEventsStreamDepth = "stream_depth"
)

const (
	TypeCounterVec   = "counterVec"
	TypeHistogram    = "histogram"
	TypeHistogramVec = "histogramVec"
	TypeGaugeVec     = "gaugeVec"
)

var (
	lock          = &sync.RWMutex{}
	namespace     = "none"
	enabled       = false
	defaultLabels prometheus.Labels

	counterVecs   = make(map[string]*prometheus.CounterVec)
	gaugeVecs     = make(map[string]*prometheus.GaugeVec)
	histograms    = make(map[string]prometheus.Histogram)
	histogramVecs = make(map[string]*prometheus.HistogramVec)
)

// Create registers every metric the services report. Calling it again is a no-op.
func Create(host string, env string, nameSpace string) error {
	lock.Lock()
	if enabled {
		lock.Unlock()
		return nil
	}
	defaultLabels = prometheus.Labels{"env": env, "instance": host}
	namespace = nameSpace
	lock.Unlock()

	var err error
	hasError := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	hasError(CreateMetric(TypeCounterVec, SystemHTTP, MetricHTTPRequests, "route", "code"))
	hasError(CreateMetric(TypeHistogramVec, SystemHTTP, MetricHTTPDuration, "route"))

	hasError(CreateMetric(TypeCounterVec, SystemDispatch, MetricDispatchRequests, "result"))
	hasError(CreateMetric(TypeHistogram, SystemDispatch, MetricDispatchDuration))

	hasError(CreateMetric(TypeCounterVec, SystemCalls, MetricCallJobs, "outcome"))
	hasError(CreateMetric(TypeCounterVec, SystemCalls, MetricDialFailures, "sip_status_code"))
	hasError(CreateMetric(TypeHistogram, SystemCalls, MetricPickupWait))
	hasError(CreateMetric(TypeGaugeVec, SystemCalls, MetricCallRecords, "status"))

	hasError(CreateMetric(TypeCounterVec, SystemEvents, MetricEventsProcessed, "type", "result"))
	hasError(CreateMetric(TypeGaugeVec, SystemEvents, MetricEventsStreamDepth, "stream"))

	lock.Lock()
	enabled = err == nil
	lock.Unlock()
	return err
}

func CreateMetric(metricType, subsystem, name string, labels ...string) error {
	lock.Lock()
	defer lock.Unlock()

	key := subsystem + name
	switch metricType {
	case TypeCounterVec:
		v := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, ConstLabels: defaultLabels,
		}, labels)
		counterVecs[key] = v
		return prometheus.Register(v)
	case TypeHistogram:
		v := prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, ConstLabels: defaultLabels,
			Buckets: prometheus.DefBuckets,
		})
		histograms[key] = v
		return prometheus.Register(v)
	case TypeHistogramVec:
		v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, ConstLabels: defaultLabels,
			Buckets: prometheus.DefBuckets,
		}, labels)
		histogramVecs[key] = v
		return prometheus.Register(v)
	case TypeGaugeVec:
		v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, ConstLabels: defaultLabels,
		}, labels)
		gaugeVecs[key] = v
		return prometheus.Register(v)
	}
	return fmt.Errorf("metric type %s is not defined", metricType)
}

// ListenAndServer blocks serving /metrics on its own listener.
func ListenAndServer(addr string, url string) {
	hh := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s := xhttp.CreateServer()
	s.GET(url, hh)
	logger.Info("[metrics-server] listening", "addr", addr, "url", url)
	if err := s.ListenAndServe(addr); err != nil {
		logger.Error("[metrics-server] http listen error", "error", err)
	}
}

func isEnabled() bool {
	lock.RLock()
	defer lock.RUnlock()
	return enabled
}

func IncCounterVec(subsystem, name string, labelValues ...string) {
	if !isEnabled() {
		return
	}
	lock.RLock()
	v, ok := counterVecs[subsystem+name]
	lock.RUnlock()
	if !ok {
		logger.Warn("[metrics-server] counter vec not found", "subsystem", subsystem, "name", name)
		return
	}
	v.WithLabelValues(labelValues...).Inc()
}

func SetGaugeVec(subsystem, name string, num float64, labelValues ...string) {
	if !isEnabled() {
		return
	}
	lock.RLock()
	v, ok := gaugeVecs[subsystem+name]
	lock.RUnlock()
	if !ok {
		logger.Warn("[metrics-server] gauge vec not found", "subsystem", subsystem, "name", name)
		return
	}
	v.WithLabelValues(labelValues...).Set(num)
}

func AddHistogram(subsystem, name string, number float64) {
	if !isEnabled() {
		return
	}
	lock.RLock()
	v, ok := histograms[subsystem+name]
	lock.RUnlock()
	if !ok {
		logger.Warn("[metrics-server] histogram not found", "subsystem", subsystem, "name", name)
		return
	}
	v.Observe(number)
}

func AddHistogramVec(subsystem, name string, number float64, labelValues ...string) {
	if !isEnabled() {
		return
	}
	lock.RLock()
	v, ok := histogramVecs[subsystem+name]
	lock.RUnlock()
	if !ok {
		logger.Warn("[metrics-server] histogram vec not found", "subsystem", subsystem, "name", name)
		return
	}
	v.WithLabelValues(labelValues...).Observe(number)
}

func ObserveHTTP(route string, status int, latency time.Duration) {
	IncCounterVec(SystemHTTP, MetricHTTPRequests, route, fmt.Sprint(status))
	AddHistogramVec(SystemHTTP, MetricHTTPDuration, latency.Seconds(), route)
}

func ObserveDispatch(result string, latency time.Duration) {
	IncCounterVec(SystemDispatch, MetricDispatchRequests, result)
	AddHistogram(SystemDispatch, MetricDispatchDuration, latency.Seconds())
}

func IncCallJob(outcome string) {
	IncCounterVec(SystemCalls, MetricCallJobs, outcome)
}

func IncDialFailure(sipStatusCode string) {
	if sipStatusCode == "" {
		sipStatusCode = "unknown"
	}
	IncCounterVec(SystemCalls, MetricDialFailures, sipStatusCode)
}

func ObservePickupWait(d time.Duration) {
	AddHistogram(SystemCalls, MetricPickupWait, d.Seconds())
}

func SetCallRecords(status string, count int64) {
	SetGaugeVec(SystemCalls, MetricCallRecords, float64(count), status)
}

func IncEventProcessed(eventType, result string) {
	IncCounterVec(SystemEvents, MetricEventsProcessed, eventType, result)
}

func SetStreamDepth(stream string, depth int64) {
	SetGaugeVec(SystemEvents, MetricEventsStreamDepth, float64(depth), stream)
}
