// Package metrics exposes the supervisor's progress in Prometheus format.
package metrics

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/ec14-supervisor/pkg/models"
)

var allStates = []models.LifecycleState{
	models.StateBootstrapping,
	models.StateRunning,
	models.StateCompleted,
	models.StateInterrupted,
	models.StateTimeExpired,
}

// Recorder holds the supervisor metrics on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	unfinished    prometheus.Gauge
	polls         prometheus.Counter
	pollErrors    prometheus.Counter
	runIndex      prometheus.Gauge
	state         *prometheus.GaugeVec
	resubmissions *prometheus.CounterVec
	elapsed       prometheus.Gauge
}

// NewRecorder creates a recorder for one experiment.
func NewRecorder(experiment string) *Recorder {
	labels := prometheus.Labels{"experiment": experiment}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		unfinished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "ec14_unfinished_individuals",
			Help:        "Individuals not yet finished and born before the end time, as of the last poll",
			ConstLabels: labels,
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "ec14_polls_total",
			Help:        "Completion polls performed by this run",
			ConstLabels: labels,
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "ec14_poll_errors_total",
			Help:        "Completion polls whose store query failed",
			ConstLabels: labels,
		}),
		runIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "ec14_run_index",
			Help:        "Run generation of this supervisor process",
			ConstLabels: labels,
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "ec14_lifecycle_state",
			Help:        "1 for the current lifecycle state, 0 otherwise",
			ConstLabels: labels,
		}, []string{"state"}),
		resubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "ec14_resubmissions_total",
			Help:        "Continuation jobs submitted, by result",
			ConstLabels: labels,
		}, []string{"result"}),
		elapsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "ec14_elapsed_seconds",
			Help:        "Seconds since this run started",
			ConstLabels: labels,
		}),
	}

	r.registry.MustRegister(
		r.unfinished,
		r.polls,
		r.pollErrors,
		r.runIndex,
		r.state,
		r.resubmissions,
		r.elapsed,
		NewHostCollector(),
	)
	return r
}

// Registry returns the registry the recorder writes to.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) SetRun(run int) {
	r.runIndex.Set(float64(run))
}

// SetState marks state as current.
func (r *Recorder) SetState(state models.LifecycleState) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.state.WithLabelValues(string(s)).Set(v)
	}
}

// ObservePoll records one poll; err is the store error, if any.
func (r *Recorder) ObservePoll(unfinished int, elapsed time.Duration, err error) {
	r.polls.Inc()
	r.elapsed.Set(elapsed.Seconds())
	if err != nil {
		r.pollErrors.Inc()
		return
	}
	r.unfinished.Set(float64(unfinished))
}

func (r *Recorder) ObserveResubmission(err error) {
	if err != nil {
		r.resubmissions.WithLabelValues("failed").Inc()
		return
	}
	r.resubmissions.WithLabelValues("submitted").Inc()
}

// HostCollector reports CPU and memory usage of the node running the
// experiment, sampled on every scrape.
type HostCollector struct {
	cpuDesc *prometheus.Desc
	memDesc *prometheus.Desc
}

func NewHostCollector() *HostCollector {
	return &HostCollector{
		cpuDesc: prometheus.NewDesc("ec14_host_cpu_percent", "Host CPU utilisation in percent", nil, nil),
		memDesc: prometheus.NewDesc("ec14_host_memory_used_bytes", "Host memory in use", nil, nil),
	}
}

func (c *HostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuDesc
	ch <- c.memDesc
}

func (c *HostCollector) Collect(ch chan<- prometheus.Metric) {
	// Percent since the previous call; no blocking sample.
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		ch <- prometheus.MustNewConstMetric(c.cpuDesc, prometheus.GaugeValue, pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.memDesc, prometheus.GaugeValue, float64(vm.Used))
	}
}

// NewRouter serves /metrics and /health.
func (r *Recorder) NewRouter() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods("GET")
	return router
}

// Serve starts the metrics server on addr in the background and returns it
// for shutdown. The listener is bound before Serve returns, so a bad address
// is reported to the caller.
func (r *Recorder) Serve(addr string, onError func(error)) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Addr:         ln.Addr().String(),
		Handler:      r.NewRouter(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed && onError != nil {
			onError(err)
		}
	}()
	return srv, nil
}

// WriteTextfile dumps the current metrics in the text exposition format, for
// nodes where nothing scrapes the live endpoint.
func (r *Recorder) WriteTextfile(path string) error {
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
