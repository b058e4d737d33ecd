// Package exporter probes configured targets on each scrape and reports results as prometheus gauges.
package exporter

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-pkgz/syncs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/umputun/cert-watcher/app/probe"
)

//go:generate moq -out prober_mock.go -skip-ensure -fmt goimports . Prober

// metric names and label
const (
	ExpiryDaysMetric  = "ssl_cert_expiry_days"
	ValidMetric       = "ssl_cert_valid"
	ProbeErrorsMetric = "ssl_cert_probe_errors_total"
	DomainLabel       = "domain"
	StageLabel        = "stage"
)

// Prober checks a single target certificate
type Prober interface {
	Check(ctx context.Context, host string) (probe.Result, error)
}

// Exporter owns the registry with certificate gauges and refreshes them on every scrape
type Exporter struct {
	targets     []string
	concurrency int
	prober      Prober

	registry    *prometheus.Registry
	expiryDays  *prometheus.GaugeVec
	valid       *prometheus.GaugeVec
	probeErrors *prometheus.CounterVec

	lock sync.Mutex // one scrape pass at a time
}

// New makes exporter with its own registry. Targets are trimmed, blank ones and duplicates dropped.
func New(prober Prober, concurrency int, targets ...string) *Exporter {
	if concurrency <= 0 {
		concurrency = 1
	}
	res := &Exporter{
		concurrency: concurrency,
		prober:      prober,
		registry:    prometheus.NewRegistry(),
		expiryDays: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: ExpiryDaysMetric,
			Help: "Days until SSL certificate expires",
		}, []string{DomainLabel}),
		valid: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: ValidMetric,
			Help: "Whether SSL certificate is valid (1=valid, 0=invalid)",
		}, []string{DomainLabel}),
		probeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: ProbeErrorsMetric,
			Help: "Number of failed certificate probes by failure stage",
		}, []string{DomainLabel, StageLabel}),
	}
	res.registry.MustRegister(res.expiryDays, res.valid, res.probeErrors)

	seen := map[string]bool{}
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		res.targets = append(res.targets, t)
		log.Printf("[DEBUG] target: %s", t)
	}
	log.Printf("[INFO] certificate exporter created for %d targets, concurrency:%d", len(res.targets), res.concurrency)
	return res
}

// Targets returns configured targets
func (e *Exporter) Targets() []string {
	res := make([]string, len(e.targets))
	copy(res, e.targets)
	return res
}

// Registry returns the registry gauges registered with
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Scrape probes all targets, updates gauges and returns results sorted by host
func (e *Exporter) Scrape(ctx context.Context) []probe.Result {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.scrape(ctx)
}

// Handler returns http handler running full scrape pass and writing registry in exposition format
func (e *Exporter) Handler() http.Handler {
	metrics := promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorLog:      log.Default(),
		ErrorHandling: promhttp.ContinueOnError,
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.lock.Lock()
		defer e.lock.Unlock()
		// the pass runs to completion even if the scraper went away
		e.scrape(context.WithoutCancel(r.Context()))
		metrics.ServeHTTP(w, r)
	})
}

func (e *Exporter) scrape(ctx context.Context) []probe.Result {
	if len(e.targets) == 0 {
		return nil
	}
	st := time.Now()
	res := make([]probe.Result, 0, len(e.targets))
	wg := syncs.NewSizedGroup(e.concurrency, syncs.Preemptive)
	ch := make(chan probe.Result, len(e.targets))
	for _, t := range e.targets {
		host := t
		wg.Go(func(context.Context) {
			r := e.check(ctx, host)
			e.expiryDays.WithLabelValues(host).Set(float64(r.DaysRemaining))
			e.valid.WithLabelValues(host).Set(boolToFloat(r.Valid))
			ch <- r
		})
	}
	wg.Wait()
	close(ch)

	for r := range ch {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Host < res[j].Host })
	log.Printf("[DEBUG] scrape completed for %d targets in %v", len(res), time.Since(st))
	return res
}

// check runs probe, logs and counts failure by stage, substitutes sentinel for failed probe.
// Failures caused by canceled ctx are not counted.
func (e *Exporter) check(ctx context.Context, host string) probe.Result {
	st := time.Now()
	r, err := e.prober.Check(ctx, host)
	if err != nil && ctx.Err() != nil {
		// caller canceled, the host result says nothing about its certificate
		log.Printf("[DEBUG] certificate probe canceled, host:%s, %v", host, err)
		return probe.Sentinel(host)
	}
	if err != nil {
		stage := "unknown"
		var perr *probe.Error
		if errors.As(err, &perr) {
			stage = string(perr.Stage)
		}
		e.probeErrors.WithLabelValues(host, stage).Inc()
		log.Printf("[WARN] certificate probe failed, host:%s, stage:%s, %v", host, stage, err)
		return probe.Sentinel(host)
	}
	r.Host = host
	log.Printf("[DEBUG] certificate probe: host:%s, days:%d, valid:%v, expire:%s, in %v",
		host, r.DaysRemaining, r.Valid, r.NotAfter.Format(time.RFC3339), time.Since(st))
	return r
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
