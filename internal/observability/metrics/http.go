// Package metrics keeps process-local counters and exposes them in
// Prometheus text exposition format on a standalone listener.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type latencyKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu          sync.Mutex
	requests    map[requestKey]uint64
	errors      map[latencyKey]uint64
	latency     map[latencyKey]*histogram
	settlements map[string]uint64
	events      map[string]uint64
}

var defaultCollector = &collector{
	requests:    make(map[requestKey]uint64),
	errors:      make(map[latencyKey]uint64),
	latency:     make(map[latencyKey]*histogram),
	settlements: make(map[string]uint64),
	events:      make(map[string]uint64),
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	if status >= 500 {
		c.errors[latencyKey{handler: handler, method: method}]++
	}

	key := latencyKey{handler: handler, method: method}
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram()
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveSettlement records one settlement attempt by outcome
// ("success" or "failure").
func ObserveSettlement(outcome string) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settlements[outcome]++
}

// ObserveEventPublished records one bus event by type.
func ObserveEventPublished(eventType string) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[eventType]++
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the collected metrics.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)

	b.WriteString("# HELP agentpay_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE agentpay_http_requests_total counter\n")
	reqKeys := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqKeys = append(reqKeys, key)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].handler != reqKeys[j].handler {
			return reqKeys[i].handler < reqKeys[j].handler
		}
		if reqKeys[i].method != reqKeys[j].method {
			return reqKeys[i].method < reqKeys[j].method
		}
		return reqKeys[i].code < reqKeys[j].code
	})
	for _, key := range reqKeys {
		b.WriteString(fmt.Sprintf("agentpay_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			key.handler, key.method, key.code, c.requests[key]))
	}

	b.WriteString("# HELP agentpay_http_request_errors_total Total number of HTTP requests that ended in a server error.\n")
	b.WriteString("# TYPE agentpay_http_request_errors_total counter\n")
	errKeys := make([]latencyKey, 0, len(c.errors))
	for key := range c.errors {
		errKeys = append(errKeys, key)
	}
	sortLatencyKeys(errKeys)
	for _, key := range errKeys {
		b.WriteString(fmt.Sprintf("agentpay_http_request_errors_total{handler=%q,method=%q} %d\n",
			key.handler, key.method, c.errors[key]))
	}

	b.WriteString("# HELP agentpay_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE agentpay_http_request_duration_seconds histogram\n")
	latKeys := make([]latencyKey, 0, len(c.latency))
	for key := range c.latency {
		latKeys = append(latKeys, key)
	}
	sortLatencyKeys(latKeys)
	for _, key := range latKeys {
		hist := c.latency[key]
		for idx, bound := range hist.buckets {
			b.WriteString(fmt.Sprintf("agentpay_http_request_duration_seconds_bucket{handler=%q,method=%q,le=%q} %d\n",
				key.handler, key.method, formatFloat(bound), hist.counts[idx]))
		}
		b.WriteString(fmt.Sprintf("agentpay_http_request_duration_seconds_bucket{handler=%q,method=%q,le=\"+Inf\"} %d\n",
			key.handler, key.method, hist.count))
		b.WriteString(fmt.Sprintf("agentpay_http_request_duration_seconds_sum{handler=%q,method=%q} %s\n",
			key.handler, key.method, formatFloat(hist.sum)))
		b.WriteString(fmt.Sprintf("agentpay_http_request_duration_seconds_count{handler=%q,method=%q} %d\n",
			key.handler, key.method, hist.count))
	}

	b.WriteString("# HELP agentpay_settlements_total Settlement attempts by outcome.\n")
	b.WriteString("# TYPE agentpay_settlements_total counter\n")
	for _, outcome := range sortedKeys(c.settlements) {
		b.WriteString(fmt.Sprintf("agentpay_settlements_total{outcome=%q} %d\n",
			outcome, c.settlements[outcome]))
	}

	b.WriteString("# HELP agentpay_events_published_total Bus events published by type.\n")
	b.WriteString("# TYPE agentpay_events_published_total counter\n")
	for _, eventType := range sortedKeys(c.events) {
		b.WriteString(fmt.Sprintf("agentpay_events_published_total{type=%q} %d\n",
			eventType, c.events[eventType]))
	}

	return b.String()
}

func sortLatencyKeys(keys []latencyKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		return keys[i].method < keys[j].method
	})
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer runs a standalone /metrics listener until ctx is cancelled.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
