// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for EventRelay. It renders the text exposition format itself
// instead of pulling in prometheus/client_golang.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Events                    →  key = "outcome\tevent_type"
//	DeliveryMs / DeliveryCnt  →  key = "event_type"
//	GuardRejections           →  key = "reason"
//	HTTPReqs                  →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt    →  key = "method\tpath"
//
// The Registry implements the observer interfaces of the submit, worker and
// scheduler packages, so it can be handed to them directly.
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all counters
// and gauges in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event outcomes used as the first component of an Events key.
const (
	OutcomeSubmitted      = "submitted"
	OutcomeRejected       = "rejected"
	OutcomeFallbackSent   = "fallback_sent"
	OutcomeFallbackFailed = "fallback_failed"
	OutcomeDelivered      = "delivered"
	OutcomeRescheduled    = "rescheduled"
	OutcomeDeadLettered   = "dead_lettered"
	OutcomePromoted       = "promoted"
	OutcomeDiscarded      = "discarded"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current count for key.
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair in key order.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	var keys []string
	vals := make(map[string]int64)
	lc.vals.Range(func(k, v any) bool {
		keys = append(keys, k.(string))
		vals[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	sort.Strings(keys)
	for _, k := range keys {
		fn(k, vals[k])
	}
}

// ─── Registry ─────────────────────────────────────────────────────────────────

type gauge struct {
	name, help string
	read       func() (int64, error)
}

// Registry holds all EventRelay application metrics. The zero value is ready
// to use.
type Registry struct {
	// Pipeline counters.
	Events          labelCounter
	DeliveryMs      labelCounter // sum of successful delivery durations
	DeliveryCnt     labelCounter
	GuardRejections labelCounter

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)

	mu     sync.Mutex
	gauges []gauge
}

// AddGauge registers a gauge read at scrape time. Gauges whose read fails are
// left out of that scrape.
func (r *Registry) AddGauge(name, help string, read func() (int64, error)) {
	r.mu.Lock()
	r.gauges = append(r.gauges, gauge{name: name, help: help, read: read})
	r.mu.Unlock()
}

// ─── Observers ────────────────────────────────────────────────────────────────

// Submitted counts an enqueued event.
func (r *Registry) Submitted(eventType string) { r.Events.Inc(EventKey(OutcomeSubmitted, eventType)) }

// Rejected counts an event that failed validation.
func (r *Registry) Rejected(eventType string) { r.Events.Inc(EventKey(OutcomeRejected, eventType)) }

// FallbackSent counts an event delivered directly because the queue was down.
func (r *Registry) FallbackSent(eventType string) {
	r.Events.Inc(EventKey(OutcomeFallbackSent, eventType))
}

// FallbackFailed counts an event lost because both the queue and the direct
// send failed.
func (r *Registry) FallbackFailed(eventType string) {
	r.Events.Inc(EventKey(OutcomeFallbackFailed, eventType))
}

// Delivered counts a successful delivery and its duration.
func (r *Registry) Delivered(eventType string, elapsed time.Duration) {
	r.Events.Inc(EventKey(OutcomeDelivered, eventType))
	r.DeliveryMs.Add(eventType, elapsed.Milliseconds())
	r.DeliveryCnt.Inc(eventType)
}

// Discarded counts an item dropped as permanently undeliverable.
func (r *Registry) Discarded(eventType string) { r.Events.Inc(EventKey(OutcomeDiscarded, eventType)) }

// GuardRejected counts a call stopped by the rate limiter or the breaker.
func (r *Registry) GuardRejected(reason string) { r.GuardRejections.Inc(reason) }

// Rescheduled counts a retry record written.
func (r *Registry) Rescheduled(eventType string) {
	r.Events.Inc(EventKey(OutcomeRescheduled, eventType))
}

// DeadLettered counts an item moved to the dead letter archive.
func (r *Registry) DeadLettered(eventType string) {
	r.Events.Inc(EventKey(OutcomeDeadLettered, eventType))
}

// Promoted counts a retry record moved back onto the work queue.
func (r *Registry) Promoted(eventType string) { r.Events.Inc(EventKey(OutcomePromoted, eventType)) }

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.render())
	})
}

func (r *Registry) render() string {
	var b strings.Builder

	// ── pipeline counters ─────────────────────────────────────────────────────
	writeFamily(&b, "eventrelay_events_total",
		"Events by pipeline outcome and event type", "counter",
		func(fn func(labels, val string)) {
			r.Events.Each(func(key string, val int64) {
				outcome, typ := splitTwo(key)
				fn(fmt.Sprintf(`outcome=%q,event_type=%q`, outcome, typ), fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "eventrelay_delivery_duration_milliseconds_sum",
		"Sum of successful delivery durations in milliseconds", "counter",
		byEventType(&r.DeliveryMs))

	writeFamily(&b, "eventrelay_delivery_duration_milliseconds_count",
		"Count of observed successful deliveries", "counter",
		byEventType(&r.DeliveryCnt))

	writeFamily(&b, "eventrelay_guard_rejections_total",
		"Outbound calls stopped by the rate limiter or circuit breaker", "counter",
		func(fn func(labels, val string)) {
			r.GuardRejections.Each(func(key string, val int64) {
				fn(fmt.Sprintf(`reason=%q`, key), fmt.Sprintf("%d", val))
			})
		})

	// ── HTTP counters ─────────────────────────────────────────────────────────
	writeFamily(&b, "eventrelay_http_requests_total",
		"Total HTTP requests by method, path, and status code", "counter",
		func(fn func(labels, val string)) {
			r.HTTPReqs.Each(func(key string, val int64) {
				method, path, status := splitThree(key)
				fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
					fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "eventrelay_http_request_duration_milliseconds_sum",
		"Sum of HTTP request durations in milliseconds", "counter",
		byMethodPath(&r.HTTPDurMs))

	writeFamily(&b, "eventrelay_http_request_duration_milliseconds_count",
		"Count of observed HTTP request durations", "counter",
		byMethodPath(&r.HTTPDurCnt))

	// ── gauges ────────────────────────────────────────────────────────────────
	r.mu.Lock()
	gauges := append([]gauge(nil), r.gauges...)
	r.mu.Unlock()
	for _, g := range gauges {
		v, err := g.read()
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "# HELP %s %s\n", g.name, g.help)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", g.name)
		fmt.Fprintf(&b, "%s %d\n", g.name, v)
	}

	return b.String()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

func byEventType(lc *labelCounter) func(fn func(labels, val string)) {
	return func(fn func(labels, val string)) {
		lc.Each(func(key string, val int64) {
			fn(fmt.Sprintf(`event_type=%q`, key), fmt.Sprintf("%d", val))
		})
	}
}

func byMethodPath(lc *labelCounter) func(fn func(labels, val string)) {
	return func(fn func(labels, val string)) {
		lc.Each(func(key string, val int64) {
			method, path := splitTwo(key)
			fn(fmt.Sprintf(`method=%q,path=%q`, method, path), fmt.Sprintf("%d", val))
		})
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// EventKey builds the label key used by Events.
func EventKey(outcome, eventType string) string {
	return outcome + "\t" + eventType
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
