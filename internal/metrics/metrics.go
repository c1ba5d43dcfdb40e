package metrics

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"taskboard/internal/automation"
)

// counterVec is a thread-safe set of counters keyed by one label value.
type counterVec struct {
	total   uint64
	mu      sync.Mutex
	byLabel map[string]uint64
}

func (c *counterVec) inc(label string) {
	atomic.AddUint64(&c.total, 1)
	c.mu.Lock()
	if c.byLabel == nil {
		c.byLabel = make(map[string]uint64)
	}
	c.byLabel[label]++
	c.mu.Unlock()
}

func (c *counterVec) snapshot() (uint64, map[string]uint64) {
	total := atomic.LoadUint64(&c.total)
	c.mu.Lock()
	defer c.mu.Unlock()
	by := make(map[string]uint64, len(c.byLabel))
	for k, v := range c.byLabel {
		by[k] = v
	}
	return total, by
}

var (
	rl            counterVec // rate limit drops by path prefix
	ruleFirings   counterVec // rule firings by status
	inboundHooks  counterVec // inbound webhook deliveries by outcome
	outboundCalls counterVec // outbound webhook calls by outcome
)

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rl.inc(prefix)
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	return rl.snapshot()
}

// IncRuleFiring counts one recorded rule firing.
func IncRuleFiring(status string) {
	ruleFirings.inc(status)
}

// RuleFiringSnapshot returns rule firings by status.
func RuleFiringSnapshot() (total uint64, by map[string]uint64) {
	return ruleFirings.snapshot()
}

// IncWebhookDelivery counts an inbound webhook delivery (accepted, unauthorized, forbidden, not_found).
func IncWebhookDelivery(outcome string) {
	inboundHooks.inc(outcome)
}

// WebhookDeliverySnapshot returns inbound deliveries by outcome.
func WebhookDeliverySnapshot() (total uint64, by map[string]uint64) {
	return inboundHooks.snapshot()
}

// IncOutboundWebhook counts an outbound call (ok, http_error, error, circuit_open).
func IncOutboundWebhook(outcome string) {
	outboundCalls.inc(outcome)
}

// OutboundWebhookSnapshot returns outbound calls by outcome.
func OutboundWebhookSnapshot() (total uint64, by map[string]uint64) {
	return outboundCalls.snapshot()
}

// RuleObserver feeds engine firings into the counters.
func RuleObserver() automation.Observer {
	return automation.ObserverFunc(func(_ context.Context, _ string, d automation.RuleExecutionDetail) {
		IncRuleFiring(string(d.Status))
	})
}

// WritePrometheus writes every counter in Prometheus text exposition format.
func WritePrometheus(w io.Writer) {
	writeVec(w, "taskboard_rate_limit_dropped_total", "Requests rejected by the rate limiter", "prefix", &rl)
	writeVec(w, "taskboard_automation_rule_firings_total", "Recorded automation rule firings", "status", &ruleFirings)
	writeVec(w, "taskboard_webhook_deliveries_total", "Inbound automation webhook deliveries", "outcome", &inboundHooks)
	writeVec(w, "taskboard_outbound_webhooks_total", "Outbound webhook calls made by actions", "outcome", &outboundCalls)
}

func writeVec(w io.Writer, name, help, label string, c *counterVec) {
	total, by := c.snapshot()
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, total)
	keys := make([]string, 0, len(by))
	for k := range by {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", name, label, strings.ReplaceAll(k, "\"", "\\\""), by[k])
	}
	fmt.Fprintln(w)
}
