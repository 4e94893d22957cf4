// Package metrics 以 Prometheus 文本格式暴露编排器的运行指标。
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type runKey struct {
	status string
	class  string
}

type stepKey struct {
	step   string
	status string
	class  string
}

type latencyKey struct {
	capability string
	role       string
}

type requestKey struct {
	handler string
	code    string
}

// 步骤调用的是远端模型或服务，耗时以秒到分钟计。
var latencyBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

func newHistogram() *histogram {
	return &histogram{counts: make([]uint64, len(latencyBuckets))}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	// 超出最后一个桶的值只计入 +Inf（即 h.count）。
	for idx, bound := range latencyBuckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

type collector struct {
	mu          sync.Mutex
	runs        map[runKey]uint64
	steps       map[stepKey]uint64
	latency     map[latencyKey]*histogram
	cost        map[string]float64
	escalations map[string]uint64
	denials     map[string]uint64
	requests    map[requestKey]uint64
}

var registry = newCollector()

func newCollector() *collector {
	return &collector{
		runs:        make(map[runKey]uint64),
		steps:       make(map[stepKey]uint64),
		latency:     make(map[latencyKey]*histogram),
		cost:        make(map[string]float64),
		escalations: make(map[string]uint64),
		denials:     make(map[string]uint64),
		requests:    make(map[requestKey]uint64),
	}
}

// ObserveRun counts a finished run by terminal status and error class.
func ObserveRun(status, class string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.runs[runKey{status: status, class: class}]++
}

// ObserveStepAttempt counts one step execution attempt.
func ObserveStepAttempt(step, status, class string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.steps[stepKey{step: step, status: status, class: class}]++
}

// ObserveStepLatency records how long one worker or evaluator call took for a capability.
func ObserveStepLatency(capability, role string, d time.Duration) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	key := latencyKey{capability: capability, role: role}
	hist := registry.latency[key]
	if hist == nil {
		hist = newHistogram()
		registry.latency[key] = hist
	}
	hist.observe(d.Seconds())
}

// AddCost accumulates spend per tenant.
func AddCost(tenant string, amount float64) {
	if amount <= 0 {
		return
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.cost[tenant] += amount
}

// ObserveEscalation counts escalations per error class.
func ObserveEscalation(class string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.escalations[class]++
}

// ObserveBudgetDenial counts pre-flight budget refusals per tenant.
func ObserveBudgetDenial(tenant string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.denials[tenant]++
}

// ObserveCommand counts one API command by handler and HTTP status.
func ObserveCommand(handler string, status int) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.requests[requestKey{handler: handler, code: strconv.Itoa(status)}]++
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, registry.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(2048)

	runs := make([]runKey, 0, len(c.runs))
	for key := range c.runs {
		runs = append(runs, key)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].status == runs[j].status {
			return runs[i].class < runs[j].class
		}
		return runs[i].status < runs[j].status
	})
	header(&b, "council_runs_total", "Total number of finished module runs.", "counter")
	for _, key := range runs {
		fmt.Fprintf(&b, "council_runs_total{status=\"%s\",class=\"%s\"} %d\n",
			escape(key.status), escape(key.class), c.runs[key])
	}

	steps := make([]stepKey, 0, len(c.steps))
	for key := range c.steps {
		steps = append(steps, key)
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].step != steps[j].step {
			return steps[i].step < steps[j].step
		}
		if steps[i].status != steps[j].status {
			return steps[i].status < steps[j].status
		}
		return steps[i].class < steps[j].class
	})
	header(&b, "council_step_attempts_total", "Total number of step execution attempts.", "counter")
	for _, key := range steps {
		fmt.Fprintf(&b, "council_step_attempts_total{step=\"%s\",status=\"%s\",class=\"%s\"} %d\n",
			escape(key.step), escape(key.status), escape(key.class), c.steps[key])
	}

	lats := make([]latencyKey, 0, len(c.latency))
	for key := range c.latency {
		lats = append(lats, key)
	}
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].capability == lats[j].capability {
			return lats[i].role < lats[j].role
		}
		return lats[i].capability < lats[j].capability
	})
	header(&b, "council_step_duration_seconds", "Worker and evaluator call duration per capability.", "histogram")
	for _, key := range lats {
		hist := c.latency[key]
		labels := fmt.Sprintf("capability=\"%s\",role=\"%s\"", escape(key.capability), escape(key.role))
		for idx, bound := range latencyBuckets {
			fmt.Fprintf(&b, "council_step_duration_seconds_bucket{%s,le=\"%s\"} %d\n", labels, formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(&b, "council_step_duration_seconds_bucket{%s,le=\"+Inf\"} %d\n", labels, hist.count)
		fmt.Fprintf(&b, "council_step_duration_seconds_sum{%s} %s\n", labels, formatFloat(hist.sum))
		fmt.Fprintf(&b, "council_step_duration_seconds_count{%s} %d\n", labels, hist.count)
	}

	header(&b, "council_cost_total", "Accumulated spend per tenant.", "counter")
	for _, tenant := range sortedKeys(c.cost) {
		fmt.Fprintf(&b, "council_cost_total{tenant=\"%s\"} %s\n", escape(tenant), formatFloat(c.cost[tenant]))
	}

	header(&b, "council_escalations_total", "Total number of escalations.", "counter")
	for _, class := range sortedKeys(c.escalations) {
		fmt.Fprintf(&b, "council_escalations_total{class=\"%s\"} %d\n", escape(class), c.escalations[class])
	}

	header(&b, "council_budget_denials_total", "Total number of steps refused by the budget check.", "counter")
	for _, tenant := range sortedKeys(c.denials) {
		fmt.Fprintf(&b, "council_budget_denials_total{tenant=\"%s\"} %d\n", escape(tenant), c.denials[tenant])
	}

	reqs := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqs = append(reqs, key)
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			return reqs[i].code < reqs[j].code
		}
		return reqs[i].handler < reqs[j].handler
	})
	header(&b, "council_commands_total", "Total number of API commands by status code.", "counter")
	for _, key := range reqs {
		fmt.Fprintf(&b, "council_commands_total{handler=\"%s\",code=\"%s\"} %d\n",
			escape(key.handler), escape(key.code), c.requests[key])
	}
	return b.String()
}

func header(b *strings.Builder, name, help, kind string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
