// Package metrics 以 Prometheus 文本格式导出 tokend 的运行指标：HTTP 请求、
// 上报结算、后台任务，以及渲染时从账本读取的供应量与奖励池余额。
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"DualToken-Engine/internal/completion"
	xerrors "DualToken-Engine/internal/errors"
	"DualToken-Engine/internal/scheduler"
)

// Sample 是一个仪表盘读数。
type Sample struct {
	Name   string
	Help   string
	Labels map[string]string
	Value  float64
}

// GaugeFunc 在每次抓取时计算当前读数。
type GaugeFunc func() []Sample

type requestKey struct {
	route  string
	method string
	code   string
}

type settlementKey struct {
	status string
	code   string
}

type jobKey struct {
	job    string
	result string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			h.counts[idx]++
		}
	}
}

func (h *histogram) clone() *histogram {
	return &histogram{
		buckets: h.buckets,
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

var (
	requestBuckets    = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	settlementBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10}
	jobBuckets        = []float64{0.01, 0.1, 1, 5, 30}
)

// Collector 汇总进程内指标。零值不可用，使用 New 构造。
type Collector struct {
	mu          sync.Mutex
	requests    map[requestKey]uint64
	latency     map[string]*histogram
	settlements map[settlementKey]uint64
	settleTime  *histogram
	jobs        map[jobKey]uint64
	jobTime     map[string]*histogram
	gauges      []GaugeFunc
}

// New 返回空的采集器。
func New() *Collector {
	return &Collector{
		requests:    make(map[requestKey]uint64),
		latency:     make(map[string]*histogram),
		settlements: make(map[settlementKey]uint64),
		settleTime:  newHistogram(settlementBuckets),
		jobs:        make(map[jobKey]uint64),
		jobTime:     make(map[string]*histogram),
	}
}

// RegisterGauges 注册在抓取时求值的读数来源。
func (c *Collector) RegisterGauges(fn GaugeFunc) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges = append(c.gauges, fn)
}

// ObserveHTTPRequest 记录一次 API 请求。
func (c *Collector) ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[requestKey{route: route, method: method, code: strconv.Itoa(status)}]++
	hist := c.latency[route]
	if hist == nil {
		hist = newHistogram(requestBuckets)
		c.latency[route] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveSettlement 记录一次上报结算结果。
func (c *Collector) ObserveSettlement(status completion.Status, code xerrors.Code, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settlements[settlementKey{status: string(status), code: string(code)}]++
	c.settleTime.observe(elapsed.Seconds())
}

// ObserveJob 记录一次后台任务运行。
func (c *Collector) ObserveJob(name string, err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[jobKey{job: name, result: result}]++
	hist := c.jobTime[name]
	if hist == nil {
		hist = newHistogram(jobBuckets)
		c.jobTime[name] = hist
	}
	hist.observe(elapsed.Seconds())
}

// Handler 以 Prometheus 文本格式输出全部指标。
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.Render())
	})
}

// Render 返回当前指标的文本格式。
func (c *Collector) Render() string {
	c.mu.Lock()
	requests := make(map[requestKey]uint64, len(c.requests))
	for k, v := range c.requests {
		requests[k] = v
	}
	latency := make(map[string]*histogram, len(c.latency))
	for k, h := range c.latency {
		latency[k] = h.clone()
	}
	settlements := make(map[settlementKey]uint64, len(c.settlements))
	for k, v := range c.settlements {
		settlements[k] = v
	}
	settleTime := c.settleTime.clone()
	jobs := make(map[jobKey]uint64, len(c.jobs))
	for k, v := range c.jobs {
		jobs[k] = v
	}
	jobTime := make(map[string]*histogram, len(c.jobTime))
	for k, h := range c.jobTime {
		jobTime[k] = h.clone()
	}
	gauges := append([]GaugeFunc(nil), c.gauges...)
	c.mu.Unlock()

	var b strings.Builder
	b.Grow(2048)

	header(&b, "tokend_http_requests_total", "Total number of API requests processed.", "counter")
	reqKeys := make([]requestKey, 0, len(requests))
	for k := range requests {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		x, y := reqKeys[i], reqKeys[j]
		if x.route != y.route {
			return x.route < y.route
		}
		if x.method != y.method {
			return x.method < y.method
		}
		return x.code < y.code
	})
	for _, k := range reqKeys {
		fmt.Fprintf(&b, "tokend_http_requests_total{route=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(k.route), escape(k.method), k.code, requests[k])
	}

	header(&b, "tokend_http_request_duration_seconds", "API request duration in seconds.", "histogram")
	for _, route := range sortedKeys(latency) {
		writeHistogram(&b, "tokend_http_request_duration_seconds", fmt.Sprintf("route=\"%s\"", escape(route)), latency[route])
	}

	header(&b, "tokend_report_settlements_total", "Completion reports processed, by resulting status and error code.", "counter")
	setKeys := make([]settlementKey, 0, len(settlements))
	for k := range settlements {
		setKeys = append(setKeys, k)
	}
	sort.Slice(setKeys, func(i, j int) bool {
		if setKeys[i].status != setKeys[j].status {
			return setKeys[i].status < setKeys[j].status
		}
		return setKeys[i].code < setKeys[j].code
	})
	for _, k := range setKeys {
		fmt.Fprintf(&b, "tokend_report_settlements_total{status=\"%s\",code=\"%s\"} %d\n",
			escape(k.status), escape(k.code), settlements[k])
	}
	header(&b, "tokend_report_settlement_duration_seconds", "Time spent settling a completion report.", "histogram")
	writeHistogram(&b, "tokend_report_settlement_duration_seconds", "", settleTime)

	header(&b, "tokend_job_runs_total", "Background job runs, by result.", "counter")
	jKeys := make([]jobKey, 0, len(jobs))
	for k := range jobs {
		jKeys = append(jKeys, k)
	}
	sort.Slice(jKeys, func(i, j int) bool {
		if jKeys[i].job != jKeys[j].job {
			return jKeys[i].job < jKeys[j].job
		}
		return jKeys[i].result < jKeys[j].result
	})
	for _, k := range jKeys {
		fmt.Fprintf(&b, "tokend_job_runs_total{job=\"%s\",result=\"%s\"} %d\n", escape(k.job), k.result, jobs[k])
	}
	header(&b, "tokend_job_duration_seconds", "Background job duration in seconds.", "histogram")
	for _, job := range sortedKeys(jobTime) {
		writeHistogram(&b, "tokend_job_duration_seconds", fmt.Sprintf("job=\"%s\"", escape(job)), jobTime[job])
	}

	writeGauges(&b, gauges)
	return b.String()
}

func writeGauges(b *strings.Builder, gauges []GaugeFunc) {
	byName := make(map[string][]Sample)
	help := make(map[string]string)
	for _, fn := range gauges {
		for _, s := range fn() {
			byName[s.Name] = append(byName[s.Name], s)
			if s.Help != "" {
				help[s.Name] = s.Help
			}
		}
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		header(b, name, help[name], "gauge")
		for _, s := range byName[name] {
			fmt.Fprintf(b, "%s%s %s\n", name, labels(s.Labels), formatFloat(s.Value))
		}
	}
}

func header(b *strings.Builder, name, help, kind string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func writeHistogram(b *strings.Builder, name, labelSet string, h *histogram) {
	prefix := labelSet
	if prefix != "" {
		prefix += ","
	}
	for idx, bound := range h.buckets {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%s\"} %d\n", name, prefix, formatFloat(bound), h.counts[idx])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, h.count)
	if labelSet == "" {
		fmt.Fprintf(b, "%s_sum %s\n%s_count %d\n", name, formatFloat(h.sum), name, h.count)
		return
	}
	fmt.Fprintf(b, "%s_sum{%s} %s\n%s_count{%s} %d\n", name, labelSet, formatFloat(h.sum), name, labelSet, h.count)
}

func labels(values map[string]string) string {
	if len(values) == 0 {
		return ""
	}
	parts := make([]string, 0, len(values))
	for _, k := range sortedKeys(values) {
		parts = append(parts, fmt.Sprintf("%s=\"%s\"", k, escape(values[k])))
	}
	return "{" + strings.Join(parts, ",") + "}"
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

var (
	_ completion.Observer = (*Collector)(nil)
	_ scheduler.Observer  = (*Collector)(nil)
)
