// Package metrics keeps in-process counters, gauges and histograms and
// renders them as a JSON snapshot or Prometheus text exposition.
package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"
)

// Recorder is the write side the pipeline depends on. Nop satisfies it when
// telemetry is not wired.
type Recorder interface {
	Add(name string, delta float64, labels ...string)
	Set(name string, value float64, labels ...string)
	Observe(name string, value float64, labels ...string)
}

type Nop struct{}

func (Nop) Add(string, float64, ...string)     {}
func (Nop) Set(string, float64, ...string)     {}
func (Nop) Observe(string, float64, ...string) {}

// DefaultBuckets are latency upper bounds in milliseconds.
var DefaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// WaitBuckets are queue wait upper bounds in seconds.
var WaitBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200}

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

type family struct {
	name    string
	help    string
	kind    kind
	buckets []float64
	series  map[string]*series
}

type series struct {
	labels []Label
	value  float64

	counts []uint64
	inf    uint64
	sum    float64
	count  uint64
	max    float64
}

type Label struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Registry struct {
	mu       sync.Mutex
	families map[string]*family
}

func NewRegistry() *Registry {
	return &Registry{families: map[string]*family{}}
}

// Describe attaches help text and, for histograms, explicit buckets.
func (r *Registry) Describe(name, help string, buckets ...float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.families[name]
	if f == nil {
		f = &family{name: name, series: map[string]*series{}}
		r.families[name] = f
	}
	f.help = help
	if len(buckets) > 0 {
		f.buckets = append([]float64(nil), buckets...)
		sort.Float64s(f.buckets)
	}
}

func (r *Registry) Add(name string, delta float64, labels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.seriesLocked(name, kindCounter, labels)
	s.value += delta
}

func (r *Registry) Inc(name string, labels ...string) {
	r.Add(name, 1, labels...)
}

func (r *Registry) Set(name string, value float64, labels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.seriesLocked(name, kindGauge, labels)
	s.value = value
}

func (r *Registry) Observe(name string, value float64, labels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.familyLocked(name, kindHistogram)
	s := r.seriesLocked(name, kindHistogram, labels)
	if s.counts == nil {
		s.counts = make([]uint64, len(f.buckets))
	}
	placed := false
	for i, upper := range f.buckets {
		if value <= upper {
			s.counts[i]++
			placed = true
			break
		}
	}
	if !placed {
		s.inf++
	}
	s.sum += value
	s.count++
	if s.count == 1 || value > s.max {
		s.max = value
	}
}

// Value returns the current counter or gauge value for an exact label set.
func (r *Registry) Value(name string, labels ...string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.families[name]
	if f == nil {
		return 0
	}
	s := f.series[labelKey(pairs(labels))]
	if s == nil {
		return 0
	}
	return s.value
}

// Sum adds a counter across every label set.
func (r *Registry) Sum(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.families[name]
	if f == nil {
		return 0
	}
	total := 0.0
	for _, s := range f.series {
		total += s.value
	}
	return total
}

// Quantile estimates q (0..1) of a histogram merged across label sets.
func (r *Registry) Quantile(name string, q float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.families[name]
	if f == nil || f.kind != kindHistogram {
		return 0
	}
	merged := &series{counts: make([]uint64, len(f.buckets))}
	for _, s := range f.series {
		for i, c := range s.counts {
			merged.counts[i] += c
		}
		merged.inf += s.inf
		merged.count += s.count
		merged.sum += s.sum
		if s.max > merged.max {
			merged.max = s.max
		}
	}
	return quantile(f.buckets, merged, q)
}

// Max returns the largest observation of a histogram across label sets.
func (r *Registry) Max(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.families[name]
	if f == nil {
		return 0
	}
	max := 0.0
	for _, s := range f.series {
		if s.max > max {
			max = s.max
		}
	}
	return max
}

func (r *Registry) familyLocked(name string, k kind) *family {
	f := r.families[name]
	if f == nil {
		f = &family{name: name, series: map[string]*series{}}
		r.families[name] = f
	}
	if f.kind == "" {
		f.kind = k
	}
	if k == kindHistogram && len(f.buckets) == 0 {
		f.buckets = append([]float64(nil), DefaultBuckets...)
	}
	return f
}

func (r *Registry) seriesLocked(name string, k kind, labels []string) *series {
	f := r.familyLocked(name, k)
	ls := pairs(labels)
	key := labelKey(ls)
	s := f.series[key]
	if s == nil {
		s = &series{labels: ls}
		f.series[key] = s
	}
	return s
}

// quantile interpolates linearly inside the bucket holding the target rank.
// Observations above the last bound are reported as the observed maximum.
func quantile(bounds []float64, s *series, q float64) float64 {
	if s.count == 0 {
		return 0
	}
	if q <= 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	rank := q * float64(s.count)
	var cumulative uint64
	lower := 0.0
	for i, upper := range bounds {
		prev := cumulative
		cumulative += s.counts[i]
		if float64(cumulative) >= rank && s.counts[i] > 0 {
			fraction := (rank - float64(prev)) / float64(s.counts[i])
			estimate := lower + (upper-lower)*fraction
			return math.Min(estimate, s.max)
		}
		lower = upper
	}
	return s.max
}

func pairs(labels []string) []Label {
	if len(labels) == 0 {
		return nil
	}
	out := make([]Label, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		out = append(out, Label{Name: labels[i], Value: labels[i+1]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func labelKey(labels []Label) string {
	if len(labels) == 0 {
		return ""
	}
	var b strings.Builder
	for i, l := range labels {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.Name)
		b.WriteByte('=')
		b.WriteString(l.Value)
	}
	return b.String()
}
