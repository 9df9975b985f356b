package metrics

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

const PrometheusContentType = "text/plain; version=0.0.4; charset=utf-8"

type Sample struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

type HistogramSample struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Count  uint64            `json:"count"`
	Sum    float64           `json:"sum"`
	Max    float64           `json:"max"`
	P50    float64           `json:"p50"`
	P95    float64           `json:"p95"`
	P99    float64           `json:"p99"`
}

type Snapshot struct {
	Counters   []Sample          `json:"counters"`
	Gauges     []Sample          `json:"gauges"`
	Histograms []HistogramSample `json:"histograms"`
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{Counters: []Sample{}, Gauges: []Sample{}, Histograms: []HistogramSample{}}
	for _, f := range r.sortedFamiliesLocked() {
		for _, s := range sortedSeries(f) {
			switch f.kind {
			case kindCounter:
				snap.Counters = append(snap.Counters, Sample{Name: f.name, Labels: labelMap(s.labels), Value: s.value})
			case kindGauge:
				snap.Gauges = append(snap.Gauges, Sample{Name: f.name, Labels: labelMap(s.labels), Value: s.value})
			case kindHistogram:
				snap.Histograms = append(snap.Histograms, HistogramSample{
					Name:   f.name,
					Labels: labelMap(s.labels),
					Count:  s.count,
					Sum:    s.sum,
					Max:    s.max,
					P50:    quantile(f.buckets, s, 0.50),
					P95:    quantile(f.buckets, s, 0.95),
					P99:    quantile(f.buckets, s, 0.99),
				})
			}
		}
	}
	return snap
}

// WritePrometheus renders the text exposition format.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bw := bufio.NewWriter(w)
	for _, f := range r.sortedFamiliesLocked() {
		if f.kind == "" {
			continue
		}
		if f.help != "" {
			fmt.Fprintf(bw, "# HELP %s %s\n", f.name, escapeHelp(f.help))
		}
		fmt.Fprintf(bw, "# TYPE %s %s\n", f.name, f.kind)
		for _, s := range sortedSeries(f) {
			if f.kind != kindHistogram {
				fmt.Fprintf(bw, "%s%s %s\n", f.name, formatLabels(s.labels, ""), formatValue(s.value))
				continue
			}
			var cumulative uint64
			for i, upper := range f.buckets {
				if i < len(s.counts) {
					cumulative += s.counts[i]
				}
				fmt.Fprintf(bw, "%s_bucket%s %d\n", f.name, formatLabels(s.labels, formatValue(upper)), cumulative)
			}
			fmt.Fprintf(bw, "%s_bucket%s %d\n", f.name, formatLabels(s.labels, "+Inf"), cumulative+s.inf)
			fmt.Fprintf(bw, "%s_sum%s %s\n", f.name, formatLabels(s.labels, ""), formatValue(s.sum))
			fmt.Fprintf(bw, "%s_count%s %d\n", f.name, formatLabels(s.labels, ""), s.count)
		}
	}
	return bw.Flush()
}

func (r *Registry) sortedFamiliesLocked() []*family {
	out := make([]*family, 0, len(r.families))
	for _, f := range r.families {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func sortedSeries(f *family) []*series {
	keys := make([]string, 0, len(f.series))
	for k := range f.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*series, 0, len(keys))
	for _, k := range keys {
		out = append(out, f.series[k])
	}
	return out
}

func labelMap(labels []Label) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for _, l := range labels {
		out[l.Name] = l.Value
	}
	return out
}

func formatLabels(labels []Label, le string) string {
	if len(labels) == 0 && le == "" {
		return ""
	}
	parts := make([]string, 0, len(labels)+1)
	for _, l := range labels {
		parts = append(parts, l.Name+"=\""+escapeLabel(l.Value)+"\"")
	}
	if le != "" {
		parts = append(parts, "le=\""+le+"\"")
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	return strings.ReplaceAll(v, `"`, `\"`)
}

func escapeHelp(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, "\n", `\n`)
}
