package exporter

import (
	"strconv"

	"github.com/aldas/go-vehicle-telemetry/decoder"
	"github.com/aldas/go-vehicle-telemetry/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource provides decoder counters
type StatsSource interface {
	Stats() decoder.Stats
}

// collector implements prometheus.Collector reading metric store and decoder counters on each scrape.
type collector struct {
	store *metric.Store
	stats StatsSource

	valueDesc   *prometheus.Desc
	infoDesc    *prometheus.Desc
	ageDesc     *prometheus.Desc
	staleDesc   *prometheus.Desc
	framesDesc  *prometheus.Desc
	cyclesDesc  *prometheus.Desc
	stringsDesc *prometheus.Desc
}

func newCollector(namespace string, store *metric.Store, stats StatsSource) *collector {
	return &collector{
		store: store,
		stats: stats,

		valueDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "metric", "value"),
			"Current value of numeric and boolean vehicle metrics. Vector elements are labelled with index.",
			[]string{"metric", "unit", "index"},
			nil,
		),
		infoDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "metric", "info"),
			"Current value of string vehicle metrics as label.",
			[]string{"metric", "value"},
			nil,
		),
		ageDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "metric", "age_seconds"),
			"Time since vehicle metric was last written.",
			[]string{"metric"},
			nil,
		),
		staleDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "metric", "stale"),
			"1 when vehicle metric has not been written within its staleness threshold.",
			[]string{"metric"},
			nil,
		),
		framesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "decoder", "frames_total"),
			"Frames seen by decoder by result.",
			[]string{"result"},
			nil,
		),
		cyclesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "decoder", "cycles_total"),
			"Multi-frame reassembly cycles by result.",
			[]string{"result"},
			nil,
		),
		stringsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "decoder", "strings_total"),
			"Chunked strings by result.",
			[]string{"result"},
			nil,
		),
	}
}

// Describe sends metric descriptors to the channel.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.valueDesc
	ch <- c.infoDesc
	ch <- c.ageDesc
	ch <- c.staleDesc
	if c.stats != nil {
		ch <- c.framesDesc
		ch <- c.cyclesDesc
		ch <- c.stringsDesc
	}
}

// Collect reads store and decoder counters and sends metrics to the channel.
// This is called on each Prometheus scrape.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, r := range c.store.Readings() {
		ch <- prometheus.MustNewConstMetric(c.staleDesc, prometheus.GaugeValue, boolToFloat(r.Stale), r.Name)
		if r.Updated.IsZero() {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.ageDesc, prometheus.GaugeValue, r.Age.Seconds(), r.Name)

		if r.IsVector() {
			c.collectVector(ch, r)
			continue
		}
		c.collectValue(ch, r.Name, string(r.Unit), "", r.Value)
	}

	if c.stats == nil {
		return
	}
	s := c.stats.Stats()
	ch <- prometheus.MustNewConstMetric(c.framesDesc, prometheus.CounterValue, float64(s.Decoded), "decoded")
	ch <- prometheus.MustNewConstMetric(c.framesDesc, prometheus.CounterValue, float64(s.Unknown), "unknown")
	ch <- prometheus.MustNewConstMetric(c.framesDesc, prometheus.CounterValue, float64(s.Malformed), "malformed")
	ch <- prometheus.MustNewConstMetric(c.cyclesDesc, prometheus.CounterValue, float64(s.CyclesCompleted), "completed")
	ch <- prometheus.MustNewConstMetric(c.cyclesDesc, prometheus.CounterValue, float64(s.CyclesAbandoned), "abandoned")
	ch <- prometheus.MustNewConstMetric(c.stringsDesc, prometheus.CounterValue, float64(s.StringsPublished), "published")
	ch <- prometheus.MustNewConstMetric(c.stringsDesc, prometheus.CounterValue, float64(s.StringsIncomplete), "incomplete")
	ch <- prometheus.MustNewConstMetric(c.stringsDesc, prometheus.CounterValue, float64(s.StringsAbandoned), "abandoned")
}

// collectVector exports only numeric vector elements that have been written at least once.
func (c *collector) collectVector(ch chan<- prometheus.Metric, r metric.Reading) {
	if r.Kind == metric.KindString {
		return
	}
	h, ok := c.store.Lookup(r.Name)
	if !ok {
		return
	}
	elements, err := c.store.GetRange(h, 0, len(r.Values))
	if err != nil {
		return
	}
	for i, e := range elements {
		if !e.Defined {
			continue
		}
		c.collectValue(ch, r.Name, string(r.Unit), strconv.Itoa(i), e.Value)
	}
}

func (c *collector) collectValue(ch chan<- prometheus.Metric, name string, unit string, index string, v metric.Value) {
	if v.Kind == metric.KindString {
		ch <- prometheus.MustNewConstMetric(c.infoDesc, prometheus.GaugeValue, 1, name, v.String)
		return
	}
	f, ok := v.AsFloat64()
	if !ok {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.valueDesc, prometheus.GaugeValue, f, name, unit, index)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
