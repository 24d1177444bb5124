package modulemap

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	SectionsAdded    prometheus.Counter
	SectionsRemoved  prometheus.Counter
	SectionConflicts prometheus.Counter
	Lookups          *prometheus.CounterVec
}

const (
	lookupHit         = "hit"
	lookupPidNotFound = "pid_not_found"
	lookupNotMapped   = "not_mapped"
)

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SectionsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modmap_sections_added_total",
			Help: "Total number of sections inserted into the module map",
		}),
		SectionsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modmap_sections_removed_total",
			Help: "Total number of sections removed from the module map by module unloads",
		}),
		SectionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modmap_section_conflicts_total",
			Help: "Total number of sections skipped because they overlap an already loaded section",
		}),
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modmap_lookups_total",
			Help: "Total number of address lookups by result",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SectionsAdded,
			m.SectionsRemoved,
			m.SectionConflicts,
			m.Lookups,
		)
	}
	return m
}

func (m *Metrics) added(n int) {
	if m != nil && n > 0 {
		m.SectionsAdded.Add(float64(n))
	}
}

func (m *Metrics) removed(n int) {
	if m != nil && n > 0 {
		m.SectionsRemoved.Add(float64(n))
	}
}

func (m *Metrics) conflict() {
	if m != nil {
		m.SectionConflicts.Inc()
	}
}

func (m *Metrics) lookup(result string) {
	if m != nil {
		m.Lookups.WithLabelValues(result).Inc()
	}
}
