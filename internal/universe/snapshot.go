// Package universe holds the ground-truth business and support snapshot that
// reply claims are checked against.
package universe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot is read-only once handed to the pipeline.
type Snapshot struct {
	Version string `yaml:"version" json:"version"`

	// Metrics maps a metric key such as "mrr" to its value.
	Metrics map[string]float64 `yaml:"metrics" json:"metrics"`
	// MetricAliases adds phrases that refer to a metric key.
	MetricAliases map[string][]string `yaml:"metric_aliases,omitempty" json:"metric_aliases,omitempty"`

	Customers []string `yaml:"customers,omitempty" json:"customers,omitempty"`
	// CustomersExhaustive means Customers lists every customer that exists.
	CustomersExhaustive bool `yaml:"customers_exhaustive,omitempty" json:"customers_exhaustive,omitempty"`

	// TicketCategories maps a category name to its ticket count.
	TicketCategories map[string]float64 `yaml:"ticket_categories,omitempty" json:"ticket_categories,omitempty"`
	// TicketCategoriesExhaustive means no other category exists.
	TicketCategoriesExhaustive bool `yaml:"ticket_categories_exhaustive,omitempty" json:"ticket_categories_exhaustive,omitempty"`

	// Timeline maps an event name such as "product_launch" to its date.
	Timeline map[string]time.Time `yaml:"timeline,omitempty" json:"timeline,omitempty"`
}

var builtinAliases = map[string][]string{
	"mrr":               {"monthly recurring revenue", "mrr"},
	"arr":               {"annual recurring revenue", "arr"},
	"subscribers":       {"subscribers", "subscriptions", "active subscribers"},
	"csat":              {"csat", "customer satisfaction", "satisfaction score"},
	"tickets":           {"tickets", "ticket volume", "support tickets"},
	"open_tickets":      {"open tickets"},
	"response_time":     {"response time", "first response time", "average response time"},
	"resolution_time":   {"resolution time", "time to resolution"},
	"orders":            {"orders"},
	"refund_rate":       {"refund rate"},
	"churn_rate":        {"churn", "churn rate"},
	"nps":               {"nps", "net promoter score"},
	"escalations":       {"escalations", "escalated tickets"},
	"urgent_tickets":    {"urgent tickets"},
	"chat_share":        {"chat share"},
	"email_share":       {"email share"},
	"aov":               {"average order value", "aov"},
}

// Normalize lowercases keys and fills Version with a content hash when it is
// empty. It returns s for chaining.
func (s *Snapshot) Normalize() *Snapshot {
	s.Metrics = lowerKeys(s.Metrics)
	s.TicketCategories = lowerKeys(s.TicketCategories)
	if len(s.Timeline) > 0 {
		tl := make(map[string]time.Time, len(s.Timeline))
		for k, v := range s.Timeline {
			tl[normalizeKey(k)] = v
		}
		s.Timeline = tl
	}
	if len(s.MetricAliases) > 0 {
		al := make(map[string][]string, len(s.MetricAliases))
		for k, v := range s.MetricAliases {
			al[normalizeKey(k)] = v
		}
		s.MetricAliases = al
	}
	if strings.TrimSpace(s.Version) == "" {
		s.Version = s.Fingerprint()
	}
	return s
}

// Fingerprint hashes the snapshot content, ignoring Version.
func (s *Snapshot) Fingerprint() string {
	c := *s
	c.Version = ""
	// encoding/json sorts map keys, so equal content hashes equally.
	raw, _ := json.Marshal(c)
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:12])
}

// MetricPhrases returns every phrase that names a metric present in the
// snapshot, mapped to its key.
func (s *Snapshot) MetricPhrases() map[string]string {
	out := make(map[string]string)
	for key := range s.Metrics {
		out[strings.ReplaceAll(key, "_", " ")] = key
		for _, a := range builtinAliases[key] {
			out[a] = key
		}
		for _, a := range s.MetricAliases[key] {
			if a = normalizeKey(a); a != "" {
				out[strings.ReplaceAll(a, "_", " ")] = key
			}
		}
	}
	return out
}

func (s *Snapshot) Metric(key string) (float64, bool) {
	v, ok := s.Metrics[normalizeKey(key)]
	return v, ok
}

func (s *Snapshot) TicketCategory(name string) (float64, bool) {
	v, ok := s.TicketCategories[normalizeKey(name)]
	return v, ok
}

// CategoryNames returns ticket category names with underscores as spaces,
// longest first.
func (s *Snapshot) CategoryNames() []string {
	out := make([]string, 0, len(s.TicketCategories))
	for k := range s.TicketCategories {
		out = append(out, strings.ReplaceAll(k, "_", " "))
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

func (s *Snapshot) HasCustomer(name string) bool {
	name = strings.TrimSpace(name)
	for _, c := range s.Customers {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

func (s *Snapshot) Event(name string) (time.Time, bool) {
	t, ok := s.Timeline[normalizeKey(name)]
	return t, ok
}

func Parse(data []byte, format string) (*Snapshot, error) {
	var snap Snapshot
	switch strings.ToLower(format) {
	case "json", ".json":
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("parse universe json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("parse universe yaml: %w", err)
		}
	}
	return snap.Normalize(), nil
}

// Load reads a snapshot from a .json, .yaml or .yml file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read universe %s: %w", path, err)
	}
	return Parse(data, filepath.Ext(path))
}

// Store holds the current default snapshot for requests that carry none.
type Store struct {
	cur atomic.Pointer[Snapshot]
}

func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	if initial == nil {
		initial = (&Snapshot{}).Normalize()
	}
	s.cur.Store(initial)
	return s
}

func (s *Store) Current() *Snapshot { return s.cur.Load() }

func (s *Store) Replace(snap *Snapshot) {
	if snap != nil {
		s.cur.Store(snap.Normalize())
	}
}

func lowerKeys(in map[string]float64) map[string]float64 {
	if len(in) == 0 {
		return in
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[normalizeKey(k)] = v
	}
	return out
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.Join(strings.Fields(k), "_")
}
