package boundary

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/cj/internal/faults"
)

// DefaultVersion is the CJ version used when a conversation does not name one.
const DefaultVersion = "v5.0.0"

const genericBoundaryMessage = "I don't have access to that data, but I can help you dig into your support tickets instead."

// Policy is the allow/forbid classification of data categories for one CJ version.
type Policy struct {
	Version             string            `yaml:"-" json:"version"`
	AllowedCategories   []string          `yaml:"allowed_categories" json:"allowed_categories"`
	ForbiddenCategories []string          `yaml:"forbidden_categories" json:"forbidden_categories"`
	BoundaryMessages    map[string]string `yaml:"boundary_messages" json:"boundary_messages"`
	// ToolCategories is the tool registry: tool tag to data category.
	ToolCategories map[string]string `yaml:"tool_categories" json:"tool_categories,omitempty"`

	allowed   map[string]bool
	forbidden map[string]bool
}

// BoundaryMessage returns the canned redirect phrase for a category. It is a
// lookup, never generated text.
func (p *Policy) BoundaryMessage(category string) string {
	if p != nil {
		if msg, ok := p.BoundaryMessages[normalize(category)]; ok && msg != "" {
			return msg
		}
	}
	return genericBoundaryMessage
}

func (p *Policy) compile() error {
	p.allowed = make(map[string]bool, len(p.AllowedCategories))
	p.forbidden = make(map[string]bool, len(p.ForbiddenCategories))
	for _, c := range p.AllowedCategories {
		p.allowed[normalize(c)] = true
	}
	for _, c := range p.ForbiddenCategories {
		c = normalize(c)
		if p.allowed[c] {
			return &faults.ConfigError{Kind: "policy", Name: p.Version, Reason: fmt.Sprintf("category %q is both allowed and forbidden", c)}
		}
		p.forbidden[c] = true
	}

	messages := make(map[string]string, len(p.BoundaryMessages))
	for category, msg := range p.BoundaryMessages {
		if strings.IndexFunc(msg, unicode.IsDigit) >= 0 {
			return &faults.ConfigError{Kind: "policy", Name: p.Version, Reason: fmt.Sprintf("boundary message for %q contains a figure", category)}
		}
		messages[normalize(category)] = strings.TrimSpace(msg)
	}
	p.BoundaryMessages = messages

	tools := make(map[string]string, len(p.ToolCategories))
	for tag, category := range p.ToolCategories {
		tools[normalize(tag)] = normalize(category)
	}
	p.ToolCategories = tools
	return nil
}

// Registry holds boundary policies keyed by CJ version. It is read-only after load.
type Registry struct {
	DefaultVersion string
	policies       map[string]*Policy
	hash           string
}

type registryFile struct {
	DefaultVersion string             `yaml:"default_version"`
	Policies       map[string]*Policy `yaml:"policies"`
}

// NewRegistry validates and indexes the given policies.
func NewRegistry(defaultVersion string, policies map[string]*Policy) (*Registry, error) {
	if len(policies) == 0 {
		return nil, &faults.ConfigError{Kind: "policy", Name: defaultVersion, Reason: "no policies configured"}
	}
	r := &Registry{
		DefaultVersion: strings.TrimSpace(defaultVersion),
		policies:       make(map[string]*Policy, len(policies)),
	}
	for version, p := range policies {
		if p == nil {
			continue
		}
		version = strings.TrimSpace(version)
		p.Version = version
		if err := p.compile(); err != nil {
			return nil, err
		}
		r.policies[version] = p
	}
	if r.DefaultVersion == "" {
		r.DefaultVersion = DefaultVersion
	}
	if _, ok := r.policies[r.DefaultVersion]; !ok {
		return nil, &faults.ConfigError{Kind: "policy", Name: r.DefaultVersion, Reason: "default version has no policy"}
	}
	return r, nil
}

// DefaultRegistry returns the built-in v5.0.0 policy.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultVersion, map[string]*Policy{DefaultVersion: defaultPolicy()})
	if err != nil {
		panic(err)
	}
	h := sha256.Sum256(nil)
	r.hash = "sha256:" + hex.EncodeToString(h[:])
	return r
}

// LoadRegistry loads policies from a YAML file. An empty path or a missing file
// yields the built-in registry. The hash covers the raw file bytes.
func LoadRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRegistry(), nil
		}
		return nil, fmt.Errorf("read boundary policy file: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry parses policy YAML.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &faults.ConfigError{Kind: "policy", Name: "file", Reason: err.Error()}
	}
	r, err := NewRegistry(file.DefaultVersion, file.Policies)
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(data)
	r.hash = "sha256:" + hex.EncodeToString(h[:])
	return r, nil
}

// Policy returns the policy for a CJ version. An empty version selects the default.
func (r *Registry) Policy(version string) (*Policy, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		version = r.DefaultVersion
	}
	p, ok := r.policies[version]
	if !ok {
		return nil, &faults.ConfigError{Kind: "cj_version", Name: version}
	}
	return p, nil
}

func (r *Registry) Versions() []string {
	out := make([]string, 0, len(r.policies))
	for v := range r.policies {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Hash() string {
	return r.hash
}

func defaultPolicy() *Policy {
	return &Policy{
		AllowedCategories:   []string{"tickets", "csat", "response_time", "channel_distribution"},
		ForbiddenCategories: []string{"revenue", "inventory", "marketing_analytics", "vendor_contracts"},
		BoundaryMessages: map[string]string{
			"revenue":             "I don't have access to revenue data, but I can show ticket trends about pricing.",
			"inventory":           "I can't see inventory levels, but I can pull up tickets that mention stock or availability.",
			"marketing_analytics": "Marketing analytics are outside what I can see, but I can show how customers talk about your campaigns in support.",
			"vendor_contracts":    "I don't have access to vendor contracts, but I can summarize supplier-related support tickets.",
		},
		ToolCategories: map[string]string{
			"search_tickets":           "tickets",
			"get_ticket_volume":        "tickets",
			"get_ticket_categories":    "tickets",
			"get_csat_scores":          "csat",
			"get_response_times":       "response_time",
			"get_channel_breakdown":    "channel_distribution",
			"get_revenue_report":       "revenue",
			"get_mrr":                  "revenue",
			"get_inventory_levels":     "inventory",
			"get_campaign_performance": "marketing_analytics",
			"get_vendor_contracts":     "vendor_contracts",
		},
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
