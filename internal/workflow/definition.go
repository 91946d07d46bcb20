package workflow

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/cj/internal/conversation"
	"github.com/ent0n29/cj/internal/faults"
)

type Initiator string

const (
	InitiatorMerchant Initiator = "merchant"
	InitiatorAgent    Initiator = "agent"
)

// Milestone is an advisory checkpoint. Nothing ever waits on it.
type Milestone struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
}

type Definition struct {
	Name       conversation.Workflow `yaml:"name" json:"name"`
	Initiator  Initiator             `yaml:"initiator" json:"initiator"`
	Milestones []Milestone           `yaml:"milestones" json:"milestones"`
}

func (d Definition) milestone(name string) (Milestone, bool) {
	for _, m := range d.Milestones {
		if m.Name == name {
			return m, true
		}
	}
	return Milestone{}, false
}

// Definitions is the read-only set of workflows loaded at startup.
type Definitions struct {
	byName map[conversation.Workflow]Definition
}

func NewDefinitions(defs []Definition) (*Definitions, error) {
	known := make(map[conversation.Workflow]bool)
	for _, wf := range conversation.KnownWorkflows() {
		known[wf] = true
	}
	out := &Definitions{byName: make(map[conversation.Workflow]Definition, len(defs)+1)}
	for _, d := range defs {
		d.Name = conversation.Workflow(strings.TrimSpace(string(d.Name)))
		if !known[d.Name] {
			return nil, &faults.ConfigError{Kind: "workflow", Name: string(d.Name), Reason: "not in the closed workflow set"}
		}
		switch d.Initiator {
		case InitiatorMerchant, InitiatorAgent:
		case "":
			d.Initiator = InitiatorMerchant
		default:
			return nil, &faults.ConfigError{Kind: "workflow", Name: string(d.Name), Reason: fmt.Sprintf("invalid initiator %q", d.Initiator)}
		}
		out.byName[d.Name] = d
	}
	if _, ok := out.byName[conversation.WorkflowNone]; !ok {
		out.byName[conversation.WorkflowNone] = Definition{Name: conversation.WorkflowNone, Initiator: InitiatorAgent}
	}
	return out, nil
}

func (d *Definitions) Get(name conversation.Workflow) (Definition, bool) {
	def, ok := d.byName[name]
	return def, ok
}

// LoadDefinitions reads workflow definitions from YAML. An empty path or a
// missing file yields the built-in set.
func LoadDefinitions(path string) (*Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultDefinitions(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultDefinitions(), nil
		}
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	var file struct {
		Workflows []Definition `yaml:"workflows"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &faults.ConfigError{Kind: "workflow", Name: "file", Reason: err.Error()}
	}
	return NewDefinitions(file.Workflows)
}

func DefaultDefinitions() *Definitions {
	defs, err := NewDefinitions([]Definition{
		{
			Name:      conversation.WorkflowAdHocSupport,
			Initiator: InitiatorMerchant,
			Milestones: []Milestone{
				{Name: "understand_question"},
				{Name: "gather_ticket_data"},
				{Name: "answer"},
				{Name: "offer_follow_up"},
			},
		},
		{
			Name:      conversation.WorkflowDailyBriefing,
			Initiator: InitiatorAgent,
			Milestones: []Milestone{
				{Name: "overnight_volume", Description: "Ticket volume since the last briefing"},
				{Name: "urgent_tickets"},
				{Name: "csat_snapshot"},
				{Name: "recommended_actions"},
			},
		},
		{
			Name:      conversation.WorkflowCrisis,
			Initiator: InitiatorMerchant,
			Milestones: []Milestone{
				{Name: "assess_impact"},
				{Name: "identify_affected_customers"},
				{Name: "draft_customer_message"},
				{Name: "monitor_resolution"},
			},
		},
		{
			Name:      conversation.WorkflowWeeklyReview,
			Initiator: InitiatorAgent,
			Milestones: []Milestone{
				{Name: "volume_trends"},
				{Name: "response_time_review"},
				{Name: "top_issues"},
				{Name: "next_week_focus"},
			},
		},
	})
	if err != nil {
		panic(err)
	}
	return defs
}
