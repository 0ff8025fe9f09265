package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoRule is returned when a descriptor names neither an individual nor a
// direct dispatch rule.
var ErrNoRule = errors.New("dispatch: descriptor has no dispatch rule")

// Rule is the subset of a SIP dispatch-rule descriptor the agent needs to
// decide whether a room belongs to it.
type Rule struct {
	Name       string
	TrunkIDs   []string
	RoomPrefix string
	RoomName   string
	AgentNames []string
}

type descriptor struct {
	Name       string           `json:"name"`
	TrunkIDs   []string         `json:"trunk_ids"`
	Rule       *ruleBody        `json:"rule"`
	RoomConfig *roomConfig      `json:"room_config"`
	Wrapped    *json.RawMessage `json:"dispatch_rule"`
}

type ruleBody struct {
	Individual *struct {
		RoomPrefix string `json:"roomPrefix"`
	} `json:"dispatchRuleIndividual"`
	Direct *struct {
		RoomName string `json:"roomName"`
	} `json:"dispatchRuleDirect"`
}

type roomConfig struct {
	Agents []struct {
		AgentName string `json:"agent_name"`
	} `json:"agents"`
}

// Load reads a descriptor from disk.
func Load(path string) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dispatch: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a descriptor. Both the bare form and the form wrapped in a
// "dispatch_rule" object are accepted.
func Parse(data []byte) (*Rule, error) {
	var d descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("dispatch: decode: %w", err)
	}
	if d.Wrapped != nil {
		inner := descriptor{}
		if err := json.Unmarshal(*d.Wrapped, &inner); err != nil {
			return nil, fmt.Errorf("dispatch: decode dispatch_rule: %w", err)
		}
		if len(inner.TrunkIDs) == 0 {
			inner.TrunkIDs = d.TrunkIDs
		}
		if inner.RoomConfig == nil {
			inner.RoomConfig = d.RoomConfig
		}
		d = inner
	}
	if d.Rule == nil || (d.Rule.Individual == nil && d.Rule.Direct == nil) {
		return nil, ErrNoRule
	}

	rule := &Rule{Name: d.Name, TrunkIDs: d.TrunkIDs}
	if d.Rule.Individual != nil {
		rule.RoomPrefix = d.Rule.Individual.RoomPrefix
	}
	if d.Rule.Direct != nil {
		rule.RoomName = d.Rule.Direct.RoomName
	}
	if d.RoomConfig != nil {
		for _, a := range d.RoomConfig.Agents {
			if name := strings.TrimSpace(a.AgentName); name != "" {
				rule.AgentNames = append(rule.AgentNames, name)
			}
		}
	}
	return rule, nil
}

// Matches reports whether a room was created by this rule. A nil rule accepts
// every room.
func (r *Rule) Matches(room string) bool {
	if r == nil {
		return true
	}
	room = strings.TrimSpace(room)
	if room == "" {
		return false
	}
	if r.RoomName != "" {
		return room == r.RoomName
	}
	return strings.HasPrefix(room, r.RoomPrefix)
}

// Dispatches reports whether the rule routes calls to the named agent. Rules
// without explicit agents dispatch to any agent.
func (r *Rule) Dispatches(agentName string) bool {
	if r == nil || len(r.AgentNames) == 0 {
		return true
	}
	for _, name := range r.AgentNames {
		if name == agentName {
			return true
		}
	}
	return false
}
