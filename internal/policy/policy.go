// Package policy holds the named threshold and weight configurations the
// gate and composer read during an evaluation.
//
// Policies are defined as YAML profiles under a risk_profiles key and one is
// selected by name (POLICY_PROFILE). A FileProvider reloads the file when it
// changes; evaluations always see one complete policy, never a partial one.
package policy

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/tiltguard/internal/gate"
	"github.com/mbd888/tiltguard/internal/risk"
	"github.com/mbd888/tiltguard/internal/signals"
)

// DefaultProfile is used when no profile name is configured.
const DefaultProfile = "moderate"

var ErrInvalidPolicy = errors.New("policy: invalid")

// Policy is one named configuration.
type Policy struct {
	Name                string                    `yaml:"-" json:"name"`
	BlockThreshold      float64                   `yaml:"block_threshold" json:"blockThreshold"`
	CooldownBaseMinutes float64                   `yaml:"cooldown_base_minutes" json:"cooldownBaseMinutes"`
	ConfidenceFloor     float64                   `yaml:"confidence_floor" json:"confidenceFloor"`
	EnabledModalities   map[signals.Modality]bool `yaml:"enabled_modalities,omitempty" json:"enabledModalities,omitempty"`
	Weights             risk.Weights              `yaml:"weights" json:"weights"`
}

// Default returns the built-in moderate policy.
func Default() Policy {
	return Policy{
		Name:                DefaultProfile,
		BlockThreshold:      gate.DefaultBlockThreshold,
		CooldownBaseMinutes: gate.DefaultCooldownBase.Minutes(),
		ConfidenceFloor:     gate.DefaultConfidenceFloor,
		Weights:             risk.DefaultWeights(),
	}
}

// Enabled reports whether m may contribute to the composite. Modalities
// missing from EnabledModalities are enabled.
func (p Policy) Enabled(m signals.Modality) bool {
	on, ok := p.EnabledModalities[m]
	return !ok || on
}

// Thresholds converts the policy into gate thresholds.
func (p Policy) Thresholds() gate.Thresholds {
	return gate.Thresholds{
		Block:           p.BlockThreshold,
		CooldownBase:    time.Duration(p.CooldownBaseMinutes * float64(time.Minute)),
		ConfidenceFloor: p.ConfidenceFloor,
	}
}

// Validate rejects out-of-range values and unknown modalities.
func (p Policy) Validate() error {
	if p.BlockThreshold <= 0 || p.BlockThreshold > risk.MaxScore {
		return fmt.Errorf("%w: block_threshold %.1f must be in (0, 100]", ErrInvalidPolicy, p.BlockThreshold)
	}
	if p.CooldownBaseMinutes <= 0 {
		return fmt.Errorf("%w: cooldown_base_minutes must be positive", ErrInvalidPolicy)
	}
	if p.ConfidenceFloor < 0 || p.ConfidenceFloor > 1 {
		return fmt.Errorf("%w: confidence_floor %.2f must be in [0, 1]", ErrInvalidPolicy, p.ConfidenceFloor)
	}
	for m := range p.EnabledModalities {
		known := false
		for _, k := range signals.AllModalities {
			if m == k {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: unknown modality %q", ErrInvalidPolicy, m)
		}
	}
	for _, m := range signals.AllModalities {
		if w := p.Weights.For(m); w < 0 || w > 1 {
			return fmt.Errorf("%w: weight for %s %.2f must be in [0, 1]", ErrInvalidPolicy, m, w)
		}
	}
	return nil
}

// Parse decodes a risk_profiles document and returns the named profile.
// Fields a profile omits keep their Default values. An empty name selects
// DefaultProfile.
func Parse(data []byte, name string) (Policy, error) {
	if name == "" {
		name = DefaultProfile
	}

	var doc struct {
		RiskProfiles map[string]yaml.Node `yaml:"risk_profiles"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Policy{}, fmt.Errorf("failed to parse policy file: %w", err)
	}

	node, ok := doc.RiskProfiles[name]
	if !ok {
		return Policy{}, fmt.Errorf("%w: profile %q not found (have %v)", ErrInvalidPolicy, name, profileNames(doc.RiskProfiles))
	}

	p := Default()
	if err := node.Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("failed to decode profile %q: %w", name, err)
	}
	p.Name = name
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Load reads path and returns the named profile.
func Load(path, name string) (Policy, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data, name)
}

func profileNames(m map[string]yaml.Node) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Provider returns the policy in force. Implementations must be safe for
// concurrent use.
type Provider interface {
	Active() Policy
}

// Static always returns the same policy.
type Static Policy

func (s Static) Active() Policy { return Policy(s) }
