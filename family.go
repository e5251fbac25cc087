package eolstation

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleKind selects how a step's raw output is turned into a verdict.
type RuleKind string

const (
	RuleExact        RuleKind = "exact"
	RuleRange        RuleKind = "range"
	RuleCarryForward RuleKind = "carry_forward"
	RuleBoolean      RuleKind = "boolean"
	RuleCapture      RuleKind = "capture"
	RuleDefault      RuleKind = "default"
)

func (k RuleKind) valid() bool {
	switch k {
	case RuleExact, RuleRange, RuleCarryForward, RuleBoolean, RuleCapture, RuleDefault:
		return true
	}
	return false
}

// Rule binds a step name pattern to a classification rule.
type Rule struct {
	Pattern        string   `yaml:"pattern"`
	Kind           RuleKind `yaml:"rule"`
	Capture        []string `yaml:"capture,omitempty"`
	Label          string   `yaml:"label,omitempty"`
	DisplayCapture string   `yaml:"display_capture,omitempty"`
	// QuietRetries hides the intermediate "failed on attempt N" instruction.
	QuietRetries bool `yaml:"quiet_retries,omitempty"`
}

// ArgKind declares which arguments a step executable receives.
type ArgKind string

const (
	ArgsNone     ArgKind = "none"
	ArgsIdentity ArgKind = "identity"
	ArgsCapture  ArgKind = "capture"
)

// BindingKind names a built-in hardware step adapter.
type BindingKind string

const (
	BindSensorValue    BindingKind = "sensor_value"
	BindSensorFlag     BindingKind = "sensor_flag"
	BindSwitchPosition BindingKind = "switch_position"
	BindDoCommand      BindingKind = "do_command"
)

// Binding maps a step id to a Viam resource.
type Binding struct {
	Kind     BindingKind            `yaml:"kind"`
	Resource string                 `yaml:"resource"`
	Key      string                 `yaml:"key,omitempty"`
	Position uint32                 `yaml:"position,omitempty"`
	Command  map[string]interface{} `yaml:"command,omitempty"`
	Args     ArgKind                `yaml:"args,omitempty"`
	Capture  string                 `yaml:"capture,omitempty"`
}

// Family is the declarative profile of one product family.
type Family struct {
	Name        string             `yaml:"name"`
	ParamID     string             `yaml:"param_id"`
	OpnNo       string             `yaml:"opn_no"`
	Measured    bool               `yaml:"measured"`
	GlobalRetry bool               `yaml:"global_retry"`
	Columns     []string           `yaml:"columns,omitempty"`
	DefaultRule RuleKind           `yaml:"default_rule,omitempty"`
	Rules       []Rule             `yaml:"rules,omitempty"`
	Bindings    map[string]Binding `yaml:"bindings,omitempty"`
}

var (
	measuredColumns = []string{"S.No", "Test Sequence", "Parameter", "Value", "LSL", "USL", "Actual Value", "Result"}
	plainColumns    = []string{"S.No", "Test Sequence", "Parameter", "Actual Value", "Result"}
)

// ColumnSchema returns the display columns for the family's rows.
func (f *Family) ColumnSchema() []string {
	if len(f.Columns) > 0 {
		return f.Columns
	}
	if f.Measured {
		return measuredColumns
	}
	return plainColumns
}

// RuleFor returns the first rule whose pattern matches the step name.
func (f *Family) RuleFor(stepName string) Rule {
	for _, r := range f.Rules {
		if ok, _ := path.Match(r.Pattern, stepName); ok {
			return r
		}
	}
	kind := f.DefaultRule
	if kind == "" {
		kind = RuleDefault
	}
	return Rule{Pattern: "*", Kind: kind}
}

// SKUEntry maps a SKU to its step-list file under one family.
type SKUEntry struct {
	SKU    string `yaml:"sku"`
	File   string `yaml:"file"`
	Family string `yaml:"family"`
}

// Ruleset is the parsed families file.
type Ruleset struct {
	Families []Family   `yaml:"families"`
	SKUs     []SKUEntry `yaml:"skus"`
}

// LoadRuleset reads and validates a families file.
func LoadRuleset(p string) (*Ruleset, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading families file: %w", err)
	}
	return parseRuleset(data)
}

func parseRuleset(data []byte) (*Ruleset, error) {
	var rs Ruleset
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rs); err != nil {
		return nil, fmt.Errorf("parsing families file: %w", err)
	}
	if err := rs.validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *Ruleset) validate() error {
	if len(rs.Families) == 0 {
		return errors.New("families file defines no families")
	}
	seen := map[string]bool{}
	for i := range rs.Families {
		f := &rs.Families[i]
		if f.Name == "" {
			return fmt.Errorf("families[%d]: name is required", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("family %q defined twice", f.Name)
		}
		seen[f.Name] = true
		if f.DefaultRule != "" && !f.DefaultRule.valid() {
			return fmt.Errorf("family %q: unknown default_rule %q", f.Name, f.DefaultRule)
		}
		for j, r := range f.Rules {
			if !r.Kind.valid() {
				return fmt.Errorf("family %q rule %d: unknown rule %q", f.Name, j, r.Kind)
			}
			if _, err := path.Match(r.Pattern, ""); err != nil {
				return fmt.Errorf("family %q rule %d: bad pattern %q: %w", f.Name, j, r.Pattern, err)
			}
			if r.Kind == RuleCapture && len(r.Capture) != 2 {
				return fmt.Errorf("family %q rule %d: capture rule needs two capture keys", f.Name, j)
			}
		}
		for id, b := range f.Bindings {
			if err := b.validate(); err != nil {
				return fmt.Errorf("family %q binding %s: %w", f.Name, id, err)
			}
		}
	}
	for i, e := range rs.SKUs {
		if e.SKU == "" || e.File == "" {
			return fmt.Errorf("skus[%d]: sku and file are required", i)
		}
		if !seen[e.Family] {
			return fmt.Errorf("skus[%d]: unknown family %q", i, e.Family)
		}
	}
	return nil
}

func (b Binding) validate() error {
	if b.Resource == "" {
		return errors.New("resource is required")
	}
	switch b.Kind {
	case BindSensorValue, BindSensorFlag:
		if b.Key == "" {
			return errors.New("key is required")
		}
	case BindSwitchPosition, BindDoCommand:
	default:
		return fmt.Errorf("unknown kind %q", b.Kind)
	}
	switch b.Args {
	case "", ArgsNone, ArgsIdentity:
	case ArgsCapture:
		if b.Capture == "" {
			return errors.New("capture args need a capture key")
		}
	default:
		return fmt.Errorf("unknown args %q", b.Args)
	}
	return nil
}

// Family returns the named family.
func (rs *Ruleset) Family(name string) (*Family, bool) {
	for i := range rs.Families {
		if rs.Families[i].Name == name {
			return &rs.Families[i], true
		}
	}
	return nil, false
}

// lookupSKU returns the step-list file of sku under family. It distinguishes a
// SKU mapped only under another family from one mapped nowhere.
func (rs *Ruleset) lookupSKU(sku, family string) (string, error) {
	sku = strings.TrimSpace(sku)
	var other string
	for _, e := range rs.SKUs {
		if e.SKU != sku {
			continue
		}
		if e.Family == family {
			return e.File, nil
		}
		if other == "" {
			other = e.Family
		}
	}
	if other != "" {
		return "", fmt.Errorf("%w: %s is mapped to %s, active family is %s", ErrSKUWrongFamily, sku, other, family)
	}
	return "", fmt.Errorf("%w: %s", ErrSKUUnknown, sku)
}
