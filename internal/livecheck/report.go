package livecheck

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tilt-dev/testrig/pkg/telemetry"
)

//go:embed report.schema.json
var reportSchemaJSON string

var reportSchema = jsonschema.MustCompileString("report.schema.json", reportSchemaJSON)

type AdviceLevel string

const (
	LevelViolation   AdviceLevel = "violation"
	LevelImprovement AdviceLevel = "improvement"
	LevelInformation AdviceLevel = "information"
)

// Advice types that map onto telemetry validation kinds.
const (
	AdviceMissingAttribute = "missing_attribute"
	AdviceTypeMismatch     = "type_mismatch"
	AdviceMissingName      = "missing_name"
)

type Advice struct {
	Type    string          `json:"advice_type"`
	Level   AdviceLevel     `json:"advice_level"`
	Value   json.RawMessage `json:"value,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ValueString renders Value without JSON quoting for strings.
func (a Advice) ValueString() string {
	if len(a.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(a.Value, &s); err == nil {
		return s
	}
	return string(a.Value)
}

type Sample struct {
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Result struct {
		Advice  []Advice     `json:"all_advice"`
		Highest *AdviceLevel `json:"highest_advice_level"`
	} `json:"live_check_result"`
}

type Statistics struct {
	TotalEntities    int                 `json:"total_entities"`
	TotalAdvisories  int                 `json:"total_advisories"`
	AdviceLevelCount map[AdviceLevel]int `json:"advice_level_counts"`
}

type Report struct {
	Samples    []Sample   `json:"samples"`
	Statistics Statistics `json:"statistics"`

	// Files the report was assembled from, in read order.
	Files []string `json:"-"`
}

// Finding is one piece of advice attached to the sample it came from.
type Finding struct {
	Kind   string
	Record string
	Advice Advice
}

func (f Finding) String() string {
	msg := fmt.Sprintf("%s %s: %s %s", f.Kind, f.Record, f.Advice.Level, f.Advice.Type)
	if v := f.Advice.ValueString(); v != "" {
		msg += fmt.Sprintf(" %q", v)
	}
	if f.Advice.Message != "" {
		msg += ": " + f.Advice.Message
	}
	return msg
}

// ReadReport merges every *.json report in dir. Each file is validated
// against the report schema before it is decoded.
func ReadReport(dir string) (*Report, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, errors.Wrap(err, "ReadReport")
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("ReadReport: no *.json report in %s", dir)
	}
	sort.Strings(paths)

	result := &Report{Statistics: Statistics{AdviceLevelCount: map[AdviceLevel]int{}}}
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrap(err, "ReadReport")
		}
		r, err := ParseReport(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "ReadReport(%s)", filepath.Base(p))
		}
		result.merge(r)
		result.Files = append(result.Files, p)
	}
	return result, nil
}

// ParseReport validates and decodes one report document.
func ParseReport(raw []byte) (*Report, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "decoding report")
	}
	if err := reportSchema.Validate(doc); err != nil {
		return nil, errors.Wrap(err, "report schema")
	}

	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errors.Wrap(err, "decoding report")
	}
	return &r, nil
}

func (r *Report) merge(o *Report) {
	r.Samples = append(r.Samples, o.Samples...)
	r.Statistics.TotalEntities += o.Statistics.TotalEntities
	r.Statistics.TotalAdvisories += o.Statistics.TotalAdvisories
	for k, v := range o.Statistics.AdviceLevelCount {
		r.Statistics.AdviceLevelCount[k] += v
	}
}

// Findings lists advice at level or more severe.
func (r *Report) Findings(level AdviceLevel) []Finding {
	var result []Finding
	for _, s := range r.Samples {
		for _, a := range s.Result.Advice {
			if severity(a.Level) >= severity(level) {
				result = append(result, Finding{Kind: s.Kind, Record: s.Name, Advice: a})
			}
		}
	}
	return result
}

// Violations is Findings(LevelViolation).
func (r *Report) Violations() []Finding {
	return r.Findings(LevelViolation)
}

// ValidationErrors converts the violations that correspond to a telemetry
// validation rule. The rest are returned as findings.
func (r *Report) ValidationErrors() ([]*telemetry.ValidationError, []Finding) {
	var errs []*telemetry.ValidationError
	var rest []Finding
	for _, f := range r.Violations() {
		if ve := f.validationError(); ve != nil {
			errs = append(errs, ve)
		} else {
			rest = append(rest, f)
		}
	}
	return errs, rest
}

func (f Finding) validationError() *telemetry.ValidationError {
	switch f.Advice.Type {
	case AdviceMissingAttribute:
		return &telemetry.ValidationError{
			Kind:      telemetry.MissingAttribute,
			Record:    f.Record,
			Attribute: f.Advice.ValueString(),
			Detail:    f.Advice.Message,
		}
	case AdviceTypeMismatch:
		return &telemetry.ValidationError{
			Kind:      telemetry.InvalidAttributeType,
			Record:    f.Record,
			Attribute: f.Advice.ValueString(),
			Detail:    f.Advice.Message,
		}
	case AdviceMissingName:
		return &telemetry.ValidationError{Kind: telemetry.EmptyName, Record: f.Record, Detail: f.Advice.Message}
	}
	return nil
}

func severity(l AdviceLevel) int {
	switch l {
	case LevelViolation:
		return 3
	case LevelImprovement:
		return 2
	case LevelInformation:
		return 1
	}
	return 0
}

func (r *Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d sample(s), %d advisories", len(r.Samples), r.Statistics.TotalAdvisories)
	for _, l := range []AdviceLevel{LevelViolation, LevelImprovement, LevelInformation} {
		if n := r.Statistics.AdviceLevelCount[l]; n > 0 {
			fmt.Fprintf(&sb, ", %d %s", n, l)
		}
	}
	return sb.String()
}
