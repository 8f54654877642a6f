package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidProposal is returned when a proposal record fails ingestion.
var ErrInvalidProposal = errors.New("invalid proposal")

// IngestError describes which fields of a proposal record failed validation.
type IngestError struct {
	ProposalID string
	Fields     []string
	Cause      error
}

func (e *IngestError) Error() string {
	id := e.ProposalID
	if id == "" {
		id = "<no id>"
	}
	if len(e.Fields) > 0 {
		return fmt.Sprintf("invalid proposal %s: fields %s", id, strings.Join(e.Fields, ", "))
	}
	return fmt.Sprintf("invalid proposal %s: %v", id, e.Cause)
}

func (e *IngestError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrInvalidProposal, e.Cause}
	}
	return []error{ErrInvalidProposal}
}

// Proposal is a candidate code change emitted by an external generator.
// It is read-only once ingested; refinement produces new instances.
type Proposal struct {
	ID                 string    `json:"id" yaml:"id" validate:"required,max=128"`
	Agent              string    `json:"agent" yaml:"agent" validate:"required"`
	Title              string    `json:"title" yaml:"title" validate:"required"`
	Description        string    `json:"description" yaml:"description"`
	Diff               string    `json:"diff" yaml:"diff" validate:"required"`
	RiskLevel          RiskLevel `json:"risk_level" yaml:"risk_level" validate:"risklevel"`
	Rationale          string    `json:"rationale" yaml:"rationale"`
	FilesTouched       []string  `json:"files_touched" yaml:"files_touched" validate:"required,min=1,dive,required"`
	EstimatedLOCChange int       `json:"estimated_loc_change" yaml:"estimated_loc_change"` // negative for net deletions
	Tags               []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	Round              int       `json:"round" yaml:"round" validate:"gte=0"`
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterValidation("risklevel", func(fl validator.FieldLevel) bool {
		level, ok := fl.Field().Interface().(RiskLevel)
		return ok && level.Valid()
	})
}

// Validate checks the closed field set of a proposal.
func (p Proposal) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
		}
		return &IngestError{ProposalID: p.ID, Fields: fields}
	}
	return &IngestError{ProposalID: p.ID, Cause: err}
}

// FileSet returns the sorted, de-duplicated touched-file set.
func (p Proposal) FileSet() []string {
	return NormalizeFileSet(p.FilesTouched)
}

// HasTag reports whether the proposal carries the tag (case-insensitive).
func (p Proposal) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// WithDiff returns a copy carrying a revised diff and file set for the given round.
func (p Proposal) WithDiff(diff string, files []string, round int) Proposal {
	out := p.Clone()
	out.Diff = diff
	out.FilesTouched = append([]string(nil), files...)
	out.Round = round
	return out
}

// Clone returns a deep copy.
func (p Proposal) Clone() Proposal {
	out := p
	out.FilesTouched = append([]string(nil), p.FilesTouched...)
	out.Tags = append([]string(nil), p.Tags...)
	return out
}

// NormalizeFileSet cleans, de-duplicates and sorts a list of repo-relative paths.
func NormalizeFileSet(files []string) []string {
	seen := make(map[string]struct{}, len(files))
	out := make([]string, 0, len(files))
	for _, f := range files {
		f = strings.TrimPrefix(strings.TrimSpace(f), "./")
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// DecodeProposals ingests a JSON or YAML document holding either a single
// proposal, a list of proposals, or an object with a "proposals" list.
// Unknown fields are ignored. Every record is validated.
func DecodeProposals(data []byte) ([]Proposal, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var raw []Proposal
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, &IngestError{Cause: err}
		}
	case '{':
		var wrapper struct {
			Proposals []Proposal `json:"proposals"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err == nil && wrapper.Proposals != nil {
			raw = wrapper.Proposals
			break
		}
		var single Proposal
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, &IngestError{Cause: err}
		}
		raw = []Proposal{single}
	default:
		var wrapper struct {
			Proposals []Proposal `yaml:"proposals"`
		}
		if err := yaml.Unmarshal(trimmed, &wrapper); err == nil && wrapper.Proposals != nil {
			raw = wrapper.Proposals
			break
		}
		if err := yaml.Unmarshal(trimmed, &raw); err != nil {
			return nil, &IngestError{Cause: err}
		}
	}

	out := make([]Proposal, 0, len(raw))
	for _, p := range raw {
		p.FilesTouched = NormalizeFileSet(p.FilesTouched)
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
