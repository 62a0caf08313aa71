package fields

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"briefline/internal/asana"
	"briefline/internal/domain"
	"briefline/internal/llm"
)

// ResolvedValue is the typed result of resolving one field. Exactly
// one variant is populated according to Kind.
type ResolvedValue struct {
	Kind       string // text, number, date, option, options
	Text       string
	OptionGID  string
	OptionGIDs []string
}

// APIValue renders the value the way the task system's create endpoint
// expects it. Date fields are wrapped in a {"date": ...} object.
func (v ResolvedValue) APIValue() any {
	switch v.Kind {
	case "option":
		return v.OptionGID
	case "options":
		return v.OptionGIDs
	case "date":
		return map[string]string{"date": v.Text}
	default:
		return v.Text
	}
}

// ResolvedSet maps field GIDs to resolved values.
type ResolvedSet map[string]ResolvedValue

// APIValues renders the whole set for a create payload.
func (s ResolvedSet) APIValues() map[string]any {
	if len(s) == 0 {
		return nil
	}
	out := make(map[string]any, len(s))
	for gid, v := range s {
		out[gid] = v.APIValue()
	}
	return out
}

// Resolver reconciles brief field entries against a schema snapshot.
type Resolver struct {
	LLM llm.Client

	// MinConfidence gates model-proposed mappings. Zero accepts every
	// mapping that survives schema validation.
	MinConfidence float64
}

type unresolvedEntry struct {
	name  string
	value domain.FieldValue
}

// Resolve maps raw name/value pairs onto schema identifiers. Exact
// case-insensitive matches never reach the model; the rest go out in
// one batched call. Fields that cannot be resolved are dropped with a
// warning, never treated as fatal, and a model failure degrades to
// whatever the exact pass already produced.
func (r Resolver) Resolve(ctx context.Context, schema Schema, raw map[string]domain.FieldValue) (ResolvedSet, []string) {
	resolved := make(ResolvedSet)
	var warnings []string
	var unresolved []unresolvedEntry

	for name, value := range raw {
		fd, ok := schema.ByName(name)
		if !ok {
			unresolved = append(unresolved, unresolvedEntry{name: name, value: value})
			continue
		}
		switch fd.Type {
		case asana.FieldTypeEnum:
			if opt, ok := fd.OptionByName(value.One); ok {
				resolved[fd.GID] = ResolvedValue{Kind: "option", OptionGID: opt.GID}
			} else {
				unresolved = append(unresolved, unresolvedEntry{name: name, value: value})
			}
		case asana.FieldTypeMultiEnum:
			elements := value.Many
			if elements == nil {
				elements = []string{value.One}
			}
			var gids []string
			allMatched := true
			for _, el := range elements {
				if opt, ok := fd.OptionByName(el); ok {
					gids = append(gids, opt.GID)
				} else {
					allMatched = false
				}
			}
			if len(gids) > 0 {
				resolved[fd.GID] = ResolvedValue{Kind: "options", OptionGIDs: gids}
			}
			if !allMatched {
				unresolved = append(unresolved, unresolvedEntry{name: name, value: value})
			}
		case asana.FieldTypeDate:
			resolved[fd.GID] = ResolvedValue{Kind: "date", Text: value.One}
		case asana.FieldTypeNumber:
			resolved[fd.GID] = ResolvedValue{Kind: "number", Text: value.One}
		default:
			resolved[fd.GID] = ResolvedValue{Kind: "text", Text: value.One}
		}
	}

	if len(unresolved) == 0 || r.LLM == nil {
		for _, e := range unresolved {
			warnings = append(warnings, fmt.Sprintf("field %q could not be resolved", e.name))
		}
		return resolved, warnings
	}

	proposals, err := r.matchSemantically(ctx, schema, unresolved)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("semantic field matching unavailable: %v", err))
		return resolved, warnings
	}

	accepted := make(map[string]bool, len(proposals))
	for _, p := range proposals {
		fd, ok := schema.ByGID(p.FieldGID)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("dropping mapping for unknown field id %s", p.FieldGID))
			continue
		}
		if r.MinConfidence > 0 && p.Confidence < r.MinConfidence {
			warnings = append(warnings, fmt.Sprintf("dropping low-confidence mapping for field %q (%.2f)", fd.Name, p.Confidence))
			continue
		}
		v, warn := validateProposal(fd, p)
		if warn != "" {
			warnings = append(warnings, warn)
		}
		if v == nil {
			continue
		}
		if fd.Type == asana.FieldTypeMultiEnum {
			// Merge with option GIDs the exact pass already found.
			if prev, ok := resolved[fd.GID]; ok && prev.Kind == "options" {
				v.OptionGIDs = mergeGIDs(prev.OptionGIDs, v.OptionGIDs)
			}
		}
		resolved[fd.GID] = *v
		accepted[fd.GID] = true
	}

	// Entries the model produced no usable mapping for are dropped, but
	// never silently. Entries whose name matched a schema field are
	// covered by an accepted mapping for that field; the rest claim
	// accepted mappings not attributable to a named entry.
	namedGIDs := make(map[string]bool, len(unresolved))
	for _, e := range unresolved {
		if fd, ok := schema.ByName(e.name); ok {
			namedGIDs[fd.GID] = true
		}
	}
	unclaimed := 0
	for gid := range accepted {
		if !namedGIDs[gid] {
			unclaimed++
		}
	}
	for _, e := range unresolved {
		if fd, ok := schema.ByName(e.name); ok {
			if accepted[fd.GID] {
				continue
			}
		} else if unclaimed > 0 {
			unclaimed--
			continue
		}
		warnings = append(warnings, fmt.Sprintf("field %q could not be resolved", e.name))
	}
	return resolved, warnings
}

func mergeGIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, g := range append(a, b...) {
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	return out
}

// validateProposal checks a model proposal against the schema and
// converts it into a typed value. A nil result means the proposal was
// rejected outright.
func validateProposal(fd FieldDef, p proposal) (*ResolvedValue, string) {
	switch fd.Type {
	case asana.FieldTypeEnum:
		gid := p.Value.One
		if !fd.HasOption(gid) {
			return nil, fmt.Sprintf("dropping hallucinated option %s for field %q", gid, fd.Name)
		}
		return &ResolvedValue{Kind: "option", OptionGID: gid}, ""
	case asana.FieldTypeMultiEnum:
		elements := p.Value.Many
		if elements == nil {
			elements = []string{p.Value.One}
		}
		var gids []string
		var warn string
		for _, gid := range elements {
			if fd.HasOption(gid) {
				gids = append(gids, gid)
			} else {
				warn = fmt.Sprintf("dropping hallucinated option %s for field %q", gid, fd.Name)
			}
		}
		if len(gids) == 0 {
			return nil, warn
		}
		return &ResolvedValue{Kind: "options", OptionGIDs: gids}, warn
	case asana.FieldTypeDate:
		return &ResolvedValue{Kind: "date", Text: p.Value.One}, ""
	case asana.FieldTypeNumber:
		return &ResolvedValue{Kind: "number", Text: p.Value.One}, ""
	default:
		return &ResolvedValue{Kind: "text", Text: p.Value.One}, ""
	}
}

type proposal struct {
	FieldGID   string            `json:"field_gid"`
	Value      domain.FieldValue `json:"value"`
	Confidence float64           `json:"confidence"`
}

const matchSystemPrompt = `You map field names and values from a campaign brief onto a project's custom field identifiers. For choice fields, map values to option gids. Only propose mappings you are reasonably sure about; report a confidence between 0 and 1 for each. Respond with only a JSON object of the form {"mappings":[{"field_gid":"...","value":"<option gid, list of option gids, or raw string>","confidence":0.9}]}.`

func (r Resolver) matchSemantically(ctx context.Context, schema Schema, entries []unresolvedEntry) ([]proposal, error) {
	type optionDesc struct {
		GID  string `json:"gid"`
		Name string `json:"name"`
	}
	type fieldDesc struct {
		GID     string       `json:"gid"`
		Name    string       `json:"name"`
		Type    string       `json:"type"`
		Options []optionDesc `json:"options,omitempty"`
	}
	var catalog []fieldDesc
	for _, fd := range schema.Fields() {
		d := fieldDesc{GID: fd.GID, Name: fd.Name, Type: fd.Type}
		for _, opt := range fd.Options {
			d.Options = append(d.Options, optionDesc{GID: opt.GID, Name: opt.Name})
		}
		catalog = append(catalog, d)
	}
	pending := make(map[string]domain.FieldValue, len(entries))
	for _, e := range entries {
		pending[e.name] = e.value
	}

	catalogJSON, err := json.Marshal(catalog)
	if err != nil {
		return nil, err
	}
	pendingJSON, err := json.Marshal(pending)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("Available custom fields:\n")
	sb.Write(catalogJSON)
	sb.WriteString("\n\nUnmatched brief fields:\n")
	sb.Write(pendingJSON)

	out, err := r.LLM.CompleteJSON(ctx, matchSystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Mappings []proposal `json:"mappings"`
	}
	if err := json.Unmarshal([]byte(llm.StripFences(out)), &parsed); err != nil {
		return nil, fmt.Errorf("parse mapping response: %w", err)
	}
	return parsed.Mappings, nil
}
