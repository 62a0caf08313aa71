// Package fields resolves human-readable field names and values from a
// brief onto a project's custom-field identifiers. Exact name matches
// are handled deterministically; what remains is delegated to the
// model in a single batched call, and every identifier the model
// proposes is checked against the schema before it is accepted.
package fields

import (
	"strings"

	"briefline/internal/asana"
)

// Option is one selectable value of a choice field.
type Option struct {
	GID  string
	Name string
}

// FieldDef is a single custom field in a project's schema snapshot.
type FieldDef struct {
	GID     string
	Name    string
	Type    string
	Options []Option
}

func (f FieldDef) isChoice() bool {
	return f.Type == asana.FieldTypeEnum || f.Type == asana.FieldTypeMultiEnum
}

// OptionByName matches an option display name case-insensitively.
func (f FieldDef) OptionByName(name string) (Option, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, opt := range f.Options {
		if strings.ToLower(opt.Name) == want {
			return opt, true
		}
	}
	return Option{}, false
}

// HasOption reports whether the option GID belongs to this field.
func (f FieldDef) HasOption(gid string) bool {
	for _, opt := range f.Options {
		if opt.GID == gid {
			return true
		}
	}
	return false
}

// Schema is a read-only snapshot of one project's field catalogue.
type Schema struct {
	fields []FieldDef
	byGID  map[string]FieldDef
}

// NewSchema builds a snapshot from API field definitions. Read-only
// custom_id fields cannot be set through the API and are excluded.
func NewSchema(defs []asana.CustomField) Schema {
	s := Schema{byGID: make(map[string]FieldDef)}
	for _, cf := range defs {
		if cf.ResourceSubtype == "custom_id" {
			continue
		}
		fd := FieldDef{GID: cf.GID, Name: cf.Name, Type: cf.ResourceSubtype}
		for _, opt := range cf.EnumOptions {
			if !opt.Enabled {
				continue
			}
			fd.Options = append(fd.Options, Option{GID: opt.GID, Name: opt.Name})
		}
		s.fields = append(s.fields, fd)
		s.byGID[fd.GID] = fd
	}
	return s
}

func (s Schema) Len() int { return len(s.fields) }

// Fields returns the defs in their original order.
func (s Schema) Fields() []FieldDef { return s.fields }

// ByGID looks a field up by its identifier.
func (s Schema) ByGID(gid string) (FieldDef, bool) {
	fd, ok := s.byGID[gid]
	return fd, ok
}

// ByName matches a display name case-insensitively.
func (s Schema) ByName(name string) (FieldDef, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, fd := range s.fields {
		if strings.ToLower(fd.Name) == want {
			return fd, true
		}
	}
	return FieldDef{}, false
}
