package fields_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"briefline/internal/asana"
	"briefline/internal/domain"
	"briefline/internal/fields"
)

type fakeModel struct {
	out   string
	err   error
	calls int
}

func (f *fakeModel) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

func testSchema() fields.Schema {
	return fields.NewSchema([]asana.CustomField{
		{GID: "f-type", Name: "Type", ResourceSubtype: asana.FieldTypeEnum, EnumOptions: []asana.EnumOption{
			{GID: "opt-email", Name: "Email", Enabled: true},
			{GID: "opt-sms", Name: "SMS", Enabled: true},
			{GID: "opt-old", Name: "Fax", Enabled: false},
		}},
		{GID: "f-prio", Name: "Priority", ResourceSubtype: asana.FieldTypeEnum, EnumOptions: []asana.EnumOption{
			{GID: "opt-high", Name: "High", Enabled: true},
			{GID: "opt-low", Name: "Low", Enabled: true},
		}},
		{GID: "f-aud", Name: "Audience", ResourceSubtype: asana.FieldTypeMultiEnum, EnumOptions: []asana.EnumOption{
			{GID: "opt-new", Name: "New Customers", Enabled: true},
			{GID: "opt-vip", Name: "VIP", Enabled: true},
		}},
		{GID: "f-send", Name: "Send Date", ResourceSubtype: asana.FieldTypeDate},
		{GID: "f-notes", Name: "Notes", ResourceSubtype: asana.FieldTypeText},
		{GID: "f-member", Name: "Ticket ID", ResourceSubtype: "custom_id"},
	})
}

func one(v string) domain.FieldValue      { return domain.FieldValue{One: v} }
func many(vs ...string) domain.FieldValue { return domain.FieldValue{Many: vs} }
func hasWarning(ws []string, sub string) bool {
	for _, w := range ws {
		if strings.Contains(w, sub) {
			return true
		}
	}
	return false
}

func TestExactMatchSkipsModel(t *testing.T) {
	model := &fakeModel{err: errors.New("should not be called")}
	r := fields.Resolver{LLM: model}
	resolved, warnings := r.Resolve(context.Background(), testSchema(), map[string]domain.FieldValue{
		"type":      one("email"), // case-insensitive on both sides
		"Send Date": one("2026-09-01"),
		"Notes":     one("launch week"),
	})
	if model.calls != 0 {
		t.Fatalf("model called %d times for exact matches", model.calls)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if v := resolved["f-type"]; v.OptionGID != "opt-email" {
		t.Fatalf("type = %+v", v)
	}
	if v := resolved["f-send"]; v.Kind != "date" || v.Text != "2026-09-01" {
		t.Fatalf("send date = %+v", v)
	}
	api := resolved.APIValues()
	date, ok := api["f-send"].(map[string]string)
	if !ok || date["date"] != "2026-09-01" {
		t.Fatalf("date api value = %#v", api["f-send"])
	}
}

func TestDisabledOptionNotExactMatched(t *testing.T) {
	model := &fakeModel{out: `{"mappings":[]}`}
	r := fields.Resolver{LLM: model}
	resolved, _ := r.Resolve(context.Background(), testSchema(), map[string]domain.FieldValue{
		"Type": one("Fax"),
	})
	if _, ok := resolved["f-type"]; ok {
		t.Fatalf("disabled option resolved: %+v", resolved["f-type"])
	}
	if model.calls != 1 {
		t.Fatalf("expected fallback call, got %d", model.calls)
	}
}

func TestSemanticFallback(t *testing.T) {
	model := &fakeModel{out: `{"mappings":[
		{"field_gid":"f-type","value":"opt-email","confidence":0.95},
		{"field_gid":"f-prio","value":"opt-high","confidence":0.9}
	]}`}
	r := fields.Resolver{LLM: model}
	resolved, warnings := r.Resolve(context.Background(), testSchema(), map[string]domain.FieldValue{
		"Channel":    one("Email blast"),
		"Importance": one("High"),
	})
	if model.calls != 1 {
		t.Fatalf("expected one batched call, got %d", model.calls)
	}
	if v := resolved["f-type"]; v.OptionGID != "opt-email" {
		t.Fatalf("type = %+v", v)
	}
	if v := resolved["f-prio"]; v.OptionGID != "opt-high" {
		t.Fatalf("priority = %+v", v)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
}

func TestHallucinatedOptionDropped(t *testing.T) {
	model := &fakeModel{out: `{"mappings":[{"field_gid":"f-type","value":"opt-invented","confidence":0.99}]}`}
	r := fields.Resolver{LLM: model}
	resolved, warnings := r.Resolve(context.Background(), testSchema(), map[string]domain.FieldValue{
		"Channel": one("Carrier pigeon"),
	})
	if _, ok := resolved["f-type"]; ok {
		t.Fatalf("hallucinated option accepted: %+v", resolved["f-type"])
	}
	if !hasWarning(warnings, "hallucinated") {
		t.Fatalf("missing hallucination warning: %v", warnings)
	}
}

func TestUnknownFieldGIDDropped(t *testing.T) {
	model := &fakeModel{out: `{"mappings":[{"field_gid":"f-invented","value":"whatever","confidence":0.9}]}`}
	r := fields.Resolver{LLM: model}
	resolved, warnings := r.Resolve(context.Background(), testSchema(), map[string]domain.FieldValue{
		"Mystery": one("value"),
	})
	if len(resolved) != 0 {
		t.Fatalf("unexpected resolutions: %+v", resolved)
	}
	if !hasWarning(warnings, "unknown field id") {
		t.Fatalf("missing warning: %v", warnings)
	}
}

func TestLowConfidenceDropped(t *testing.T) {
	model := &fakeModel{out: `{"mappings":[{"field_gid":"f-prio","value":"opt-high","confidence":0.3}]}`}
	r := fields.Resolver{LLM: model, MinConfidence: 0.5}
	resolved, warnings := r.Resolve(context.Background(), testSchema(), map[string]domain.FieldValue{
		"Importance": one("quite important"),
	})
	if _, ok := resolved["f-prio"]; ok {
		t.Fatalf("low-confidence mapping accepted")
	}
	if !hasWarning(warnings, "low-confidence") {
		t.Fatalf("missing warning: %v", warnings)
	}
}

func TestMultiEnumMergesExactAndSemantic(t *testing.T) {
	// "New Customers" matches exactly; "first-time buyers" needs the
	// model, which maps it to VIP. Both option gids must survive.
	model := &fakeModel{out: `{"mappings":[{"field_gid":"f-aud","value":["opt-vip"],"confidence":0.8}]}`}
	r := fields.Resolver{LLM: model}
	resolved, _ := r.Resolve(context.Background(), testSchema(), map[string]domain.FieldValue{
		"Audience": many("New Customers", "first-time buyers"),
	})
	v, ok := resolved["f-aud"]
	if !ok || v.Kind != "options" {
		t.Fatalf("audience = %+v", v)
	}
	got := map[string]bool{}
	for _, g := range v.OptionGIDs {
		got[g] = true
	}
	if !got["opt-new"] || !got["opt-vip"] || len(v.OptionGIDs) != 2 {
		t.Fatalf("merged gids = %v", v.OptionGIDs)
	}
}

func TestModelFailureKeepsExactMatches(t *testing.T) {
	model := &fakeModel{err: errors.New("upstream down")}
	r := fields.Resolver{LLM: model}
	resolved, warnings := r.Resolve(context.Background(), testSchema(), map[string]domain.FieldValue{
		"Priority": one("Low"),
		"Channel":  one("Email"),
	})
	if v := resolved["f-prio"]; v.OptionGID != "opt-low" {
		t.Fatalf("exact match lost: %+v", resolved)
	}
	if !hasWarning(warnings, "semantic field matching unavailable") {
		t.Fatalf("missing degradation warning: %v", warnings)
	}
}

func TestEmptyMappingsWarnsPerUnresolvedField(t *testing.T) {
	model := &fakeModel{out: `{"mappings":[]}`}
	r := fields.Resolver{LLM: model}
	resolved, warnings := r.Resolve(context.Background(), testSchema(), map[string]domain.FieldValue{
		"Mystery": one("no home for this"),
	})
	if model.calls != 1 {
		t.Fatalf("model calls = %d", model.calls)
	}
	if len(resolved) != 0 {
		t.Fatalf("unexpected resolutions: %+v", resolved)
	}
	if !hasWarning(warnings, `field "Mystery" could not be resolved`) {
		t.Fatalf("missing warning: %v", warnings)
	}
}

func TestPartialMappingsWarnOnlyForUncovered(t *testing.T) {
	// The model maps the fuzzy Priority value but stays silent about
	// Mystery; only Mystery may warn.
	model := &fakeModel{out: `{"mappings":[{"field_gid":"f-prio","value":"opt-high","confidence":0.9}]}`}
	r := fields.Resolver{LLM: model}
	resolved, warnings := r.Resolve(context.Background(), testSchema(), map[string]domain.FieldValue{
		"Priority": one("very important"),
		"Mystery":  one("unmappable"),
	})
	if v := resolved["f-prio"]; v.OptionGID != "opt-high" {
		t.Fatalf("priority = %+v", v)
	}
	if !hasWarning(warnings, `field "Mystery" could not be resolved`) {
		t.Fatalf("missing warning: %v", warnings)
	}
	if hasWarning(warnings, `field "Priority"`) {
		t.Fatalf("covered entry warned: %v", warnings)
	}
}

func TestNilModelWarnsPerUnresolvedField(t *testing.T) {
	r := fields.Resolver{}
	resolved, warnings := r.Resolve(context.Background(), testSchema(), map[string]domain.FieldValue{
		"Notes":   one("kept"),
		"Mystery": one("dropped"),
	})
	if v := resolved["f-notes"]; v.Text != "kept" {
		t.Fatalf("notes = %+v", v)
	}
	if !hasWarning(warnings, "could not be resolved") {
		t.Fatalf("missing warning: %v", warnings)
	}
}

func TestCustomIDFieldExcluded(t *testing.T) {
	if _, ok := testSchema().ByName("Ticket ID"); ok {
		t.Fatal("custom_id field should not be resolvable")
	}
}
