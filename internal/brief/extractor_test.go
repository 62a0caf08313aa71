package brief_test

import (
	"context"
	"errors"
	"testing"

	"briefline/internal/brief"
	"briefline/internal/fault"
)

type scriptedModel struct {
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (m *scriptedModel) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	m.calls++
	m.prompts = append(m.prompts, user)
	if m.err != nil {
		return "", m.err
	}
	idx := m.calls - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx], nil
}

const goodResponse = `{
	"campaign_name": "Summer Sale",
	"campaign_description": "July promo",
	"tasks": [
		{"name": "Email 1: Kickoff", "subject_line": "Sale starts now", "send_date": "2026-07-01", "fields": {"Type": "Email"}},
		{"name": "SMS 1: Reminder", "send_date": "2026-07-03", "copy": "Last chance!"}
	]
}`

func TestExtract(t *testing.T) {
	model := &scriptedModel{responses: []string{goodResponse}}
	cb, err := brief.Extractor{LLM: model}.Extract(context.Background(), "doc-1", "brief text")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if cb.Name != "Summer Sale" || cb.DocID != "doc-1" {
		t.Fatalf("brief = %+v", cb)
	}
	if len(cb.Tasks) != 2 {
		t.Fatalf("tasks = %d", len(cb.Tasks))
	}
	first := cb.Tasks[0]
	if first.Position != 1 || first.Name != "Email 1: Kickoff" || first.SendDate != "2026-07-01" {
		t.Fatalf("first task = %+v", first)
	}
	if first.Fields["Type"].One != "Email" {
		t.Fatalf("fields = %+v", first.Fields)
	}
	if cb.Tasks[1].Notes != "Copy:\nLast chance!" {
		t.Fatalf("copy not merged into notes: %q", cb.Tasks[1].Notes)
	}
}

func TestExtractStripsFences(t *testing.T) {
	model := &scriptedModel{responses: []string{"```json\n" + goodResponse + "\n```"}}
	cb, err := brief.Extractor{LLM: model}.Extract(context.Background(), "doc-1", "text")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if model.calls != 1 {
		t.Fatalf("fenced response should parse first try, calls = %d", model.calls)
	}
	if len(cb.Tasks) != 2 {
		t.Fatalf("tasks = %d", len(cb.Tasks))
	}
}

func TestExtractRetriesOnceOnMalformedResponse(t *testing.T) {
	model := &scriptedModel{responses: []string{`{"campaign_name": "truncated`, goodResponse}}
	cb, err := brief.Extractor{LLM: model}.Extract(context.Background(), "doc-1", "text")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if model.calls != 2 {
		t.Fatalf("calls = %d", model.calls)
	}
	if len(model.prompts) != 2 || model.prompts[1] == model.prompts[0] {
		t.Fatal("retry prompt should carry the parse error")
	}
	if cb.Name != "Summer Sale" {
		t.Fatalf("brief = %+v", cb)
	}
}

func TestExtractGivesUpAfterSecondMalformedResponse(t *testing.T) {
	model := &scriptedModel{responses: []string{"not json", "still not json"}}
	_, err := brief.Extractor{LLM: model}.Extract(context.Background(), "doc-1", "text")
	if !errors.Is(err, fault.ErrExtractionFailed) {
		t.Fatalf("err = %v", err)
	}
	if model.calls != 2 {
		t.Fatalf("calls = %d", model.calls)
	}
}

func TestExtractWrapsModelError(t *testing.T) {
	model := &scriptedModel{err: errors.New("quota exhausted")}
	_, err := brief.Extractor{LLM: model}.Extract(context.Background(), "doc-1", "text")
	if !errors.Is(err, fault.ErrExtractionFailed) {
		t.Fatalf("err = %v", err)
	}
}

func TestCleanDropsNamelessTasksAndBadDates(t *testing.T) {
	model := &scriptedModel{responses: []string{`{
		"tasks": [
			{"name": "  ", "description": "no name"},
			{"name": "Email 1: Real", "send_date": "July 1st"},
			{"name": "SMS 1: Real", "send_date": "2026-07-02"}
		]
	}`}}
	cb, err := brief.Extractor{LLM: model}.Extract(context.Background(), "doc-1", "text")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if cb.Name != "Untitled Campaign" {
		t.Fatalf("name = %q", cb.Name)
	}
	if len(cb.Tasks) != 2 {
		t.Fatalf("tasks = %+v", cb.Tasks)
	}
	if cb.Tasks[0].SendDate != "" {
		t.Fatalf("malformed date kept: %q", cb.Tasks[0].SendDate)
	}
	if cb.Tasks[0].Position != 1 || cb.Tasks[1].Position != 2 {
		t.Fatalf("positions = %d, %d", cb.Tasks[0].Position, cb.Tasks[1].Position)
	}
}

func TestExtractZeroTasks(t *testing.T) {
	model := &scriptedModel{responses: []string{`{"campaign_name": "Empty", "tasks": []}`}}
	cb, err := brief.Extractor{LLM: model}.Extract(context.Background(), "doc-1", "text")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(cb.Tasks) != 0 {
		t.Fatalf("tasks = %+v", cb.Tasks)
	}
}
