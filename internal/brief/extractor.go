// Package brief turns raw campaign brief text into a structured
// CampaignBrief by delegating to the completion model.
package brief

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"briefline/internal/domain"
	"briefline/internal/fault"
	"briefline/internal/llm"
)

const extractSystemPrompt = `You parse marketing campaign brief documents into structured task data for a project management system. Extract every deliverable the brief mentions (emails, SMS, MMS, design work, any other work item) as one task, in document order. Do not stop early or truncate the task list.

Respond with only a JSON object of this shape:
{
  "campaign_name": "...",
  "campaign_description": "...",
  "tasks": [
    {
      "name": "Email 1: Subject",
      "description": "what needs to be done",
      "notes": "additional context",
      "subject_line": "email subject if present",
      "copy": "the actual copy if present",
      "send_date": "YYYY-MM-DD",
      "fields": {"Message Type": "Email", "Priority": "High", "Audience": ["Segment A", "Segment B"]}
    }
  ]
}

Guidelines:
- Use consistent task naming: "Email 1: [Subject]", "SMS 1: [Topic]", and so on.
- Dates always use YYYY-MM-DD; omit send_date when the brief gives none.
- Put every field-like attribute the brief names (type, client, audience, coupon, priority, ...) into "fields" under the name the document uses; values are strings, or lists of strings for multi-valued fields.
- If content is laid out as a table, each row is a separate task.
- The JSON must be syntactically valid and complete.`

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Extractor produces a CampaignBrief from raw document text.
type Extractor struct {
	LLM llm.Client
}

type wireTask struct {
	Name        string                       `json:"name"`
	Description string                       `json:"description"`
	Notes       string                       `json:"notes"`
	SubjectLine string                       `json:"subject_line"`
	Copy        string                       `json:"copy"`
	SendDate    string                       `json:"send_date"`
	Fields      map[string]domain.FieldValue `json:"fields"`
}

type wireBrief struct {
	CampaignName        string     `json:"campaign_name"`
	CampaignDescription string     `json:"campaign_description"`
	Tasks               []wireTask `json:"tasks"`
}

// Extract runs one completion over the document text. If the response
// cannot be parsed into the expected shape it re-prompts once with the
// parse error attached, then gives up with ErrExtractionFailed. The
// extracted content itself is trusted; only structure is validated.
func (e Extractor) Extract(ctx context.Context, docID, text string) (domain.CampaignBrief, error) {
	user := "Brief document:\n\n" + text

	raw, err := e.LLM.CompleteJSON(ctx, extractSystemPrompt, user)
	if err != nil {
		return domain.CampaignBrief{}, fmt.Errorf("%w: %v", fault.ErrExtractionFailed, err)
	}

	parsed, parseErr := parseWire(raw)
	if parseErr != nil {
		corrective := user + fmt.Sprintf("\n\nYour previous response could not be parsed (%v). Respond again with only the complete, valid JSON object.", parseErr)
		raw, err = e.LLM.CompleteJSON(ctx, extractSystemPrompt, corrective)
		if err != nil {
			return domain.CampaignBrief{}, fmt.Errorf("%w: %v", fault.ErrExtractionFailed, err)
		}
		parsed, parseErr = parseWire(raw)
		if parseErr != nil {
			return domain.CampaignBrief{}, fmt.Errorf("%w: %v", fault.ErrExtractionFailed, parseErr)
		}
	}

	return clean(docID, parsed), nil
}

func parseWire(raw string) (wireBrief, error) {
	var wb wireBrief
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &wb); err != nil {
		return wireBrief{}, err
	}
	return wb, nil
}

// clean applies structural validation: tasks without a name are
// dropped, malformed send dates are cleared, and positions follow
// document order.
func clean(docID string, wb wireBrief) domain.CampaignBrief {
	cb := domain.CampaignBrief{
		DocID:       docID,
		Name:        strings.TrimSpace(wb.CampaignName),
		Description: strings.TrimSpace(wb.CampaignDescription),
	}
	if cb.Name == "" {
		cb.Name = "Untitled Campaign"
	}
	pos := 0
	for _, wt := range wb.Tasks {
		name := strings.TrimSpace(wt.Name)
		if name == "" {
			continue
		}
		pos++
		td := domain.TaskDescriptor{
			Position:    pos,
			Name:        name,
			Description: strings.TrimSpace(wt.Description),
			Notes:       strings.TrimSpace(wt.Notes),
			Subject:     strings.TrimSpace(wt.SubjectLine),
			Copy:        strings.TrimSpace(wt.Copy),
			Fields:      wt.Fields,
		}
		if datePattern.MatchString(wt.SendDate) {
			td.SendDate = wt.SendDate
		}
		if td.Copy != "" {
			if td.Notes != "" {
				td.Notes += "\n\nCopy:\n" + td.Copy
			} else {
				td.Notes = "Copy:\n" + td.Copy
			}
		}
		cb.Tasks = append(cb.Tasks, td)
	}
	return cb
}
