// Package gdocs reads campaign briefs out of Google Docs through the
// Docs REST API and flattens them to text the extractor can work with.
package gdocs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"briefline/internal/fault"
)

const defaultBaseURL = "https://docs.googleapis.com"

var docIDPattern = regexp.MustCompile(`/document/d/([a-zA-Z0-9-_]+)`)

// ExtractDocID pulls the document ID out of a docs.google.com URL. A
// bare ID passes through unchanged.
func ExtractDocID(url string) (string, error) {
	if m := docIDPattern.FindStringSubmatch(url); m != nil {
		return m[1], nil
	}
	trimmed := strings.TrimSpace(url)
	if trimmed != "" && !strings.Contains(trimmed, "/") {
		return trimmed, nil
	}
	return "", fmt.Errorf("%w: not a Google Doc URL: %s", fault.ErrValidation, url)
}

// DocURL returns the canonical edit URL for a document ID, optionally
// anchored to a heading.
func DocURL(docID, headingID string) string {
	base := fmt.Sprintf("https://docs.google.com/document/d/%s/edit", docID)
	if headingID != "" {
		return base + "#heading=" + headingID
	}
	return base
}

type Config struct {
	Token   string
	BaseURL string
	Timeout time.Duration
}

// Client fetches documents with a bearer token.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		token:      cfg.Token,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Heading is a named anchor inside a document.
type Heading struct {
	Text  string
	ID    string
	Level string
}

// Document is the fetched and flattened form of a brief.
type Document struct {
	ID       string
	Title    string
	Text     string
	Headings []Heading
}

// Fetch retrieves a document and flattens its body. Tables are
// rendered as markdown so downstream extraction keeps their structure.
func (c *Client) Fetch(ctx context.Context, docID string) (Document, error) {
	url := fmt.Sprintf("%s/v1/documents/%s", c.baseURL, docID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Document{}, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", fault.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Document{}, fmt.Errorf("%w: read response: %v", fault.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Document{}, fmt.Errorf("%w: document %s", fault.ErrNotFound, docID)
	case resp.StatusCode == http.StatusForbidden:
		return Document{}, fmt.Errorf("document %s: permission denied; share it with the service account", docID)
	case resp.StatusCode >= 500:
		return Document{}, fmt.Errorf("%w: docs api status %d", fault.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Document{}, fmt.Errorf("docs api status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw rawDocument
	if err := json.Unmarshal(body, &raw); err != nil {
		return Document{}, fmt.Errorf("%w: %v", fault.ErrMalformedResponse, err)
	}

	doc := Document{
		ID:       docID,
		Title:    raw.Title,
		Text:     flatten(raw.Body.Content),
		Headings: headings(raw.Body.Content),
	}
	if strings.TrimSpace(doc.Text) == "" {
		return Document{}, fmt.Errorf("%w: document %s has no text content", fault.ErrValidation, docID)
	}
	return doc, nil
}

type rawDocument struct {
	Title string `json:"title"`
	Body  struct {
		Content []structuralElement `json:"content"`
	} `json:"body"`
}

type structuralElement struct {
	Paragraph *paragraph `json:"paragraph"`
	Table     *table     `json:"table"`
}

type paragraph struct {
	Elements []struct {
		TextRun *struct {
			Content string `json:"content"`
		} `json:"textRun"`
	} `json:"elements"`
	ParagraphStyle struct {
		NamedStyleType string `json:"namedStyleType"`
		HeadingID      string `json:"headingId"`
	} `json:"paragraphStyle"`
}

type table struct {
	TableRows []struct {
		TableCells []struct {
			Content []structuralElement `json:"content"`
		} `json:"tableCells"`
	} `json:"tableRows"`
}

func (p *paragraph) text() string {
	var sb strings.Builder
	for _, el := range p.Elements {
		if el.TextRun != nil {
			sb.WriteString(el.TextRun.Content)
		}
	}
	return sb.String()
}

func flatten(content []structuralElement) string {
	var parts []string
	for _, el := range content {
		switch {
		case el.Paragraph != nil:
			parts = append(parts, el.Paragraph.text())
		case el.Table != nil:
			if md := tableMarkdown(el.Table); md != "" {
				parts = append(parts, "\n\n"+md+"\n\n")
			}
		}
	}
	return strings.Join(parts, "")
}

func tableMarkdown(t *table) string {
	if len(t.TableRows) == 0 {
		return ""
	}
	var rows []string
	for i, row := range t.TableRows {
		var cells []string
		for _, cell := range row.TableCells {
			text := strings.TrimSpace(strings.ReplaceAll(flatten(cell.Content), "\n", " "))
			cells = append(cells, text)
		}
		rows = append(rows, "| "+strings.Join(cells, " | ")+" |")
		if i == 0 {
			seps := make([]string, len(cells))
			for j := range seps {
				seps[j] = "---"
			}
			rows = append(rows, "| "+strings.Join(seps, " | ")+" |")
		}
	}
	return strings.Join(rows, "\n")
}

func headings(content []structuralElement) []Heading {
	var res []Heading
	for _, el := range content {
		if el.Paragraph == nil {
			continue
		}
		style := el.Paragraph.ParagraphStyle.NamedStyleType
		if !strings.Contains(style, "HEADING") {
			continue
		}
		text := strings.TrimSpace(el.Paragraph.text())
		if text == "" {
			continue
		}
		res = append(res, Heading{
			Text:  text,
			ID:    el.Paragraph.ParagraphStyle.HeadingID,
			Level: strings.TrimPrefix(style, "HEADING_"),
		})
	}
	return res
}

var taskIdentPattern = regexp.MustCompile(`(?i)^(Email|SMS|MMS)\s+(\d+)`)

// FindHeadingForTask matches a task name like "Email 1: Welcome" to a
// document heading so created tasks can deep-link back to the brief.
// Returns an empty string when nothing matches.
func FindHeadingForTask(taskName string, hs []Heading) string {
	if len(hs) == 0 {
		return ""
	}
	if m := taskIdentPattern.FindStringSubmatch(taskName); m != nil {
		kind := strings.ToLower(m[1])
		number := m[2]
		for _, h := range hs {
			lower := strings.ToLower(h.Text)
			if strings.Contains(lower, kind) && strings.Contains(lower, number) {
				return h.ID
			}
		}
	}
	words := strings.Fields(taskName)
	if len(words) > 3 {
		words = words[:3]
	}
	for _, h := range hs {
		headingWords := strings.Fields(strings.ToLower(h.Text))
		matches := 0
		for _, w := range words {
			for _, hw := range headingWords {
				if strings.ToLower(w) == hw {
					matches++
					break
				}
			}
		}
		if matches >= 2 {
			return h.ID
		}
	}
	return ""
}
