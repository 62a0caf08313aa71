package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"briefline/internal/asana"
	"briefline/internal/config"
	"briefline/internal/db"
	"briefline/internal/domain"
	"briefline/internal/engine"
	"briefline/internal/fault"
	"briefline/internal/fields"
	"briefline/internal/gdocs"
	"briefline/internal/migrate"
)

const testJWTSecret = "test-secret"

type fakeDocs struct {
	doc gdocs.Document
	err error
}

func (f fakeDocs) Fetch(ctx context.Context, docID string) (gdocs.Document, error) {
	if f.err != nil {
		return gdocs.Document{}, f.err
	}
	return f.doc, nil
}

type fakeTasks struct {
	schema    fields.Schema
	schemaErr error
	created   []asana.TaskCreate
}

func (f *fakeTasks) Schema(ctx context.Context, projectGID string) (fields.Schema, error) {
	if f.schemaErr != nil {
		return fields.Schema{}, f.schemaErr
	}
	return f.schema, nil
}

func (f *fakeTasks) Sections(ctx context.Context, projectGID string) ([]asana.Section, error) {
	return []asana.Section{{GID: "sect-1", Name: "Inbox"}}, nil
}

func (f *fakeTasks) Project(ctx context.Context, projectGID string) (asana.Project, error) {
	return asana.Project{GID: projectGID, Name: "Campaign Work"}, nil
}

func (f *fakeTasks) CreateTask(ctx context.Context, tc asana.TaskCreate) (asana.Task, error) {
	f.created = append(f.created, tc)
	gid := fmt.Sprintf("task-%d", len(f.created))
	return asana.Task{GID: gid, Name: tc.Name, PermalinkURL: "https://tasks.example/" + gid}, nil
}

func (f *fakeTasks) AttachResource(ctx context.Context, taskGID, resourceURL, name string) error {
	return nil
}

type fakeModel struct{ extract string }

func (m fakeModel) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	if strings.Contains(system, "campaign brief") {
		return m.extract, nil
	}
	return `{"mappings":[]}`, nil
}

const testExtract = `{
	"campaign_name": "Fall Launch",
	"tasks": [
		{"name": "Email 1: Teaser", "send_date": "2026-10-01", "fields": {"Type": "Email"}}
	]
}`

type testServer struct {
	URL    string
	Engine engine.Engine
	Tasks  *fakeTasks
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	tasks := &fakeTasks{schema: fields.NewSchema([]asana.CustomField{
		{GID: "f-type", Name: "Type", ResourceSubtype: asana.FieldTypeEnum, EnumOptions: []asana.EnumOption{
			{GID: "opt-email", Name: "Email", Enabled: true},
		}},
	})}
	docs := fakeDocs{doc: gdocs.Document{ID: "doc-1", Title: "Brief", Text: "text"}}
	e := engine.New(conn, config.Default("proj-1"), docs, tasks, fakeModel{extract: testExtract})
	handler, err := New(Config{
		Engine: e,
		Auth:   AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Tasks:  tasks,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func actorHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", res.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	srv := newTestServer(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "jwt-user",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}
}

func TestProcessBrief(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/briefs/process", map[string]any{
		"doc_url": "https://docs.google.com/document/d/doc-1/edit",
	}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var summary RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if summary.CampaignName != "Fall Launch" || summary.TasksCreated != 1 || summary.Status != domain.RunCompleted {
		t.Fatalf("summary = %+v", summary)
	}
	if len(srv.Tasks.created) != 1 {
		t.Fatalf("created = %d", len(srv.Tasks.created))
	}

	// the run is retrievable afterwards
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/"+summary.RunID, nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run status %d: %s", res.StatusCode, data)
	}
	var got struct {
		Run   domain.Run       `json:"run"`
		Tasks []domain.RunTask `json:"tasks"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if got.Run.ID != summary.RunID || len(got.Tasks) != 1 {
		t.Fatalf("run = %+v tasks = %+v", got.Run, got.Tasks)
	}
}

func TestProcessBriefRequiresDocURL(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/briefs/process", map[string]any{}, actorHeaders())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
}

func TestPreviewBrief(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/briefs/preview", map[string]any{
		"doc_url": "doc-1",
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var summary RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !summary.Preview || summary.TotalTasks != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(srv.Tasks.created) != 0 {
		t.Fatalf("preview created %d tasks", len(srv.Tasks.created))
	}
}

func TestVerify(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/briefs/verify?project_gid=proj-1&section_gid=sect-1", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var v engine.VerifyResult
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.ProjectName != "Campaign Work" || v.SectionName != "Inbox" || len(v.Fields) != 1 {
		t.Fatalf("verify = %+v", v)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/briefs/verify?project_gid=proj-1&section_gid=missing", nil, actorHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing section status %d", res.StatusCode)
	}
}

func TestVerifyUpstreamUnavailable(t *testing.T) {
	srv := newTestServer(t)
	srv.Tasks.schemaErr = fmt.Errorf("%w: upstream 503", fault.ErrUnavailable)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/briefs/verify?project_gid=proj-1", nil, actorHeaders())
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Error.Code != "upstream_unavailable" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestProjectRegistry(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name":        "fall",
		"project_gid": "proj-fall",
		"section_gid": "sect-9",
	}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var pc domain.ProjectConfig
	if err := json.Unmarshal(data, &pc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pc.Name != "fall" || pc.ProjectGID != "proj-fall" {
		t.Fatalf("project = %+v", pc)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var list struct {
		Projects []domain.ProjectConfig `json:"projects"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Projects) != 1 {
		t.Fatalf("projects = %+v", list.Projects)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/projects/"+pc.ID, nil, actorHeaders())
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/projects/"+pc.ID, nil, actorHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status %d", res.StatusCode)
	}
}

func TestAPIKeyFlow(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "robot",
		"name":     "ci",
	}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var created struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Key == "" {
		t.Fatal("secret missing from create response")
	}

	// the minted key authenticates requests
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth status %d: %s", res.StatusCode, data)
	}

	// listing never exposes hashes or secrets
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/apikeys", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	if bytes.Contains(data, []byte(created.Key)) {
		t.Fatal("secret leaked in listing")
	}
	var list struct {
		Keys []domain.APIKey `json:"keys"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	for _, k := range list.Keys {
		if k.KeyHash != "" {
			t.Fatalf("hash exposed: %+v", k)
		}
	}

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/apikeys/"+created.ID, nil, actorHeaders())
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key status %d", res.StatusCode)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/briefs/process", map[string]any{
		"doc_url": "doc-1",
	}, actorHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("process status %d: %s", res.StatusCode, data)
	}
	var summary RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?run_id="+summary.RunID, nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, data)
	}
	var list struct {
		Events []domain.Event `json:"events"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(list.Events) == 0 {
		t.Fatal("no events recorded for run")
	}
	seen := map[string]bool{}
	for _, evt := range list.Events {
		seen[evt.Type] = true
	}
	if !seen["run.started"] || !seen["run.completed"] {
		t.Fatalf("event types = %v", seen)
	}
}

func TestRunListPagination(t *testing.T) {
	srv := newTestServer(t)
	for i := 0; i < 3; i++ {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/briefs/preview", map[string]any{
			"doc_url": "doc-1",
		}, actorHeaders())
		if res.StatusCode != http.StatusOK {
			t.Fatalf("preview %d status %d: %s", i, res.StatusCode, data)
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs?limit=2", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var page struct {
		Runs       []domain.Run `json:"runs"`
		NextCursor string       `json:"next_cursor"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Runs) != 2 || page.NextCursor == "" {
		t.Fatalf("page = %+v", page)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs?limit=2&cursor="+page.NextCursor, nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, data)
	}
	var next struct {
		Runs []domain.Run `json:"runs"`
	}
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(next.Runs) != 1 {
		t.Fatalf("second page = %+v", next.Runs)
	}
	for _, r := range next.Runs {
		for _, p := range page.Runs {
			if r.ID == p.ID {
				t.Fatalf("run %s repeated across pages", r.ID)
			}
		}
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/nope", nil, actorHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Error.Code != "not_found" || envelope.Error.Message == "" {
		t.Fatalf("body = %+v", envelope.Error)
	}
}
