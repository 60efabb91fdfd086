package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/splits-network/splits-sub027/assignment"
	"github.com/splits-network/splits-sub027/auth"
	"github.com/splits-network/splits-sub027/documents"
	"github.com/splits-network/splits-sub027/memstore"
)

type testAPI struct {
	handler http.Handler
	tokens  map[assignment.Role]string
	store   *memstore.Store
	stager  *documents.MemoryStager
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	verifier, err := auth.NewService("test-secret")
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	store := memstore.New()
	stager := documents.NewMemoryStager()
	engine := assignment.NewEngine(store, stager)
	server := NewServer(engine, verifier, nil, time.Second)

	api := &testAPI{handler: server.Router(), tokens: map[assignment.Role]string{}, store: store, stager: stager}
	for _, role := range []assignment.Role{assignment.RoleCandidateRecruiter, assignment.RoleCompanyRecruiter, assignment.RoleCompany} {
		token, err := verifier.IssueToken("user-"+string(role), []assignment.Role{role}, time.Hour)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		api.tokens[role] = token
	}
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, role assignment.Role, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+a.tokens[role])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decodeAssignment(t *testing.T, rec *httptest.ResponseRecorder) assignmentResponse {
	t.Helper()
	var resp assignmentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error: %v (%s)", err, rec.Body.String())
	}
	return body.Error
}

func (a *testAPI) submit(t *testing.T) assignmentResponse {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/assignments", assignment.RoleCandidateRecruiter, submitRequest{CandidateID: "cand-1", JobID: "job-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decodeAssignment(t, rec)
}

func TestSubmitAndApprove(t *testing.T) {
	api := newTestAPI(t)
	created := api.submit(t)
	if created.Gate != "candidate_recruiter" || created.Version != 1 {
		t.Fatalf("unexpected created assignment %+v", created)
	}

	rec := api.do(t, http.MethodPost, "/api/assignments/"+created.ID+"/approve", assignment.RoleCandidateRecruiter, map[string]any{
		"expected_version": 1,
		"notes":            "looks strong",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeAssignment(t, rec)
	if resp.Gate != "company_recruiter" || resp.Version != 2 || len(resp.History) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.History[0].Action != "approve" || resp.History[0].Payload.Text != "looks strong" {
		t.Fatalf("unexpected event %+v", resp.History[0])
	}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/api/assignments/x", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
	if decodeError(t, rec).Code != "unauthenticated" {
		t.Fatalf("unexpected error body %s", rec.Body.String())
	}
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	created := api.submit(t)
	base := "/api/assignments/" + created.ID

	cases := []struct {
		name   string
		path   string
		role   assignment.Role
		body   map[string]any
		status int
		code   string
	}{
		{"missing version", base + "/deny", assignment.RoleCandidateRecruiter, map[string]any{"reason": "x"}, http.StatusBadRequest, "validation"},
		{"empty reason", base + "/deny", assignment.RoleCandidateRecruiter, map[string]any{"expected_version": 1, "reason": ""}, http.StatusBadRequest, "validation"},
		{"wrong role", base + "/approve", assignment.RoleCompany, map[string]any{"expected_version": 1}, http.StatusForbidden, "authorization"},
		{"stale", base + "/approve", assignment.RoleCandidateRecruiter, map[string]any{"expected_version": 7}, http.StatusConflict, "stale_state"},
		{"no request", base + "/provide-info", assignment.RoleCompanyRecruiter, map[string]any{"expected_version": 1, "answers": "a"}, http.StatusConflict, "conflict"},
		{"unknown", "/api/assignments/nope/notes", assignment.RoleCandidateRecruiter, map[string]any{"expected_version": 1, "note": "n"}, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, tc.path, tc.role, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if got := decodeError(t, rec).Code; got != tc.code {
				t.Fatalf("expected code %q, got %q", tc.code, got)
			}
		})
	}
}

func TestTerminalStateIsConflict(t *testing.T) {
	api := newTestAPI(t)
	created := api.submit(t)
	base := "/api/assignments/" + created.ID

	rec := api.do(t, http.MethodPost, base+"/deny", assignment.RoleCandidateRecruiter, map[string]any{"expected_version": 1, "reason": "not a fit"})
	if rec.Code != http.StatusOK {
		t.Fatalf("deny: %d %s", rec.Code, rec.Body.String())
	}
	rec = api.do(t, http.MethodPost, base+"/notes", assignment.RoleCandidateRecruiter, map[string]any{"expected_version": 2, "note": "late"})
	if rec.Code != http.StatusConflict || decodeError(t, rec).Code != "terminal_state" {
		t.Fatalf("expected terminal_state conflict, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHistoryAndPermissions(t *testing.T) {
	api := newTestAPI(t)
	created := api.submit(t)
	base := "/api/assignments/" + created.ID

	rec := api.do(t, http.MethodPost, base+"/request-info", assignment.RoleCandidateRecruiter, map[string]any{"expected_version": 1, "questions": "salary band?"})
	if rec.Code != http.StatusOK {
		t.Fatalf("request info: %d %s", rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodGet, base+"/permissions", assignment.RoleCompanyRecruiter, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("permissions: %d", rec.Code)
	}
	var perms permissionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &perms); err != nil {
		t.Fatalf("decode permissions: %v", err)
	}
	if len(perms.Actions) != 2 || perms.Actions[0] != "provide_info" || perms.Actions[1] != "add_note" {
		t.Fatalf("unexpected permissions %v", perms.Actions)
	}

	rec = api.do(t, http.MethodPost, base+"/provide-info", assignment.RoleCompanyRecruiter, map[string]any{"expected_version": 2, "answers": "120-150k"})
	if rec.Code != http.StatusOK {
		t.Fatalf("provide info: %d %s", rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodGet, base+"/history", assignment.RoleCompany, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: %d", rec.Code)
	}
	var history historyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Events) != 2 || !history.Events[0].Answered || history.Events[1].Action != "provide_info" {
		t.Fatalf("unexpected history %+v", history.Events)
	}
}

func TestApproveWithDocuments(t *testing.T) {
	api := newTestAPI(t)
	created := api.submit(t)
	base := "/api/assignments/" + created.ID

	steps := []struct {
		role assignment.Role
		body map[string]any
	}{
		{assignment.RoleCandidateRecruiter, map[string]any{"expected_version": 1}},
		{assignment.RoleCompanyRecruiter, map[string]any{"expected_version": 2}},
	}
	for i, step := range steps {
		if rec := api.do(t, http.MethodPost, base+"/approve", step.role, step.body); rec.Code != http.StatusOK {
			t.Fatalf("step %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}

	for _, ref := range []string{"doc1", "doc2"} {
		if err := api.stager.Stage(ref, []byte("pdf")); err != nil {
			t.Fatalf("stage: %v", err)
		}
	}
	rec := api.do(t, http.MethodPost, base+"/approve", assignment.RoleCompany, map[string]any{
		"expected_version": 3,
		"target_stage":     "interview",
		"document_refs":    []string{"doc1", "doc2"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body.String())
	}
	resp := decodeAssignment(t, rec)
	if resp.Stage != "interview" || len(resp.History[2].Payload.DocumentRefs) != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	batch := resp.History[2].Payload.DocumentBatch
	if !api.stager.Committed(created.ID, batch, "doc1") || !api.stager.Committed(created.ID, batch, "doc2") {
		t.Fatalf("expected documents committed")
	}
}

type brokenWorkflow struct {
	workflow
	err error
}

func (b brokenWorkflow) Get(context.Context, string) (assignment.Assignment, error) {
	return assignment.Assignment{}, b.err
}

type staticVerifier struct{}

func (staticVerifier) VerifyToken(string) (assignment.ActorContext, error) {
	return assignment.ActorContext{ID: "u", Roles: []assignment.Role{assignment.RoleCompany}}, nil
}

func TestInternalErrorsAreHidden(t *testing.T) {
	server := NewServer(brokenWorkflow{err: fmt.Errorf("assignment: load: %w", errors.New("connection refused"))}, staticVerifier{}, nil, 0)

	req := httptest.NewRequest(http.MethodGet, "/api/assignments/a1", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
	if msg := decodeError(t, rec).Message; msg != "internal error" {
		t.Fatalf("internal details leaked: %q", msg)
	}
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
}
