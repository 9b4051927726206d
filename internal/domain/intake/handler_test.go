package intake

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/backoffice/internal/domain/claims"
	"github.com/ehr/backoffice/internal/domain/eligibility"
	"github.com/ehr/backoffice/internal/platform/auth"
)

func newTestHandler() (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv()
	return NewHandler(env.svc), env, echo.New()
}

type call struct {
	method string
	query  string
	body   string
	user   string
	roles  []string
	params map[string]string
}

func (tc call) context(e *echo.Echo) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	target := "/"
	if tc.query != "" {
		target += "?" + tc.query
	}
	if tc.body != "" {
		req = httptest.NewRequest(tc.method, target, strings.NewReader(tc.body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(tc.method, target, nil)
	}
	req = req.WithContext(auth.WithIdentity(req.Context(), tc.user, tc.roles))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	var names, values []string
	for k, v := range tc.params {
		names = append(names, k)
		values = append(values, v)
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	return c, rec
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError %d, got %T (%v)", code, err, err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, he.Code, he.Message)
	}
}

func startSession(t *testing.T, h *Handler, e *echo.Echo, form, user string, roles ...string) SessionView {
	t.Helper()
	c, rec := call{method: http.MethodPost, user: user, roles: roles, params: map[string]string{"form": form}}.context(e)
	if err := h.StartSession(c); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var view SessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	return view
}

// -- Form Handler Tests --

func TestHandler_ListForms_FilteredByRole(t *testing.T) {
	h, _, e := newTestHandler()
	tests := []struct {
		roles []string
		want  int
	}{
		{[]string{claims.Role}, 1},
		{[]string{claims.Role, eligibility.Role}, 2},
		{[]string{auth.RoleAdmin}, 3},
		{nil, 0},
	}
	for _, tt := range tests {
		c, rec := call{method: http.MethodGet, user: "u1", roles: tt.roles}.context(e)
		if err := h.ListForms(c); err != nil {
			t.Fatal(err)
		}
		var forms []map[string]any
		json.Unmarshal(rec.Body.Bytes(), &forms)
		if len(forms) != tt.want {
			t.Errorf("roles %v: expected %d forms, got %d", tt.roles, tt.want, len(forms))
		}
	}
}

func TestHandler_DescribeForm(t *testing.T) {
	h, _, e := newTestHandler()
	c, rec := call{method: http.MethodGet, user: "u1", roles: []string{claims.Role}, params: map[string]string{"form": claims.FormID}}.context(e)
	if err := h.DescribeForm(c); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Body.String(), `"diagnosisCodes"`) {
		t.Errorf("outline lists collections, got %s", rec.Body.String())
	}

	c, _ = call{method: http.MethodGet, user: "u1", roles: []string{eligibility.Role}, params: map[string]string{"form": claims.FormID}}.context(e)
	expectHTTPError(t, h.DescribeForm(c), http.StatusForbidden)

	c, _ = call{method: http.MethodGet, user: "u1", roles: []string{auth.RoleAdmin}, params: map[string]string{"form": "nope"}}.context(e)
	expectHTTPError(t, h.DescribeForm(c), http.StatusNotFound)
}

// -- Session Handler Tests --

func TestHandler_StartSession_Forbidden(t *testing.T) {
	h, _, e := newTestHandler()
	c, _ := call{method: http.MethodPost, user: "u1", roles: []string{"clinical"}, params: map[string]string{"form": claims.FormID}}.context(e)
	expectHTTPError(t, h.StartSession(c), http.StatusForbidden)
}

func TestHandler_NextGating(t *testing.T) {
	h, _, e := newTestHandler()
	view := startSession(t, h, e, claims.FormID, "u1", claims.Role)
	if view.State.StepIndex != 1 || view.State.StepID != "provider" {
		t.Fatalf("unexpected initial state %+v", view.State)
	}

	c, rec := call{method: http.MethodPost, user: "u1", roles: []string{claims.Role}, params: map[string]string{"id": view.ID.String()}}.context(e)
	if err := h.Next(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var res navResponse
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Errors["providerId"] != "Provider ID is required" || res.FirstError != "providerId" {
		t.Errorf("unexpected gating response %+v", res.NavResult)
	}
	if res.Session.State.StepIndex != 1 {
		t.Error("gated session stays on step 1")
	}
}

func TestHandler_UpdateFieldAndAdvance(t *testing.T) {
	h, _, e := newTestHandler()
	view := startSession(t, h, e, claims.FormID, "u1", claims.Role)
	id := view.ID.String()

	for key, value := range map[string]string{"providerId": "1234567890", "subscriberId": "S123456789", "dependantSequence": "00"} {
		c, rec := call{method: http.MethodPut, user: "u1", roles: []string{claims.Role}, body: `{"value":"` + value + `"}`,
			params: map[string]string{"id": id, "key": key}}.context(e)
		if err := h.UpdateField(c); err != nil {
			t.Fatalf("UpdateField %s: %v", key, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}

	c, rec := call{method: http.MethodPost, user: "u1", roles: []string{claims.Role}, params: map[string]string{"id": id}}.context(e)
	if err := h.Next(c); err != nil {
		t.Fatal(err)
	}
	var res navResponse
	json.Unmarshal(rec.Body.Bytes(), &res)
	if rec.Code != http.StatusOK || res.StepIndex != 2 || res.StepID != "patient" {
		t.Errorf("expected to advance to patient, got %d %+v", rec.Code, res.NavResult)
	}

	c, _ = call{method: http.MethodPost, user: "u1", roles: []string{claims.Role}, params: map[string]string{"id": id}}.context(e)
	if err := h.Back(c); err != nil {
		t.Fatal(err)
	}
	c, _ = call{method: http.MethodPost, user: "u1", roles: []string{claims.Role}, params: map[string]string{"id": id}}.context(e)
	expectHTTPError(t, h.Back(c), http.StatusConflict)
}

func TestHandler_UpdateField_Rejections(t *testing.T) {
	h, _, e := newTestHandler()
	view := startSession(t, h, e, claims.FormID, "u1", claims.Role)
	id := view.ID.String()

	c, _ := call{method: http.MethodPut, user: "u1", roles: []string{claims.Role}, body: `{"value":"x"}`,
		params: map[string]string{"id": id, "key": "nope"}}.context(e)
	expectHTTPError(t, h.UpdateField(c), http.StatusBadRequest)

	c, _ = call{method: http.MethodPut, user: "u1", roles: []string{claims.Role}, body: `{"value":{"a":1}}`,
		params: map[string]string{"id": id, "key": "providerId"}}.context(e)
	expectHTTPError(t, h.UpdateField(c), http.StatusBadRequest)
}

func TestHandler_SessionIsolation(t *testing.T) {
	h, _, e := newTestHandler()
	view := startSession(t, h, e, claims.FormID, "u1", claims.Role)

	c, _ := call{method: http.MethodGet, user: "u2", roles: []string{auth.RoleAdmin}, params: map[string]string{"id": view.ID.String()}}.context(e)
	expectHTTPError(t, h.GetSession(c), http.StatusNotFound)

	c, _ = call{method: http.MethodGet, user: "u1", roles: []string{claims.Role}, params: map[string]string{"id": "not-a-uuid"}}.context(e)
	expectHTTPError(t, h.GetSession(c), http.StatusBadRequest)
}

func TestHandler_CollectionItems(t *testing.T) {
	h, _, e := newTestHandler()
	view := startSession(t, h, e, claims.FormID, "u1", claims.Role)
	id := view.ID.String()
	before := len(view.State.Answers.Items("diagnosisCodes"))

	c, rec := call{method: http.MethodPost, user: "u1", roles: []string{claims.Role},
		params: map[string]string{"id": id, "key": "diagnosisCodes"}}.context(e)
	if err := h.AddItem(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var item struct {
		ID int `json:"id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &item)

	itemID := strconv.Itoa(item.ID)
	c, rec = call{method: http.MethodPut, user: "u1", roles: []string{claims.Role}, body: `{"value":"E11.9"}`,
		params: map[string]string{"id": id, "key": "diagnosisCodes", "item": itemID, "field": "code"}}.context(e)
	if err := h.UpdateItemField(c); err != nil {
		t.Fatal(err)
	}
	var got SessionView
	json.Unmarshal(rec.Body.Bytes(), &got)
	items := got.State.Answers.Items("diagnosisCodes")
	if len(items) != before+1 || items[len(items)-1].Fields["code"] != "E11.9" {
		t.Errorf("expected the new item to carry the code, got %+v", items)
	}

	c, _ = call{method: http.MethodPost, user: "u1", roles: []string{claims.Role},
		params: map[string]string{"id": id, "key": "diagnosisCodes", "item": itemID}}.context(e)
	if err := h.SetPrimary(c); err != nil {
		t.Fatal(err)
	}

	c, _ = call{method: http.MethodDelete, user: "u1", roles: []string{claims.Role},
		params: map[string]string{"id": id, "key": "diagnosisCodes", "item": itemID}}.context(e)
	if err := h.RemoveItem(c); err != nil {
		t.Fatal(err)
	}

	c, _ = call{method: http.MethodDelete, user: "u1", roles: []string{claims.Role},
		params: map[string]string{"id": id, "key": "diagnosisCodes", "item": "zero"}}.context(e)
	expectHTTPError(t, h.RemoveItem(c), http.StatusBadRequest)

	c, _ = call{method: http.MethodPost, user: "u1", roles: []string{claims.Role},
		params: map[string]string{"id": id, "key": "nope"}}.context(e)
	expectHTTPError(t, h.AddItem(c), http.StatusBadRequest)
}

// -- Submission Handler Tests --

func TestHandler_SubmitWait(t *testing.T) {
	h, env, e := newTestHandler()
	view := startSession(t, h, e, eligibility.FormID, "u1", eligibility.Role)
	sess, _ := env.svc.Session(view.ID, "u1")
	fillEligibility(t, sess.Controller())

	c, rec := call{method: http.MethodPost, user: "u1", roles: []string{eligibility.Role}, query: "wait=true",
		params: map[string]string{"id": view.ID.String()}}.context(e)
	if err := h.Submit(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res submitResponse
	json.Unmarshal(rec.Body.Bytes(), &res)
	if !res.Accepted || !strings.HasPrefix(res.Reference, "ELG-") || !res.Session.State.Submitted {
		t.Fatalf("unexpected submit response %+v", res)
	}

	c, rec = call{method: http.MethodGet, user: "u1", roles: []string{eligibility.Role},
		params: map[string]string{"ref": res.Reference}}.context(e)
	if err := h.GetSubmission(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = call{method: http.MethodGet, user: "u2", roles: []string{eligibility.Role},
		params: map[string]string{"ref": res.Reference}}.context(e)
	expectHTTPError(t, h.GetSubmission(c), http.StatusNotFound)

	c, _ = call{method: http.MethodGet, user: "u2", roles: []string{auth.RoleAdmin},
		params: map[string]string{"ref": res.Reference}}.context(e)
	if err := h.GetSubmission(c); err != nil {
		t.Errorf("admins may look up any submission, got %v", err)
	}
}

func TestHandler_SubmitFromFirstStep(t *testing.T) {
	h, _, e := newTestHandler()
	view := startSession(t, h, e, eligibility.FormID, "u1", eligibility.Role)
	c, rec := call{method: http.MethodPost, user: "u1", roles: []string{eligibility.Role},
		params: map[string]string{"id": view.ID.String()}}.context(e)
	if err := h.Submit(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), "final step") {
		t.Errorf("expected 409 not-final-step, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_DraftsAndReset(t *testing.T) {
	h, _, e := newTestHandler()
	view := startSession(t, h, e, eligibility.FormID, "u1", eligibility.Role)
	id := view.ID.String()

	c, _ := call{method: http.MethodPut, user: "u1", roles: []string{eligibility.Role}, body: `{"value":"1234567893"}`,
		params: map[string]string{"id": id, "key": "npi"}}.context(e)
	if err := h.UpdateField(c); err != nil {
		t.Fatal(err)
	}
	c, _ = call{method: http.MethodPost, user: "u1", roles: []string{eligibility.Role}, params: map[string]string{"id": id}}.context(e)
	if err := h.SaveDraft(c); err != nil {
		t.Fatal(err)
	}

	c, rec := call{method: http.MethodGet, user: "u1", roles: []string{eligibility.Role}}.context(e)
	if err := h.ListDrafts(c); err != nil {
		t.Fatal(err)
	}
	var page struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 {
		t.Errorf("expected one draft, got %d", page.Total)
	}

	c, rec = call{method: http.MethodPost, user: "u1", roles: []string{eligibility.Role}, params: map[string]string{"id": id}}.context(e)
	if err := h.Reset(c); err != nil {
		t.Fatal(err)
	}
	var reset SessionView
	json.Unmarshal(rec.Body.Bytes(), &reset)
	if reset.State.Answers.Text("npi") != "" {
		t.Error("reset clears the answers")
	}

	resumed := startSessionQuery(t, h, e, eligibility.FormID, "u1", "resume=true", eligibility.Role)
	if resumed.State.Answers.Text("npi") != "1234567893" {
		t.Error("resume loads the saved draft")
	}
}

func startSessionQuery(t *testing.T, h *Handler, e *echo.Echo, form, user, query string, roles ...string) SessionView {
	t.Helper()
	c, rec := call{method: http.MethodPost, user: user, roles: roles, query: query, params: map[string]string{"form": form}}.context(e)
	if err := h.StartSession(c); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	var view SessionView
	json.Unmarshal(rec.Body.Bytes(), &view)
	return view
}

func TestHandler_FocusAndContext(t *testing.T) {
	h, _, e := newTestHandler()
	view := startSession(t, h, e, eligibility.FormID, "u1", eligibility.Role)
	id := view.ID.String()

	c, rec := call{method: http.MethodPost, user: "u1", roles: []string{eligibility.Role}, body: `{"key":"npi"}`,
		params: map[string]string{"id": id}}.context(e)
	if err := h.Focus(c); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Body.String(), `"fieldKey":"npi"`) {
		t.Errorf("unexpected assistant context %s", rec.Body.String())
	}

	c, _ = call{method: http.MethodPost, user: "u1", roles: []string{eligibility.Role}, body: `{"key":"bogus"}`,
		params: map[string]string{"id": id}}.context(e)
	expectHTTPError(t, h.Focus(c), http.StatusBadRequest)

	c, rec = call{method: http.MethodGet, user: "u1", roles: []string{eligibility.Role}, params: map[string]string{"id": id}}.context(e)
	if err := h.AssistantContext(c); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Body.String(), `"stepId":"provider"`) {
		t.Errorf("unexpected assistant context %s", rec.Body.String())
	}
}

func TestHandler_CloseSession(t *testing.T) {
	h, env, e := newTestHandler()
	view := startSession(t, h, e, eligibility.FormID, "u1", eligibility.Role)
	c, rec := call{method: http.MethodDelete, user: "u1", roles: []string{eligibility.Role}, params: map[string]string{"id": view.ID.String()}}.context(e)
	if err := h.CloseSession(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusNoContent || env.svc.Len() != 0 {
		t.Errorf("expected 204 and no sessions, got %d %d", rec.Code, env.svc.Len())
	}
}
