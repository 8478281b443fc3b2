package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kestrelci/kestrel/internal/model"
)

func createTestSchedule(t *testing.T, ts *httptest.Server, body string) scheduleResponse {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/schedules", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/schedules: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create schedule status = %d, want 201", resp.StatusCode)
	}
	var sc scheduleResponse
	if err := json.NewDecoder(resp.Body).Decode(&sc); err != nil {
		t.Fatalf("decode schedule: %v", err)
	}
	return sc
}

func TestCreateScheduleValid(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	sc := createTestSchedule(t, ts, `{"cron_expression":"*/5 * * * *","repository_id":"repo-1","target_path":"tests/"}`)

	if len(sc.ID) != 26 {
		t.Errorf("ID length = %d, want 26", len(sc.ID))
	}
	if !sc.Enabled {
		t.Error("schedule not enabled by default")
	}
	if sc.Branch != "main" {
		t.Errorf("Branch = %q, want default main", sc.Branch)
	}
	if sc.RunnerType != model.RunnerAuto {
		t.Errorf("RunnerType = %q, want default auto", sc.RunnerType)
	}
	if sc.NextFireAt == nil {
		t.Error("next_fire_at not computed for enabled schedule")
	}
}

func TestCreateScheduleBadCron(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"cron_expression":"whenever","repository_id":"repo-1","target_path":"tests/"}`
	resp, err := http.Post(ts.URL+"/v1/schedules", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/schedules: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateScheduleMissingRepository(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"cron_expression":"* * * * *","target_path":"tests/"}`
	resp, err := http.Post(ts.URL+"/v1/schedules", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/schedules: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUpdateScheduleEnabled(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	sc := createTestSchedule(t, ts, `{"cron_expression":"0 3 * * *","repository_id":"repo-1","target_path":"tests/"}`)

	req, _ := http.NewRequest(http.MethodPatch, ts.URL+"/v1/schedules/"+sc.ID, bytes.NewBufferString(`{"enabled":false}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH /v1/schedules: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var got scheduleResponse
	json.NewDecoder(resp.Body).Decode(&got)
	if got.Enabled {
		t.Error("schedule still enabled after disable")
	}
	if got.NextFireAt != nil {
		t.Error("next_fire_at computed for disabled schedule")
	}
}

func TestListSchedulesEnabledFilter(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	createTestSchedule(t, ts, `{"cron_expression":"* * * * *","repository_id":"repo-1","target_path":"tests/"}`)
	createTestSchedule(t, ts, `{"cron_expression":"* * * * *","repository_id":"repo-1","target_path":"tests/","enabled":false}`)

	resp, err := http.Get(ts.URL + "/v1/schedules?enabled=true")
	if err != nil {
		t.Fatalf("GET /v1/schedules: %v", err)
	}
	defer resp.Body.Close()

	var list listSchedulesResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(list.Schedules) != 1 {
		t.Errorf("listed %d schedules, want 1 enabled", len(list.Schedules))
	}
}

func TestDeleteSchedule(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	sc := createTestSchedule(t, ts, `{"cron_expression":"* * * * *","repository_id":"repo-1","target_path":"tests/"}`)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/schedules/"+sc.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/schedules: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/v1/schedules/" + sc.ID)
	if err != nil {
		t.Fatalf("GET deleted schedule: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", getResp.StatusCode)
	}
}

func TestDeleteScheduleNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/schedules/"+model.NewID(), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/schedules: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
