package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"graphflow-scheduler/internal/breaker"
	"graphflow-scheduler/internal/models"
	"graphflow-scheduler/internal/retry"
	"graphflow-scheduler/internal/scheduler"
	"graphflow-scheduler/internal/store"
	"graphflow-scheduler/internal/supervisor"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	st := store.New(store.NewClient(mr.Addr(), "", 0), time.Hour)

	log := zerolog.Nop()
	breakers := breaker.NewRegistry(log)
	exec := retry.New(log, breakers)
	d := scheduler.NewDispatcher(exec, nil, log)
	d.Register(models.JobTypeRecurring, func(ctx context.Context, args map[string]any) error { return nil })
	m := scheduler.NewManager(scheduler.Config{Location: time.UTC}, st, d, nil, log)
	sup := supervisor.New(supervisor.Config{Command: []string{"/bin/true"}}, st, nil, log)

	srv := httptest.NewServer(New(st, m, sup, breakers, nil).Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCreateListCancelJob(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"type":"recurring","schedule_type":"preset","schedule_value":"every_hour","name":"market check"}`
	resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var def models.JobDefinition
	if err := json.NewDecoder(resp.Body).Decode(&def); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if def.ID == "" {
		t.Fatal("created job has no id")
	}

	resp, err = http.Get(srv.URL + "/jobs")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var listed struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if listed.Count != 1 {
		t.Fatalf("count = %d, want 1", listed.Count)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/jobs/"+def.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
}

func TestCreateJobRejectsBadSchedule(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `{"type":"recurring","schedule_type":"cron","schedule_value":"nope","name":"x"}`
	resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCancelMissingJob(t *testing.T) {
	srv, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/jobs/graphflow_0", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestProcessStatusDefaultsStopped(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/process/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var state models.ProcessState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.Status != models.ProcessStopped {
		t.Fatalf("status = %s, want stopped", state.Status)
	}
}

func TestProcessStopWhenNotRunning(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/process/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	var res supervisor.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.OK || res.Code != supervisor.CodeNotRunning {
		t.Fatalf("result = %+v, want not_running", res)
	}
}

func TestBreakersEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/breakers")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHistoryUnconfigured(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/history")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", resp.StatusCode)
	}
}

func TestActivityConsumeOnce(t *testing.T) {
	srv, st := newTestServer(t)
	if err := st.PublishActivity(context.Background(), "graphflow started"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	read := func() map[string]any {
		resp, err := http.Get(srv.URL + "/activity")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var out map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out
	}

	if first := read(); first["event"] == nil {
		t.Fatal("first read dropped the event")
	}
	if second := read(); second["event"] != nil {
		t.Fatalf("event delivered twice: %v", second["event"])
	}
}
