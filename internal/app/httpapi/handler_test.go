package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
	"github.com/r3e-network/bpmn-graph-engine/pkg/logger"
)

// fakeEngine is a minimal, in-memory stand-in for *supervisor.Supervisor used
// to exercise the Control API routes without building a full engine.
type fakeEngine struct {
	definitions map[string]model.ProcessDefinition
	instances   map[string]model.ProcessInstance
	tasks       map[string]model.UserTask
	variables   map[string]model.Variable
	deployErr   error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		definitions: make(map[string]model.ProcessDefinition),
		instances:   make(map[string]model.ProcessInstance),
		tasks:       make(map[string]model.UserTask),
		variables:   make(map[string]model.Variable),
	}
}

func (f *fakeEngine) Deploy(defn model.ProcessDefinition) (string, error) {
	if f.deployErr != nil {
		return "", f.deployErr
	}
	if defn.ID == "" {
		defn.ID = "def-1"
	}
	f.definitions[defn.ID] = defn
	return defn.ID, nil
}

func (f *fakeEngine) ListDefinitions() []model.ProcessDefinition {
	out := make([]model.ProcessDefinition, 0, len(f.definitions))
	for _, d := range f.definitions {
		out = append(out, d)
	}
	return out
}

func (f *fakeEngine) GetDefinition(id string) (model.ProcessDefinition, bool) {
	d, ok := f.definitions[id]
	return d, ok
}

func (f *fakeEngine) RetireDefinition(id string) error {
	if _, ok := f.definitions[id]; !ok {
		return enginerr.Newf(enginerr.NotFound, "RetireDefinition", "definition %q not found", id)
	}
	delete(f.definitions, id)
	return nil
}

func (f *fakeEngine) StartInstance(ctx context.Context, definitionID string, initialVars map[string]model.Variable, startEventID string) (string, error) {
	if _, ok := f.definitions[definitionID]; !ok {
		return "", enginerr.Newf(enginerr.NotFound, "StartInstance", "definition %q not found", definitionID)
	}
	inst := model.ProcessInstance{ID: "inst-1", DefinitionID: definitionID, Status: model.InstanceRunning}
	f.instances[inst.ID] = inst
	return inst.ID, nil
}

func (f *fakeEngine) GetInstance(instanceID string) (model.ProcessInstance, bool) {
	i, ok := f.instances[instanceID]
	return i, ok
}

func (f *fakeEngine) ListInstances() []model.ProcessInstance {
	out := make([]model.ProcessInstance, 0, len(f.instances))
	for _, i := range f.instances {
		out = append(out, i)
	}
	return out
}

func (f *fakeEngine) StopInstance(ctx context.Context, instanceID, reason string) error {
	if _, ok := f.instances[instanceID]; !ok {
		return enginerr.Newf(enginerr.NotFound, "StopInstance", "instance %q not found", instanceID)
	}
	return nil
}

func (f *fakeEngine) CancelInstance(ctx context.Context, instanceID, reason string) error {
	return f.StopInstance(ctx, instanceID, reason)
}

func (f *fakeEngine) ThrowError(ctx context.Context, instanceID, errorCode, message string) error {
	if _, ok := f.instances[instanceID]; !ok {
		return enginerr.Newf(enginerr.NotFound, "ThrowError", "instance %q not found", instanceID)
	}
	return nil
}

func (f *fakeEngine) SetVariable(ctx context.Context, instanceID, name, value string, typ model.XSDType) error {
	f.variables[instanceID+"/"+name] = model.Variable{InstanceID: instanceID, Name: name, Value: value, Type: typ}
	return nil
}

func (f *fakeEngine) GetVariable(ctx context.Context, instanceID, name string) (model.Variable, bool, error) {
	v, ok := f.variables[instanceID+"/"+name]
	return v, ok, nil
}

func (f *fakeEngine) ActiveTokens(instanceID string) []model.Token { return nil }

func (f *fakeEngine) ListTasks(instanceID string) []model.UserTask {
	out := make([]model.UserTask, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out
}

func (f *fakeEngine) GetTask(taskID string) (model.UserTask, bool) {
	t, ok := f.tasks[taskID]
	return t, ok
}

func (f *fakeEngine) ClaimTask(taskID, assignee string) error {
	t, ok := f.tasks[taskID]
	if !ok {
		return enginerr.Newf(enginerr.NotFound, "ClaimTask", "task %q not found", taskID)
	}
	t.Assignee = assignee
	f.tasks[taskID] = t
	return nil
}

func (f *fakeEngine) CompleteTask(ctx context.Context, taskID string, variables map[string]string) error {
	if _, ok := f.tasks[taskID]; !ok {
		return enginerr.Newf(enginerr.NotFound, "CompleteTask", "task %q not found", taskID)
	}
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeEngine) SendMessage(ctx context.Context, name, correlationKey string, payload map[string]string) (string, error) {
	return "", nil
}

func (f *fakeEngine) BroadcastSignal(ctx context.Context, name string, payload map[string]string) (int, error) {
	return 0, nil
}

func (f *fakeEngine) RunDueTimers(ctx context.Context) (int, error) { return 0, nil }

func testService() (*fakeEngine, http.Handler) {
	eng := newFakeEngine()
	h := &handler{sv: eng, log: logger.NewDefault("httpapi-test")}
	return eng, h.routes()
}

func TestHealthOK(t *testing.T) {
	_, router := testService()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestDeployAndFetchDefinition(t *testing.T) {
	_, router := testService()
	body := strings.NewReader(`{"id":"order-process","name":"Order Process"}`)
	req := httptest.NewRequest(http.MethodPost, "/definitions/", body)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/definitions/order-process", nil)
	resp2 := httptest.NewRecorder()
	router.ServeHTTP(resp2, req2)
	if resp2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp2.Code)
	}
	var defn model.ProcessDefinition
	if err := json.Unmarshal(resp2.Body.Bytes(), &defn); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if defn.ID != "order-process" {
		t.Fatalf("expected order-process, got %q", defn.ID)
	}
}

func TestGetDefinitionNotFound(t *testing.T) {
	_, router := testService()
	req := httptest.NewRequest(http.MethodGet, "/definitions/missing", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestStartInstanceUnknownDefinitionReturns404(t *testing.T) {
	_, router := testService()
	body := strings.NewReader(`{"definition_id":"missing"}`)
	req := httptest.NewRequest(http.MethodPost, "/instances/", body)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestStartInstanceAndFetch(t *testing.T) {
	eng, router := testService()
	eng.definitions["order-process"] = model.ProcessDefinition{ID: "order-process"}

	body := strings.NewReader(`{"definition_id":"order-process"}`)
	req := httptest.NewRequest(http.MethodPost, "/instances/", body)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var started map[string]string
	_ = json.Unmarshal(resp.Body.Bytes(), &started)
	if started["id"] == "" {
		t.Fatalf("expected instance id in response")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/instances/"+started["id"], nil)
	getResp := httptest.NewRecorder()
	router.ServeHTTP(getResp, getReq)
	if getResp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.Code)
	}
}

func TestSystemStatusReportsCounts(t *testing.T) {
	eng, router := testService()
	eng.instances["inst-1"] = model.ProcessInstance{ID: "inst-1", Status: model.InstanceRunning}

	req := httptest.NewRequest(http.MethodGet, "/system/status", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if int(payload["instances_total"].(float64)) != 1 {
		t.Fatalf("expected instances_total 1, got %v", payload["instances_total"])
	}
}
