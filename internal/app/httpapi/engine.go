package httpapi

import (
	"context"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
)

// Engine is the subset of *supervisor.Supervisor the Control API drives.
// Declared as an interface at the package boundary so handler tests can
// substitute a fake instance supervisor.
type Engine interface {
	Deploy(defn model.ProcessDefinition) (string, error)
	ListDefinitions() []model.ProcessDefinition
	GetDefinition(id string) (model.ProcessDefinition, bool)
	RetireDefinition(id string) error

	StartInstance(ctx context.Context, definitionID string, initialVars map[string]model.Variable, startEventID string) (string, error)
	GetInstance(instanceID string) (model.ProcessInstance, bool)
	ListInstances() []model.ProcessInstance
	StopInstance(ctx context.Context, instanceID, reason string) error
	CancelInstance(ctx context.Context, instanceID, reason string) error
	ThrowError(ctx context.Context, instanceID, errorCode, message string) error

	SetVariable(ctx context.Context, instanceID, name, value string, typ model.XSDType) error
	GetVariable(ctx context.Context, instanceID, name string) (model.Variable, bool, error)

	ActiveTokens(instanceID string) []model.Token
	ListTasks(instanceID string) []model.UserTask
	GetTask(taskID string) (model.UserTask, bool)
	ClaimTask(taskID, assignee string) error
	CompleteTask(ctx context.Context, taskID string, variables map[string]string) error

	SendMessage(ctx context.Context, name, correlationKey string, payload map[string]string) (string, error)
	BroadcastSignal(ctx context.Context, name string, payload map[string]string) (int, error)

	RunDueTimers(ctx context.Context) (int, error)
}
