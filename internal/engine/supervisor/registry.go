package supervisor

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
)

// Deploy registers a new ProcessDefinition, assigning an id/version if unset.
func (sv *Supervisor) Deploy(defn model.ProcessDefinition) (string, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if defn.ID == "" {
		defn.ID = "defn:" + uuid.New().String()
	}
	if defn.Version == 0 {
		defn.Version = sv.nextVersion[defn.Name]
	}
	sv.nextVersion[defn.Name] = defn.Version + 1
	if defn.Status == "" {
		defn.Status = model.DefinitionActive
	}
	now := time.Now().UTC()
	defn.CreatedAt = now
	defn.UpdatedAt = now
	sv.defs[defn.ID] = defn
	if name := messageStartName(defn); name != "" {
		sv.evr.RegisterMessageStart(name, defn.ID)
	}
	return defn.ID, nil
}

// messageStartName returns the message name of defn's message-start event, if
// it declares one.
func messageStartName(defn model.ProcessDefinition) string {
	for _, n := range defn.Nodes {
		if n.Kind == model.KindStartEvent && n.EventDef == model.EventMessage && n.MessageName != "" {
			return n.MessageName
		}
	}
	return ""
}

// ListDefinitions returns every deployed definition, newest first.
func (sv *Supervisor) ListDefinitions() []model.ProcessDefinition {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	out := make([]model.ProcessDefinition, 0, len(sv.defs))
	for _, d := range sv.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// GetDefinition looks up a definition by id.
func (sv *Supervisor) GetDefinition(id string) (model.ProcessDefinition, bool) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	d, ok := sv.defs[id]
	return d, ok
}

// RetireDefinition marks a definition retired; new instances of it are
// rejected thereafter.
func (sv *Supervisor) RetireDefinition(id string) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	d, ok := sv.defs[id]
	if !ok {
		return enginerr.Newf(enginerr.NotFound, "supervisor.RetireDefinition", "definition %q not found", id)
	}
	d.Status = model.DefinitionRetired
	d.UpdatedAt = time.Now().UTC()
	sv.defs[id] = d
	return nil
}

// GetInstance returns a point-in-time copy of an instance's record.
func (sv *Supervisor) GetInstance(instanceID string) (model.ProcessInstance, bool) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	inst, ok := sv.instances[instanceID]
	if !ok {
		return model.ProcessInstance{}, false
	}
	return *inst, true
}

// ListInstances returns every known instance.
func (sv *Supervisor) ListInstances() []model.ProcessInstance {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	out := make([]model.ProcessInstance, 0, len(sv.instances))
	for _, inst := range sv.instances {
		out = append(out, *inst)
	}
	return out
}

// ActiveTokens returns the live (ACTIVE/WAITING) tokens of an instance.
func (sv *Supervisor) ActiveTokens(instanceID string) []model.Token {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	byID := sv.tokens[instanceID]
	out := make([]model.Token, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	return out
}

// ListTasks returns every known UserTask, optionally filtered by instance.
func (sv *Supervisor) ListTasks(instanceID string) []model.UserTask {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	out := make([]model.UserTask, 0)
	for _, t := range sv.tasks {
		if instanceID != "" && t.InstanceID != instanceID {
			continue
		}
		out = append(out, t)
	}
	return out
}

// GetTask looks up a task by id.
func (sv *Supervisor) GetTask(taskID string) (model.UserTask, bool) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	t, ok := sv.tasks[taskID]
	return t, ok
}

// ClaimTask assigns assignee to a CREATED task.
func (sv *Supervisor) ClaimTask(taskID, assignee string) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	t, ok := sv.tasks[taskID]
	if !ok {
		return enginerr.Newf(enginerr.NotFound, "supervisor.ClaimTask", "task %q not found", taskID)
	}
	if t.Status != model.TaskCreated {
		return enginerr.Newf(enginerr.PreconditionFailed, "supervisor.ClaimTask", "task %q is not claimable (status %s)", taskID, t.Status)
	}
	t.Status = model.TaskClaimed
	t.Assignee = assignee
	t.ClaimedAt = time.Now().UTC()
	sv.tasks[taskID] = t
	return nil
}

func (sv *Supervisor) putInstance(inst *model.ProcessInstance) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.instances[inst.ID] = inst
	if sv.tokens[inst.ID] == nil {
		sv.tokens[inst.ID] = make(map[string]model.Token)
	}
}

func (sv *Supervisor) putToken(instanceID string, token model.Token) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.tokens[instanceID] == nil {
		sv.tokens[instanceID] = make(map[string]model.Token)
	}
	sv.tokens[instanceID][token.ID] = token
	sv.tokenOwner[token.ID] = instanceID
}

func (sv *Supervisor) dropToken(instanceID, tokenID string) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	delete(sv.tokens[instanceID], tokenID)
	delete(sv.tokenOwner, tokenID)
}

func (sv *Supervisor) getToken(instanceID, tokenID string) (model.Token, bool) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	t, ok := sv.tokens[instanceID][tokenID]
	return t, ok
}

func (sv *Supervisor) ownerOf(tokenID string) (string, bool) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	id, ok := sv.tokenOwner[tokenID]
	return id, ok
}

func (sv *Supervisor) putTask(task model.UserTask) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.tasks[task.ID] = task
}

func (sv *Supervisor) updateInstanceStatus(instanceID string, status model.InstanceStatus) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	inst, ok := sv.instances[instanceID]
	if !ok {
		return
	}
	inst.Status = status
	inst.UpdatedAt = time.Now().UTC()
	if status.IsTerminal() {
		inst.CompletedAt = inst.UpdatedAt
	}
	sv.instances[instanceID] = inst
}
