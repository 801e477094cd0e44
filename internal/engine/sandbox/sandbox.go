// Package sandbox implements the ScriptTask evaluator behind the C5 executor's
// Script seam: a goja VM sandbox
// that exposes process variables as a plain object and captures the script's
// return value as the updated variable set. Grounded on the teacher's
// system/sandbox package for the "isolated VM per invocation, no shared
// state across executions" shape, simplified from its IPC/policy-loader
// machinery (irrelevant outside that package's process-isolation model) down
// to the single-call executor.Script seam.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
	"github.com/r3e-network/bpmn-graph-engine/pkg/logger"
)

// Evaluator runs ScriptTask source against a fresh goja VM per call.
type Evaluator struct {
	timeout time.Duration
	log     *logger.Logger
}

// New builds an Evaluator. A non-positive timeout defaults to 2 seconds.
func New(timeout time.Duration, log *logger.Logger) *Evaluator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("sandbox")
	}
	return &Evaluator{timeout: timeout, log: log}
}

// Run implements executor.Script: it seeds a fresh VM's "vars" global with
// the current variable snapshot, evaluates source, and reads back "vars" as
// the updated snapshot. Scripts run with no access to the host environment
// besides the injected vars object.
func (e *Evaluator) Run(ctx context.Context, source string, vars map[string]string) (map[string]string, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	in := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		in[k] = v
	}
	if err := vm.Set("vars", in); err != nil {
		return nil, fmt.Errorf("seed vars: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("script panic: %v", r)
			}
		}()
		_, err := vm.RunString(source)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-runCtx.Done():
		vm.Interrupt("timeout")
		return nil, enginerr.Newf(enginerr.ScriptError, "sandbox.Run", "script exceeded %s", e.timeout)
	}

	raw := vm.Get("vars")
	if raw == nil {
		return map[string]string{}, nil
	}
	exported, ok := raw.Export().(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("script did not leave vars as an object")
	}
	out := make(map[string]string, len(exported))
	for k, v := range exported {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out, nil
}
