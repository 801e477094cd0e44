package executor

import "fmt"

// bpmnError carries a BPMN-level business error code distinct from the
// engine's internal enginerr.Kind taxonomy, so escalation can
// match it against a boundary event's declared errorCode.
type bpmnError struct {
	Code string
	Message string
}

func (e *bpmnError) Error() string {
	return fmt.Sprintf("bpmn error %s: %s", e.Code, e.Message)
}

func throwBPMNError(code, message string) error {
	return &bpmnError{Code: code, Message: message}
}
