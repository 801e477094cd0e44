package httpapi

import "fmt"

func errDefinitionNotFound(id string) error {
	return fmt.Errorf("definition %q not found", id)
}

func errInstanceNotFound(id string) error {
	return fmt.Errorf("instance %q not found", id)
}

func errTaskNotFound(id string) error {
	return fmt.Errorf("task %q not found", id)
}

func errVariableNotFound(instanceID, name string) error {
	return fmt.Errorf("variable %q not found on instance %q", name, instanceID)
}
