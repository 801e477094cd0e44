// Package main provides a command-line client for the workflow engine's
// Control API.
//
// Usage:
//
//	slcli deploy <definition-file.json>                  - Deploy a process definition
//	slcli definitions                                     - List process definitions
//	slcli definition <id>                                 - Show a process definition
//	slcli retire <id>                                     - Retire a process definition
//	slcli start <definition_id> [vars.json]               - Start a process instance
//	slcli instances                                       - List process instances
//	slcli instance <id>                                   - Show a process instance
//	slcli stop <id>                                       - Stop a running instance
//	slcli cancel <id>                                     - Cancel an instance
//	slcli tasks [instance_id]                             - List user tasks
//	slcli claim <task_id> <assignee>                      - Claim a user task
//	slcli complete <task_id> [vars.json]                  - Complete a user task
//	slcli send <message_name> <correlation_key> [payload.json] - Send a message
//	slcli broadcast <signal_name>                         - Broadcast a signal
//	slcli status                                          - Show engine status
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	c := newClient()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "deploy":
		err = cmdDeploy(ctx, c, args)
	case "definitions":
		err = cmdDefinitions(ctx, c, args)
	case "definition":
		err = cmdDefinition(ctx, c, args)
	case "retire":
		err = cmdRetire(ctx, c, args)
	case "start":
		err = cmdStart(ctx, c, args)
	case "instances":
		err = cmdInstances(ctx, c, args)
	case "instance":
		err = cmdInstance(ctx, c, args)
	case "stop":
		err = cmdStop(ctx, c, args)
	case "cancel":
		err = cmdCancel(ctx, c, args)
	case "tasks":
		err = cmdTasks(ctx, c, args)
	case "claim":
		err = cmdClaim(ctx, c, args)
	case "complete":
		err = cmdComplete(ctx, c, args)
	case "send":
		err = cmdSend(ctx, c, args)
	case "broadcast":
		err = cmdBroadcast(ctx, c, args)
	case "status":
		err = cmdStatus(ctx, c, args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Workflow Engine CLI

Usage:
  slcli <command> [arguments]

Commands:
  deploy <definition-file.json>                  Deploy a process definition
  definitions                                    List process definitions
  definition <id>                                Show a process definition
  retire <id>                                    Retire a process definition
  start <definition_id> [vars.json]              Start a process instance
  instances                                      List process instances
  instance <id>                                  Show a process instance
  stop <id>                                       Stop a running instance
  cancel <id>                                     Cancel an instance
  tasks [instance_id]                            List user tasks
  claim <task_id> <assignee>                     Claim a user task
  complete <task_id> [vars.json]                 Complete a user task
  send <message_name> <correlation_key> [payload.json] Send a message
  broadcast <signal_name> [payload.json]         Broadcast a signal
  status                                          Show engine status

Environment Variables:
  ENGINE_URL    Control API base URL (default http://localhost:8080)
  ENGINE_TOKEN  Bearer token, when the API requires auth

Examples:
  slcli deploy order-process.json
  slcli start order-process-v1 '{"orderId":"123"}'
  slcli tasks
  slcli complete task-abc '{"approved":"true"}'`)
}

// client is a thin wrapper around the Control API's HTTP surface.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient() *client {
	base := os.Getenv("ENGINE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	return &client{
		baseURL: base,
		token:   os.Getenv("ENGINE_TOKEN"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) do(ctx context.Context, method, path string, body interface{}) (map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			if resp.StatusCode >= 300 {
				return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(raw))
			}
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		return out, fmt.Errorf("request failed with status %d: %v", resp.StatusCode, out)
	}
	return out, nil
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", v)
		return
	}
	fmt.Println(string(b))
}

// parseVarsArg parses a plain string map from args[idx] (if present) and
// widens it into the Variable shape the Control API expects, defaulting
// every value to xsd:string.
func parseVarsArg(args []string, idx int) (map[string]model.Variable, error) {
	if len(args) <= idx {
		return nil, nil
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(args[idx]), &raw); err != nil {
		return nil, fmt.Errorf("invalid variables JSON: %w", err)
	}
	vars := make(map[string]model.Variable, len(raw))
	for k, v := range raw {
		vars[k] = model.Variable{Name: k, Value: v, Type: model.XSDString}
	}
	return vars, nil
}

func cmdDeploy(ctx context.Context, c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: slcli deploy <definition-file.json>")
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read definition file: %w", err)
	}
	var defn model.ProcessDefinition
	if err := json.Unmarshal(raw, &defn); err != nil {
		return fmt.Errorf("invalid process definition JSON: %w", err)
	}
	out, err := c.do(ctx, http.MethodPost, "/definitions/", defn)
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func cmdDefinitions(ctx context.Context, c *client, args []string) error {
	out, err := c.do(ctx, http.MethodGet, "/definitions/", nil)
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func cmdDefinition(ctx context.Context, c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: slcli definition <id>")
	}
	out, err := c.do(ctx, http.MethodGet, "/definitions/"+args[0], nil)
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func cmdRetire(ctx context.Context, c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: slcli retire <id>")
	}
	out, err := c.do(ctx, http.MethodPost, "/definitions/"+args[0]+"/retire", nil)
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func cmdStart(ctx context.Context, c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: slcli start <definition_id> [vars.json]")
	}
	vars, err := parseVarsArg(args, 1)
	if err != nil {
		return err
	}
	out, err := c.do(ctx, http.MethodPost, "/instances/", map[string]interface{}{
		"definition_id": args[0],
		"variables":     vars,
	})
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func cmdInstances(ctx context.Context, c *client, args []string) error {
	out, err := c.do(ctx, http.MethodGet, "/instances/", nil)
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func cmdInstance(ctx context.Context, c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: slcli instance <id>")
	}
	out, err := c.do(ctx, http.MethodGet, "/instances/"+args[0], nil)
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func cmdStop(ctx context.Context, c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: slcli stop <id>")
	}
	out, err := c.do(ctx, http.MethodPost, "/instances/"+args[0]+"/stop", nil)
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func cmdCancel(ctx context.Context, c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: slcli cancel <id>")
	}
	out, err := c.do(ctx, http.MethodPost, "/instances/"+args[0]+"/cancel", nil)
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func cmdTasks(ctx context.Context, c *client, args []string) error {
	path := "/tasks/"
	if len(args) > 0 {
		path += "?instance_id=" + args[0]
	}
	out, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func cmdClaim(ctx context.Context, c *client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: slcli claim <task_id> <assignee>")
	}
	out, err := c.do(ctx, http.MethodPost, "/tasks/"+args[0]+"/claim", map[string]string{"assignee": args[1]})
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func cmdComplete(ctx context.Context, c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: slcli complete <task_id> [vars.json]")
	}
	vars, err := parsePayloadArg(args, 1)
	if err != nil {
		return err
	}
	out, err := c.do(ctx, http.MethodPost, "/tasks/"+args[0]+"/complete", map[string]interface{}{"variables": vars})
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func cmdSend(ctx context.Context, c *client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: slcli send <message_name> <correlation_key> [payload.json]")
	}
	payload, err := parsePayloadArg(args, 2)
	if err != nil {
		return err
	}
	out, err := c.do(ctx, http.MethodPost, "/messages/send", map[string]interface{}{
		"name":            args[0],
		"correlation_key": args[1],
		"payload":         payload,
	})
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func cmdBroadcast(ctx context.Context, c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: slcli broadcast <signal_name> [payload.json]")
	}
	payload, err := parsePayloadArg(args, 1)
	if err != nil {
		return err
	}
	out, err := c.do(ctx, http.MethodPost, "/signals/broadcast", map[string]interface{}{
		"name":    args[0],
		"payload": payload,
	})
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}

// parsePayloadArg parses a plain string map from args[idx], used for the
// flat map[string]string payloads messages/signals carry.
func parsePayloadArg(args []string, idx int) (map[string]string, error) {
	if len(args) <= idx {
		return nil, nil
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(args[idx]), &payload); err != nil {
		return nil, fmt.Errorf("invalid payload JSON: %w", err)
	}
	return payload, nil
}

func cmdStatus(ctx context.Context, c *client, args []string) error {
	out, err := c.do(ctx, http.MethodGet, "/system/status", nil)
	if err != nil {
		return err
	}
	printJSON(out)
	return nil
}
