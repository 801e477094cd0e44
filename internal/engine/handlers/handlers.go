// Package handlers implements C4: the topic handler registry that backs
// ServiceTask/SendTask dispatch. Grounded on the teacher's
// internal/app/services/oracle/resolver_http.go for HTTP invocation shape
// (URL/header/body templating, retry classification by status code) and on
// internal/app/core/service for retry/tracing primitives.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"golang.org/x/time/rate"

	core "github.com/r3e-network/bpmn-graph-engine/internal/app/core/service"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
	"github.com/r3e-network/bpmn-graph-engine/pkg/logger"
	"github.com/r3e-network/bpmn-graph-engine/pkg/metrics"
)

// Kind distinguishes the two handler implementations allows.
type Kind string

const (
	KindFunction Kind = "function"
	KindHTTP Kind = "http"
)

// FunctionHandler is an in-process handler: it receives and returns
// variable maps directly.
type FunctionHandler func(ctx context.Context, vars map[string]string) (map[string]string, error)

// HTTPDescriptor is the declarative shape of an HTTP-backed topic handler.
type HTTPDescriptor struct {
	Method string
	URLTemplate string // may contain ${name} placeholders
	HeaderTemplates map[string]string // may contain ${name} placeholders
	BodyTemplate string // may contain ${name} placeholders; empty for GET
	ResponseExtract map[string]string // variable name -> JSONPath expression
	Timeout time.Duration
	MaxRetries int
	Async bool // if true, dispatch returns immediately and the token parks WAITING
	RateLimitPerSecond float64
}

// Topic is a registered handler: exactly one of Function or HTTP is set.
type Topic struct {
	Name string
	Kind Kind
	Function FunctionHandler
	HTTP HTTPDescriptor
}

// AsyncCallback is handed to the executor/scope layer when an async HTTP
// handler is dispatched, so the caller can park the token under CallbackID.
type AsyncCallback struct {
	CallbackID string
}

// Registry is the C4 Topic Handler Registry.
type Registry struct {
	mu sync.RWMutex
	topics map[string]Topic
	limiters map[string]*rate.Limiter
	client *http.Client
	log *logger.Logger
}

// New builds an empty Registry. A nil logger defaults to logger.NewDefault.
func New(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault("handlers")
	}
	return &Registry{
		topics: make(map[string]Topic),
		limiters: make(map[string]*rate.Limiter),
		client: &http.Client{},
		log: log,
	}
}

// Descriptor advertises this component's placement.
func (r *Registry) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "handlers", Domain: "bpmn", Layer: core.LayerAdapter, Capabilities: []string{"function", "http"}}
}

// Register adds or replaces a topic handler.
func (r *Registry) Register(topic Topic) error {
	if strings.TrimSpace(topic.Name) == "" {
		return enginerr.Newf(enginerr.HandlerConfig, "handlers.Register", "topic name must not be empty")
	}
	if topic.Kind == KindFunction && topic.Function == nil {
		return enginerr.Newf(enginerr.HandlerConfig, "handlers.Register", "function topic %q missing Function", topic.Name)
	}
	if topic.Kind == KindHTTP && strings.TrimSpace(topic.HTTP.URLTemplate) == "" {
		return enginerr.Newf(enginerr.HandlerConfig, "handlers.Register", "http topic %q missing URLTemplate", topic.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics[topic.Name] = topic
	if topic.Kind == KindHTTP && topic.HTTP.RateLimitPerSecond > 0 {
		r.limiters[topic.Name] = rate.NewLimiter(rate.Limit(topic.HTTP.RateLimitPerSecond), 1)
	} else {
		delete(r.limiters, topic.Name)
	}
	return nil
}

// Unregister removes a topic handler.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.topics, name)
	delete(r.limiters, name)
}

// Lookup returns the registered topic, if any.
func (r *Registry) Lookup(name string) (Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[name]
	return t, ok
}

// Invoke dispatches a topic synchronously, returning the variables produced.
// For an async HTTP topic, Invoke starts the request in the background and
// returns (nil, &AsyncCallback{...}, nil). The background request's response
// is discarded, and the registry has no operation that resumes a token
// parked on the callback.
func (r *Registry) Invoke(ctx context.Context, topicName string, vars map[string]string) (map[string]string, *AsyncCallback, error) {
	topic, ok := r.Lookup(topicName)
	if !ok {
		return nil, nil, enginerr.Newf(enginerr.NotFound, "handlers.Invoke", "unknown topic %q", topicName)
	}

	start := time.Now()
	outcome := "success"
	defer func() { metrics.RecordHandlerInvocation(topicName, outcome, time.Since(start)) }()

	switch topic.Kind {
	case KindFunction:
		out, err := topic.Function(ctx, vars)
		if err != nil {
			outcome = "error"
			return nil, nil, enginerr.New(enginerr.HandlerFatal, "handlers.Invoke", err)
		}
		return out, nil, nil

	case KindHTTP:
		if lim := r.limiterFor(topicName); lim != nil {
			if err := lim.Wait(ctx); err != nil {
				outcome = "error"
				return nil, nil, enginerr.New(enginerr.HandlerTransient, "handlers.Invoke", err)
			}
		}
		if topic.HTTP.Async {
			cb := &AsyncCallback{CallbackID: topicName + ":" + fmt.Sprintf("%d", time.Now().UnixNano())}
			go r.dispatchHTTP(context.Background(), topic, vars) //nolint:errcheck // fire-and-forget; the response is discarded
			return nil, cb, nil
		}
		out, err := r.dispatchHTTPWithRetry(ctx, topic, vars)
		if err != nil {
			outcome = "error"
			return nil, nil, err
		}
		return out, nil, nil

	default:
		outcome = "error"
		return nil, nil, enginerr.Newf(enginerr.HandlerConfig, "handlers.Invoke", "unknown handler kind %q", topic.Kind)
	}
}

// Test runs an ephemeral dry-run invocation without touching engine state.
// The Control API has no route that calls it.
func (r *Registry) Test(ctx context.Context, topicName string, vars map[string]string) (map[string]string, error) {
	out, cb, err := r.Invoke(ctx, topicName, vars)
	if cb != nil {
		return nil, enginerr.Newf(enginerr.Unsupported, "handlers.Test", "cannot dry-run an async topic %q", topicName)
	}
	return out, err
}

func (r *Registry) limiterFor(topicName string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[topicName]
}

func (r *Registry) dispatchHTTPWithRetry(ctx context.Context, topic Topic, vars map[string]string) (map[string]string, error) {
	policy := core.RetryPolicy{
		Attempts: topic.HTTP.MaxRetries + 1,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		Multiplier: 2,
	}
	var result map[string]string
	err := core.Retry(ctx, policy, func() error {
			out, err := r.dispatchHTTP(ctx, topic, vars)
			if err != nil {
				return err
			}
			result = out
			return nil
	})
	return result, err
}

func (r *Registry) dispatchHTTP(ctx context.Context, topic Topic, vars map[string]string) (map[string]string, error) {
	d := topic.HTTP
	method := d.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rawURL, err := substitute(d.URLTemplate, vars)
	if err != nil {
		return nil, enginerr.New(enginerr.HandlerConfig, "handlers.dispatchHTTP", err)
	}

	var bodyReader io.Reader
	if method == http.MethodGet {
		if d.BodyTemplate == "" {
			u, parseErr := url.Parse(rawURL)
			if parseErr == nil {
				q := u.Query()
				for k, v := range vars {
					q.Set(k, v)
				}
				u.RawQuery = q.Encode()
				rawURL = u.String()
			}
		}
	} else if d.BodyTemplate != "" {
		body, subErr := substitute(d.BodyTemplate, vars)
		if subErr != nil {
			return nil, enginerr.New(enginerr.HandlerConfig, "handlers.dispatchHTTP", subErr)
		}
		bodyReader = bytes.NewBufferString(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, enginerr.New(enginerr.HandlerConfig, "handlers.dispatchHTTP", err)
	}
	for k, tmpl := range d.HeaderTemplates {
		v, subErr := substitute(tmpl, vars)
		if subErr != nil {
			return nil, enginerr.New(enginerr.HandlerConfig, "handlers.dispatchHTTP", subErr)
		}
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, enginerr.New(enginerr.HandlerTransient, "handlers.dispatchHTTP", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, enginerr.New(enginerr.HandlerTransient, "handlers.dispatchHTTP", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, enginerr.Newf(enginerr.HandlerTransient, "handlers.dispatchHTTP", "status %d: %s", resp.StatusCode, string(data))
	}
	if resp.StatusCode >= 400 {
		return nil, enginerr.Newf(enginerr.HandlerFatal, "handlers.dispatchHTTP", "status %d: %s", resp.StatusCode, string(data))
	}

	return extractResponse(data, d.ResponseExtract)
}

func extractResponse(data []byte, extract map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(extract))
	if len(extract) == 0 {
		return out, nil
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, enginerr.New(enginerr.HandlerFatal, "handlers.extractResponse", err)
	}
	for varName, path := range extract {
		val, err := jsonpath.Get(path, parsed)
		if err != nil {
			return nil, enginerr.Newf(enginerr.HandlerFatal, "handlers.extractResponse", "jsonpath %q for %q: %v", path, varName, err)
		}
		out[varName] = fmt.Sprint(val)
	}
	return out, nil
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substitute replaces ${name} placeholders with vars[name]. An unresolved
// placeholder is a HandlerConfig error.
func substitute(tmpl string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
			name := placeholderPattern.FindStringSubmatch(m)[1]
			v, ok := vars[name]
			if !ok {
				missing = append(missing, name)
				return m
			}
			return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}
