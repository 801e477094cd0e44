package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInvokeFunctionHandler(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(Topic{
		Name: "double",
		Kind: KindFunction,
		Function: func(ctx context.Context, vars map[string]string) (map[string]string, error) {
			return map[string]string{"x": "42"}, nil
		},
	}))

	out, cb, err := r.Invoke(context.Background(), "double", map[string]string{"x": "21"})
	require.NoError(t, err)
	require.Nil(t, cb)
	require.Equal(t, "42", out["x"])
}

func TestInvokeUnknownTopicIsNotFound(t *testing.T) {
	r := New(nil)
	_, _, err := r.Invoke(context.Background(), "missing", nil)
	require.Error(t, err)
}

func TestInvokeHTTPHandlerExtractsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/orders/abc123", req.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"total": 42.5})
	}))
	defer srv.Close()

	r := New(nil)
	require.NoError(t, r.Register(Topic{
		Name: "fetchOrder",
		Kind: KindHTTP,
		HTTP: HTTPDescriptor{
			Method:          http.MethodGet,
			URLTemplate:     srv.URL + "/orders/${orderId}",
			ResponseExtract: map[string]string{"total": "$.total"},
		},
	}))

	out, cb, err := r.Invoke(context.Background(), "fetchOrder", map[string]string{"orderId": "abc123"})
	require.NoError(t, err)
	require.Nil(t, cb)
	require.Equal(t, "42.5", out["total"])
}

func TestInvokeHTTPServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := New(nil)
	require.NoError(t, r.Register(Topic{
		Name: "flaky",
		Kind: KindHTTP,
		HTTP: HTTPDescriptor{Method: http.MethodGet, URLTemplate: srv.URL},
	}))

	_, _, err := r.Invoke(context.Background(), "flaky", nil)
	require.Error(t, err)
}

func TestInvokeHTTPUnresolvedTemplateIsHandlerConfig(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(Topic{
		Name: "needsVar",
		Kind: KindHTTP,
		HTTP: HTTPDescriptor{Method: http.MethodGet, URLTemplate: "http://example.invalid/${missing}"},
	}))

	_, _, err := r.Invoke(context.Background(), "needsVar", nil)
	require.Error(t, err)
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	r := New(nil)
	err := r.Register(Topic{Kind: KindFunction, Function: func(ctx context.Context, vars map[string]string) (map[string]string, error) { return nil, nil }})
	require.Error(t, err)
}

func TestAsyncHTTPReturnsCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	r := New(nil)
	require.NoError(t, r.Register(Topic{
		Name: "asyncTopic",
		Kind: KindHTTP,
		HTTP: HTTPDescriptor{Method: http.MethodGet, URLTemplate: srv.URL, Async: true},
	}))

	out, cb, err := r.Invoke(context.Background(), "asyncTopic", nil)
	require.NoError(t, err)
	require.Nil(t, out)
	require.NotNil(t, cb)
	require.NotEmpty(t, cb.CallbackID)
}
