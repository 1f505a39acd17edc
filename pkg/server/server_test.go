package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/cexll/llmcascade/pkg/cascade"
	"github.com/cexll/llmcascade/pkg/model"
	"github.com/cexll/llmcascade/pkg/request"
	"github.com/cexll/llmcascade/pkg/workflow/extract"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return u
}

func TestServerExtractEndpoint(t *testing.T) {
	var got Job
	srv := New(RunnerFunc(func(ctx context.Context, job Job) (*extract.Result, error) {
		got = job
		return &extract.Result{
			URLs:     []*url.URL{mustURL(t, "https://a.com")},
			Criteria: "a tutorial site",
			Duration: 1500 * time.Millisecond,
			Flow:     cascade.New("ExtractURLs"),
		}, nil
	}))
	body := `{"instructions":"pick tutorials","material":"https://a.com https://b.com","max_urls":2}`
	req := httptest.NewRequest(http.MethodPost, "/extract?transcript=1", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", rec.Code, rec.Body.String())
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.URLs) != 1 || resp.URLs[0] != "https://a.com" {
		t.Fatalf("unexpected urls: %+v", resp.URLs)
	}
	if resp.DurationMS != 1500 || resp.Criteria != "a tutorial site" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.HasPrefix(resp.Transcript, "ExtractURLs") {
		t.Fatalf("transcript missing flow name: %q", resp.Transcript)
	}
	if got.MaxURLs != 2 || got.Instructions != "pick tutorials" {
		t.Fatalf("runner received %+v", got)
	}
}

func TestServerRejectsBadRequests(t *testing.T) {
	srv := New(RunnerFunc(func(context.Context, Job) (*extract.Result, error) {
		t.Fatal("runner must not be called")
		return nil, nil
	}))
	cases := []struct {
		method string
		body   string
		status int
	}{
		{http.MethodGet, "", http.StatusMethodNotAllowed},
		{http.MethodPost, "{", http.StatusBadRequest},
		{http.MethodPost, `{"instructions":"x","extra":1}`, http.StatusBadRequest},
		{http.MethodPost, `{"instructions":"  "}`, http.StatusBadRequest},
		{http.MethodPost, `{"instructions":"x","max_urls":-1}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/extract", strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s %q: status %d, want %d", tc.method, tc.body, rec.Code, tc.status)
		}
	}
}

func TestServerErrorClassification(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{extract.ErrNoURLs, http.StatusUnprocessableEntity, "input"},
		{&request.TokenLimitError{Reason: "prompt exceeds context"}, http.StatusRequestEntityTooLarge, "token_limit"},
		{&request.ExceededRetryCountError{Message: "3 attempts"}, http.StatusBadGateway, "retries_exhausted"},
		{fmt.Errorf("wrapped: %w", &model.ClientError{Backend: model.KindOpenAI, StatusCode: 401, Err: errors.New("denied")}), http.StatusBadGateway, "backend"},
		{context.DeadlineExceeded, http.StatusServiceUnavailable, "canceled"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		srv := New(RunnerFunc(func(context.Context, Job) (*extract.Result, error) {
			return nil, tc.err
		}))
		req := httptest.NewRequest(http.MethodPost, "/extract", strings.NewReader(`{"instructions":"x"}`))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%v: status %d, want %d", tc.err, rec.Code, tc.status)
		}
		var body errorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body.Kind != tc.kind {
			t.Fatalf("%v: kind %q, want %q", tc.err, body.Kind, tc.kind)
		}
		if body.RequestID == "" {
			t.Fatalf("%v: error body lacks a request id", tc.err)
		}
	}
}

func TestServerHealth(t *testing.T) {
	srv := New(RunnerFunc(func(context.Context, Job) (*extract.Result, error) { return nil, nil }))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestNewResponseNilResult(t *testing.T) {
	resp := NewResponse(nil, true)
	if resp.URLs == nil || len(resp.URLs) != 0 {
		t.Fatalf("expected empty, non-nil urls: %+v", resp)
	}
}
