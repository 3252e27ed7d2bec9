// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package frontend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/aegismesh/aegis/internal/mgmtauth"
)

func newTestNodeAPI(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	hash, err := mgmtauth.HashToken("node-token")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	auth := mgmtauth.New(hash)

	api := NewNodeAPI(testWAF(t), func(reason string, gracePeriodS int64) {}, func(force bool) error {
		return nil
	})

	router := mux.NewRouter()
	api.RegisterRoutes(router, auth)
	srv := httptest.NewServer(router)
	return srv, "node-token"
}

func authedRequest(t *testing.T, method, url, token string, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestNodeAPIHealthRequiresAuth(t *testing.T) {
	srv, _ := newTestNodeAPI(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestNodeAPIHealthWithToken(t *testing.T) {
	srv, token := newTestNodeAPI(t)
	defer srv.Close()

	req := authedRequest(t, http.MethodGet, srv.URL+"/health", token, "")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestNodeAPITerminateInvokesCallback(t *testing.T) {
	hash, _ := mgmtauth.HashToken("node-token")
	auth := mgmtauth.New(hash)

	done := make(chan struct{}, 1)
	var gotReason string
	var gotGrace int64
	api := NewNodeAPI(testWAF(t), func(reason string, gracePeriodS int64) {
		gotReason = reason
		gotGrace = gracePeriodS
		done <- struct{}{}
	}, nil)

	router := mux.NewRouter()
	api.RegisterRoutes(router, auth)
	srv := httptest.NewServer(router)
	defer srv.Close()

	req := authedRequest(t, http.MethodPost, srv.URL+"/control/terminate", "node-token",
		`{"reason":"maintenance","grace_period_seconds":30}`)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	<-done
	if gotReason != "maintenance" || gotGrace != 30 {
		t.Fatalf("unexpected terminate callback args: reason=%q grace=%d", gotReason, gotGrace)
	}
}

func TestNodeAPITerminateDefaultsGracePeriod(t *testing.T) {
	hash, _ := mgmtauth.HashToken("node-token")
	auth := mgmtauth.New(hash)

	done := make(chan int64, 1)
	api := NewNodeAPI(testWAF(t), func(reason string, gracePeriodS int64) {
		done <- gracePeriodS
	}, nil)

	router := mux.NewRouter()
	api.RegisterRoutes(router, auth)
	srv := httptest.NewServer(router)
	defer srv.Close()

	req := authedRequest(t, http.MethodPost, srv.URL+"/control/terminate", "node-token", `{"reason":"drain"}`)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["grace_period_seconds"] != 60 {
		t.Fatalf("expected default grace period 60, got %d", body["grace_period_seconds"])
	}
	if grace := <-done; grace != 60 {
		t.Fatalf("expected callback grace period 60, got %d", grace)
	}
}

func TestNodeAPIWafStatusReportsStats(t *testing.T) {
	srv, token := newTestNodeAPI(t)
	defer srv.Close()

	req := authedRequest(t, http.MethodGet, srv.URL+"/status/waf", token, "")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestNodeAPIAddAndRemovePattern(t *testing.T) {
	srv, token := newTestNodeAPI(t)
	defer srv.Close()

	addReq := authedRequest(t, http.MethodPost, srv.URL+"/waf/patterns", token,
		`{"pattern":"evil-header-value","rule_type":"command_injection"}`)
	resp, err := http.DefaultClient.Do(addReq)
	if err != nil {
		t.Fatalf("Do add: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 adding pattern, got %d", resp.StatusCode)
	}

	delReq := authedRequest(t, http.MethodDelete, srv.URL+"/waf/patterns", token, `{"pattern":"evil-header-value"}`)
	resp2, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("Do delete: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 removing pattern, got %d", resp2.StatusCode)
	}
	var delBody struct {
		RemovedCount int `json:"removed_count"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&delBody); err != nil {
		t.Fatalf("decode delete response: %v", err)
	}
	if delBody.RemovedCount != 1 {
		t.Fatalf("expected removed_count=1, got %d", delBody.RemovedCount)
	}
}

func TestNodeAPIWafReload(t *testing.T) {
	srv, token := newTestNodeAPI(t)
	defer srv.Close()

	req := authedRequest(t, http.MethodPost, srv.URL+"/waf/reload", token, "")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestNodeAPIConfigReloadInvokesCallback(t *testing.T) {
	srv, token := newTestNodeAPI(t)
	defer srv.Close()

	req := authedRequest(t, http.MethodPost, srv.URL+"/config/reload", token, `{"force":true}`)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "reloaded" {
		t.Fatalf("expected reloaded status, got %+v", body)
	}
}
