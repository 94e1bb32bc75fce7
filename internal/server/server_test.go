package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"provline/internal/config"
	"provline/internal/csp"
	"provline/internal/db"
	"provline/internal/domain"
	"provline/internal/engine"
	"provline/internal/migrate"
	"provline/internal/repo"
)

const (
	testJWTSecret = "test-secret"
	testAPIKey    = "test-api-key"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), csp.NewMockCloud())
	if err := e.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:        "key-1",
		ActorID:   "robot",
		Name:      "test",
		KeyHash:   repo.HashAPIKey(testAPIKey),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed api key: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func apiKeyHeaders() map[string]string {
	return map[string]string{"X-Api-Key": testAPIKey}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/portfolios", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d without credentials: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("code = %s, want unauthorized", envelope.Error.Code)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/portfolios", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d with bad api key", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/portfolios", map[string]any{
		"name": "JWT Portfolio",
	}, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}

	// a token signed with the wrong key is rejected
	wrong := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "mallory"})
	badToken, _ := wrong.SignedString([]byte("other-secret"))
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/portfolios", nil, map[string]string{"Authorization": "Bearer " + badToken})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d with forged token", res.StatusCode)
	}
}

func TestPortfolioLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/portfolios", map[string]any{
		"name":        "Mission Apps",
		"description": "warfighter stuff",
	}, apiKeyHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created PortfolioResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal portfolio: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/portfolios/"+created.ID+"/task-orders", map[string]any{
		"number": "HQ0034",
		"signed": true,
	}, apiKeyHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("task order status %d: %s", res.StatusCode, string(data))
	}
	var to TaskOrderResponse
	if err := json.Unmarshal(data, &to); err != nil {
		t.Fatalf("unmarshal task order: %v", err)
	}
	if to.SignedAt == nil {
		t.Fatalf("task order not signed")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/task-orders/"+to.ID+"/clins", map[string]any{
		"number":     "0001",
		"start_date": "2026-01-01T00:00:00Z",
		"end_date":   "2027-01-01T00:00:00Z",
	}, apiKeyHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("clin status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/portfolios/"+created.ID, nil, apiKeyHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var fetched PortfolioResponse
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal portfolio: %v", err)
	}
	if len(fetched.TaskOrders) != 1 || len(fetched.TaskOrders[0].CLINs) != 1 {
		t.Fatalf("portfolio missing task order or clin: %+v", fetched)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/portfolios/"+created.ID+"/provisioning", nil, apiKeyHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("provisioning status %d: %s", res.StatusCode, string(data))
	}
	var prov ProvisioningResponse
	if err := json.Unmarshal(data, &prov); err != nil {
		t.Fatalf("unmarshal provisioning: %v", err)
	}
	if prov.State != "UNSTARTED" {
		t.Fatalf("state = %s, want UNSTARTED", prov.State)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/portfolios/"+created.ID, nil, apiKeyHeaders())
	if res.StatusCode >= 300 {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/portfolios", nil, apiKeyHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", res.StatusCode)
	}
}

func TestCreatePortfolioValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/portfolios", map[string]any{}, apiKeyHeaders())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d for missing name: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/portfolios/nope", nil, apiKeyHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d for missing portfolio: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code = %s, want not_found", envelope.Error.Code)
	}
}

func TestRestartRequiresFailedStage(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/portfolios", map[string]any{
		"name": "Fresh",
	}, apiKeyHeaders())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created PortfolioResponse
	_ = json.Unmarshal(data, &created)

	// provisioning record does not exist yet
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/portfolios/"+created.ID+"/provisioning/restart", nil, apiKeyHeaders())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("restart status %d before provisioning, want 404", res.StatusCode)
	}

	// materialize it in UNSTARTED, which is not restartable
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/portfolios/"+created.ID+"/provisioning", nil, apiKeyHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("provisioning status %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/portfolios/"+created.ID+"/provisioning/restart", nil, apiKeyHeaders())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("restart status %d, want 422: %s", res.StatusCode, string(data))
	}
}

func TestEventsListing(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, name := range []string{"One", "Two", "Three"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/portfolios", map[string]any{"name": name}, apiKeyHeaders())
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s status %d: %s", name, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2", nil, apiKeyHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("page = %+v, want 2 items and a cursor", page)
	}
	if page.Items[0].ActorID != "robot" {
		t.Fatalf("actor = %s, want api key actor", page.Items[0].ActorID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2&cursor="+page.NextCursor, nil, apiKeyHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(data))
	}
	var rest paginatedEvents
	if err := json.Unmarshal(data, &rest); err != nil {
		t.Fatalf("unmarshal second page: %v", err)
	}
	if len(rest.Items) != 1 || rest.NextCursor != "" {
		t.Fatalf("second page = %+v, want final item", rest)
	}
	if rest.Items[0].ID >= page.Items[1].ID {
		t.Fatalf("cursor did not move past first page")
	}
}
