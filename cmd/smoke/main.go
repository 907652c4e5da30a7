// Command smoke exercises a running instance end to end: health over gRPC
// and HTTP, then a grant/revoke round trip checked through /v1/authorize.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"corpusguard.org/internal/ids"
)

type client struct {
	base  string
	http  *http.Client
	token string
}

func (c *client) call(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (c *client) login(ctx context.Context, username, password string) error {
	var out struct {
		Token string `json:"token"`
	}
	code, err := c.call(ctx, http.MethodPost, "/v1/auth/login", map[string]string{"username": username, "password": password}, &out)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("login %s: status %d", username, code)
	}
	c.token = out.Token
	return nil
}

func (c *client) allowed(ctx context.Context, action, typ, id string) (bool, error) {
	var out struct {
		Allowed bool `json:"allowed"`
	}
	code, err := c.call(ctx, http.MethodPost, "/v1/authorize", map[string]string{
		"action": action, "resource_type": typ, "resource_id": id,
	}, &out)
	if err != nil {
		return false, err
	}
	if code != http.StatusOK {
		return false, fmt.Errorf("authorize: status %d", code)
	}
	return out.Allowed, nil
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func must(step string, err error) {
	if err != nil {
		log.Fatalf("%s: %v", step, err)
	}
}

func expect(step string, code, want int, err error) {
	must(step, err)
	if code != want {
		log.Fatalf("%s: status %d, want %d", step, code, want)
	}
}

func main() {
	log.SetFlags(0)
	httpBase := env("CORPUSGUARD_SMOKE_HTTP", "http://localhost:8080")
	grpcAddr := env("CORPUSGUARD_SMOKE_GRPC", "localhost:9090")
	adminUser := env("CORPUSGUARD_SMOKE_ADMIN", "admin")
	adminPass := os.Getenv("CORPUSGUARD_ADMIN_PASSWORD")
	if adminPass == "" {
		log.Fatal("CORPUSGUARD_ADMIN_PASSWORD is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	must("dial grpc", err)
	defer conn.Close()
	hc, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	must("grpc health", err)
	if hc.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("grpc health: %s", hc.GetStatus())
	}

	admin := &client{base: strings.TrimRight(httpBase, "/"), http: &http.Client{Timeout: 5 * time.Second}}
	code, err := admin.call(ctx, http.MethodGet, "/healthz", nil, nil)
	expect("healthz", code, http.StatusOK, err)
	must("admin login", admin.login(ctx, adminUser, adminPass))

	// a throwaway reader account
	suffix := strings.ToLower(ids.New())
	username, password := "smoke-"+suffix[len(suffix)-8:], "smoke-"+suffix
	var reader struct {
		ID string `json:"id"`
	}
	code, err = admin.call(ctx, http.MethodPost, "/v1/register", map[string]string{"username": username, "password": password}, &reader)
	expect("register", code, http.StatusCreated, err)
	code, err = admin.call(ctx, http.MethodPost, "/v1/console/users/"+reader.ID+"/approve", nil, nil)
	expect("approve", code, http.StatusOK, err)

	user := &client{base: admin.base, http: admin.http}
	must("reader login", user.login(ctx, username, password))

	docID := "smoke-" + suffix
	code, err = admin.call(ctx, http.MethodPut, "/v1/resources/Document/"+docID, map[string]any{"approved": false}, nil)
	expect("register resource", code, http.StatusCreated, err)

	before, err := user.allowed(ctx, "view", "Document", docID)
	must("authorize before grant", err)
	grantPath := "/v1/resources/Document/" + docID + "/grants/" + reader.ID
	code, err = admin.call(ctx, http.MethodPut, grantPath, map[string]bool{"can_view": true}, nil)
	expect("grant", code, http.StatusOK, err)
	during, err := user.allowed(ctx, "view", "Document", docID)
	must("authorize with grant", err)
	code, err = admin.call(ctx, http.MethodDelete, grantPath, nil, nil)
	expect("revoke", code, http.StatusNoContent, err)
	after, err := user.allowed(ctx, "view", "Document", docID)
	must("authorize after revoke", err)

	if before || !during || after {
		log.Fatalf("grant round trip failed: before=%t during=%t after=%t", before, during, after)
	}

	var found struct {
		Entries []json.RawMessage `json:"entries"`
	}
	code, err = admin.call(ctx, http.MethodGet, "/v1/console/audit?resource_type=AccessGrant&limit=10", nil, &found)
	expect("audit query", code, http.StatusOK, err)
	if len(found.Entries) < 2 {
		log.Fatalf("expected grant and revoke in the audit trail, got %d entries", len(found.Entries))
	}

	code, err = admin.call(ctx, http.MethodPost, "/v1/console/users/"+reader.ID+"/deactivate", nil, nil)
	expect("deactivate", code, http.StatusOK, err)

	fmt.Printf("smoke test passed: principal=%s resource=Document/%s\n", reader.ID, docID)
}
