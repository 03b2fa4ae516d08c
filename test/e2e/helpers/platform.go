//go:build integration

// Package helpers starts real backing services and platforms for the
// end-to-end suite.
package helpers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/txn2/steptracker/pkg/auth"
	"github.com/txn2/steptracker/pkg/platform"
)

// Fixed credentials shared by the suite.
const (
	SigningKey   = "e2e-signing-key-0123456789abcdef"
	OperatorKey  = "e2e-operator-key"
	DefaultUser  = "e2e-walker"
	DefaultEmail = "walker@example.com"
)

// StartPostgres runs a disposable PostgreSQL container and returns its DSN.
// The container is terminated when the test ends.
func StartPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	pg, err := tcpostgres.Run(ctx, "postgres:15",
		tcpostgres.WithDatabase("steptracker"),
		tcpostgres.WithUsername("steptracker"),
		tcpostgres.WithPassword("steptracker"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("starting postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres connection string: %v", err)
	}
	if err := WaitForPostgres(ctx, dsn, DefaultWaitConfig()); err != nil {
		t.Fatal(err)
	}
	return dsn
}

// Config builds a platform config backed by postgres at dsn and a sqlite
// cache under dir, with a fast simulated walker.
func Config(t *testing.T, dsn, dir string) *platform.Config {
	t.Helper()
	hash, err := auth.HashKey(OperatorKey)
	if err != nil {
		t.Fatalf("hashing operator key: %v", err)
	}

	cfg, err := platform.ParseConfig([]byte(fmt.Sprintf(`
apiVersion: v1
server:
  name: e2e
tracker:
  timezone: UTC
  save_interval: 100ms
store:
  driver: postgres
  dsn: %q
  migrate: true
cache:
  driver: sqlite
  path: %q
sensors:
  driver: simulated
  simulated:
    cadence: 5ms
    seed: 11
auth:
  jwt:
    signing_key: %q
  api_keys:
    - name: e2e-ops
      hash: %q
      roles: [operator]
audit:
  enabled: true
schedule:
  flush: "off"
`, dsn, filepath.Join(dir, "cache.db"), SigningKey, hash)))
	if err != nil {
		t.Fatalf("parsing e2e config: %v", err)
	}
	return cfg
}

// TestPlatform is a started platform behind an httptest server.
type TestPlatform struct {
	Platform *platform.Platform
	Server   *httptest.Server
}

// StartPlatform creates and starts a platform and serves its handler.
// Close stops both.
func StartPlatform(t *testing.T, cfg *platform.Config) *TestPlatform {
	t.Helper()
	p, err := platform.New(platform.WithConfig(cfg))
	if err != nil {
		t.Fatalf("creating platform: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("starting platform: %v", err)
	}
	tp := &TestPlatform{Platform: p, Server: httptest.NewServer(p.Handler())}
	t.Cleanup(tp.Close)
	return tp
}

// Close stops the server and the platform. It is safe to call twice.
func (tp *TestPlatform) Close() {
	if tp.Server == nil {
		return
	}
	tp.Server.Close()
	tp.Server = nil
	_ = tp.Platform.Stop(context.Background())
}

// Do sends a request with credentials: a JWT for users, an API key for
// the operator key.
func (tp *TestPlatform) Do(t *testing.T, method, path, credential string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, tp.Server.URL+path, http.NoBody)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if credential == OperatorKey {
		req.Header.Set("X-API-Key", credential)
	} else if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// UserToken signs a JWT for userID.
func UserToken(t *testing.T, userID, email string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   "steptracker",
		"sub":   userID,
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString([]byte(SigningKey))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

// BearerTransport adds a bearer token to every request.
type BearerTransport struct {
	Token string
	Base  http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (b *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+b.Token)
	resp, err := b.Base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("round trip: %w", err)
	}
	return resp, nil
}
