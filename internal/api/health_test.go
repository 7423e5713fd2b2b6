package api

import (
	"net"
	"net/http"
	"testing"

	"marketledger.mini/mkl/internal/discovery"
	"marketledger.mini/mkl/internal/types"
)

func TestHandleHealth(t *testing.T) {
	env := setupTest(t)

	resp := env.do(t, http.MethodGet, "/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status OK, got %v", resp.Status)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Errorf("Expected an X-Request-ID header")
	}
}

func TestHandleVersion(t *testing.T) {
	env := setupTest(t)

	resp := env.do(t, http.MethodGet, "/api/version", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status OK, got %v", resp.Status)
	}
	body := decode[map[string]string](t, resp)
	if body["version"] != types.Version {
		t.Errorf("Expected version %s, got %s", types.Version, body["version"])
	}
	if body["admin"] != env.admin.Address().Hex() {
		t.Errorf("Expected admin %s, got %s", env.admin.Address().Hex(), body["admin"])
	}
	if body["fee_policy"] != "deferred" {
		t.Errorf("Expected deferred fee policy, got %s", body["fee_policy"])
	}
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	env := setupTest(t)
	if resp := env.do(t, http.MethodGet, "/api/nope", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %v", resp.Status)
	}
}

type fakePeers []discovery.Peer

func (f fakePeers) Peers() []discovery.Peer { return f }

func TestHandlePeers(t *testing.T) {
	env := setupTest(t)
	resp := env.do(t, http.MethodGet, "/api/peers", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status OK, got %v", resp.Status)
	}
	if peers := decode[[]discovery.Peer](t, resp); len(peers) != 0 {
		t.Errorf("Expected no peers without discovery, got %d", len(peers))
	}

	env = setupTest(t, WithPeers(fakePeers{{
		Instance: "node-a",
		Port:     8080,
		Addrs:    []net.IP{net.ParseIP("192.0.2.10")},
		Txt:      map[string]string{"fee_policy": "deferred"},
	}}))
	peers := decode[[]discovery.Peer](t, env.do(t, http.MethodGet, "/api/peers", nil))
	if len(peers) != 1 || peers[0].Instance != "node-a" {
		t.Fatalf("Expected node-a, got %+v", peers)
	}
	if peers[0].APIURL() != "http://192.0.2.10:8080" {
		t.Errorf("Unexpected API URL %s", peers[0].APIURL())
	}
}
