package api

import (
	"fmt"
	"net/http"
	"os"
	"runtime"

	"marketledger.mini/mkl/internal/discovery"
	"marketledger.mini/mkl/internal/types"
)

// @Title: Get Health
// @Route: GET /api/health
// @Description: Returns server health status
// @Response: {"status": "ok"}
func (s *Service) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// @Title: Get Version
// @Route: GET /api/version
// @Description: Returns build information and the ledger's administrator, escrow account and fee policy
// @Response: {"version": "...", "build_time": "...", "admin": "0x...", "escrow": "0x...", "fee_policy": "deferred"}
func (s *Service) HandleVersion(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()

	response := map[string]string{
		"version":    types.Version,
		"build_time": types.BuildTime,
		"status":     "ok",
		"hostname":   hostname,
		"go_ver":     runtime.Version(),
		"os_arch":    fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"fee_policy": string(s.market.Policy()),
	}
	if settings, err := s.market.Settings(r.Context()); err == nil {
		response["admin"] = settings.Admin.Hex()
		response["escrow"] = settings.Escrow.Hex()
	}

	s.writeJSON(w, http.StatusOK, response)
}

// @Title: List Peers
// @Route: GET /api/peers
// @Description: Returns the ledger nodes announced on the local network. Empty when discovery is disabled
// @Response: [{"instance": "node-a", "hostname": "node-a.local.", "port": 8080, "addrs": ["192.0.2.10"], "txt": {"admin": "0x..."}}]
func (s *Service) HandlePeers(w http.ResponseWriter, r *http.Request) {
	if s.peers == nil {
		s.writeJSON(w, http.StatusOK, []discovery.Peer{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.peers.Peers())
}
