// Mock verification registry for local development and e2e runs. Serves the
// read-only status endpoint the core consumes and a write endpoint for tests
// to stage buyer statuses.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
)

type kycStatus struct {
	Tier       int    `json:"tier"`
	State      string `json:"state"`
	Restricted bool   `json:"restricted"`
}

type registry struct {
	mu       sync.RWMutex
	statuses map[string]kycStatus
}

func (r *registry) get(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	status, ok := r.statuses[req.PathValue("buyerID")]
	r.mu.RUnlock()
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (r *registry) put(w http.ResponseWriter, req *http.Request) {
	var status kycStatus
	if err := json.NewDecoder(req.Body).Decode(&status); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.statuses[req.PathValue("buyerID")] = status
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func main() {
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":9040"
	}

	reg := &registry{statuses: map[string]kycStatus{}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /kyc/status/{buyerID}", reg.get)
	mux.HandleFunc("PUT /kyc/status/{buyerID}", reg.put)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("mock kyc registry listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}
