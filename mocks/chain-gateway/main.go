// Mock chain gateway for local development and e2e runs. Transactions gain
// one confirmation per poll after being staged, so a poller watching depth 3
// converges in three rounds. Tests can stage failed transactions as well.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
)

type stagedTx struct {
	confirmations int
	failed        bool
}

type txStatus struct {
	Confirmations int  `json:"confirmations"`
	Failed        bool `json:"failed"`
}

type gateway struct {
	mu  sync.Mutex
	txs map[string]*stagedTx
}

func txKey(req *http.Request) string {
	return req.PathValue("chainID") + "/" + req.PathValue("txHash")
}

func (g *gateway) get(w http.ResponseWriter, req *http.Request) {
	g.mu.Lock()
	tx, ok := g.txs[txKey(req)]
	var status txStatus
	if ok {
		status = txStatus{Confirmations: tx.confirmations, Failed: tx.failed}
		if !tx.failed {
			tx.confirmations++
		}
	}
	g.mu.Unlock()
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (g *gateway) put(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Failed bool `json:"failed"`
	}
	if req.Body != nil {
		_ = json.NewDecoder(req.Body).Decode(&body)
	}
	g.mu.Lock()
	g.txs[txKey(req)] = &stagedTx{failed: body.Failed}
	g.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func main() {
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":9050"
	}

	g := &gateway{txs: map[string]*stagedTx{}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /chains/{chainID}/transactions/{txHash}", g.get)
	mux.HandleFunc("PUT /chains/{chainID}/transactions/{txHash}", g.put)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("mock chain gateway listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}
