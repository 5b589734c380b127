// Mock market data feed for local development and e2e runs. Rates are staged
// by tests through the PUT endpoint; as_of is stamped at read time so staged
// rates never go stale mid-run.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

type rate struct {
	Rate      string `json:"rate"`
	Precision int32  `json:"precision"`
}

type rateResponse struct {
	Rate      string    `json:"rate"`
	Precision int32     `json:"precision"`
	AsOf      time.Time `json:"as_of"`
}

type feed struct {
	mu    sync.RWMutex
	rates map[string]rate
}

func pairKey(req *http.Request) string {
	return req.PathValue("source") + "/" + req.PathValue("target")
}

func (f *feed) get(w http.ResponseWriter, req *http.Request) {
	f.mu.RLock()
	r, ok := f.rates[pairKey(req)]
	f.mu.RUnlock()
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rateResponse{
		Rate:      r.Rate,
		Precision: r.Precision,
		AsOf:      time.Now().UTC(),
	})
}

func (f *feed) put(w http.ResponseWriter, req *http.Request) {
	var r rate
	if err := json.NewDecoder(req.Body).Decode(&r); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.rates[pairKey(req)] = r
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func main() {
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":9060"
	}

	f := &feed{rates: map[string]rate{
		"USD/USD": {Rate: "1", Precision: 6},
		"EUR/USD": {Rate: "1.10", Precision: 6},
	}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rates/{source}/{target}", f.get)
	mux.HandleFunc("PUT /rates/{source}/{target}", f.put)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	log.Printf("mock rate feed listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}
