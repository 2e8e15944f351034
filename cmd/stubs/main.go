// Vendor API simulator for offline development. Point every upstream's
// base_url at it and the service runs without credentials or network access:
//
//	upstreams:
//	  coingecko:    { base_url: "http://localhost:8091" }
//	  frankfurter:  { base_url: "http://localhost:8091" }
//	  alphavantage: { base_url: "http://localhost:8091", api_key: "stub" }
//
// Responses carry a small random walk so the dashboard visibly updates.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

var equityPrices = map[string]float64{
	"MSTR": 421.5,
	"STRF": 96.2,
	"STRC": 101.3,
	"STRK": 86.4,
	"STRD": 84.9,
}

// jitter nudges base by up to half a percent either way.
func jitter(base float64) float64 {
	return base * (1 + (rand.Float64()-0.5)/100)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func simplePrice(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query().Get("ids")
	vs := r.URL.Query().Get("vs_currencies")
	if ids == "" || vs == "" {
		http.Error(w, "ids and vs_currencies are required", http.StatusBadRequest)
		return
	}
	out := make(map[string]map[string]float64)
	for _, id := range strings.Split(ids, ",") {
		out[id] = map[string]float64{vs: jitter(109500)}
	}
	log.Printf("coingecko /simple/price ids=%s vs=%s", ids, vs)
	writeJSON(w, out)
}

func latestRates(w http.ResponseWriter, r *http.Request) {
	base := r.URL.Query().Get("from")
	quote := r.URL.Query().Get("to")
	if base == "" {
		base = "EUR"
	}
	if quote == "" {
		quote = "USD"
	}
	log.Printf("frankfurter /latest from=%s to=%s", base, quote)
	writeJSON(w, map[string]any{
		"amount": 1.0,
		"base":   base,
		"date":   time.Now().UTC().Format("2006-01-02"),
		"rates":  map[string]float64{quote: jitter(1.0512)},
	})
}

func globalQuote(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("function") != "GLOBAL_QUOTE" {
		writeJSON(w, map[string]string{"Error Message": "unsupported function"})
		return
	}
	symbol := r.URL.Query().Get("symbol")
	base, ok := equityPrices[symbol]
	if !ok {
		// The real vendor answers unknown symbols with an empty quote object.
		writeJSON(w, map[string]any{"Global Quote": map[string]string{}})
		return
	}
	price := jitter(base)
	log.Printf("alphavantage GLOBAL_QUOTE symbol=%s price=%.2f", symbol, price)
	writeJSON(w, map[string]any{
		"Global Quote": map[string]string{
			"01. symbol":             symbol,
			"02. open":               fmt.Sprintf("%.4f", price*0.99),
			"03. high":               fmt.Sprintf("%.4f", price*1.01),
			"04. low":                fmt.Sprintf("%.4f", price*0.98),
			"05. price":              fmt.Sprintf("%.4f", price),
			"06. volume":             "1234567",
			"07. latest trading day": time.Now().UTC().Format("2006-01-02"),
		},
	})
}

func main() {
	port := flag.String("port", "8091", "port to serve the vendor stubs on")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/simple/price", simplePrice)
	mux.HandleFunc("/latest", latestRates)
	mux.HandleFunc("/query", globalQuote)

	addr := ":" + *port
	log.Printf("vendor stubs listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("stub server error: %v", err)
	}
}
