//go:build ignore

// Mock paginated API for trying the gateway locally.
// Run with: go run scripts/mock-backend.go -port 9001 -pages 3
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strconv"
)

func main() {
	port := flag.Int("port", 9001, "Port to listen on")
	pages := flag.Int("pages", 3, "Number of list pages")
	size := flag.Int("size", 2, "Items per page")
	flag.Parse()

	base := fmt.Sprintf("http://localhost:%d/api/v1", *port)
	total := *pages * *size

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/zaken", func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page < 1 {
			page = 1
		}
		if page > *pages {
			http.NotFound(w, r)
			return
		}

		results := make([]map[string]any, 0, *size)
		for i := 0; i < *size; i++ {
			n := (page-1)**size + i + 1
			results = append(results, map[string]any{
				"url":      fmt.Sprintf("%s/zaken/%d", base, n),
				"zaaktype": fmt.Sprintf("%s/zaaktypen/%d", base, n%2),
			})
		}
		var next, previous any
		if page < *pages {
			next = fmt.Sprintf("%s/zaken?page=%d", base, page+1)
		}
		if page > 1 {
			previous = fmt.Sprintf("%s/zaken?page=%d", base, page-1)
		}
		writeJSON(w, map[string]any{"count": total, "next": next, "previous": previous, "results": results})
	})
	mux.HandleFunc("/api/v1/zaaktypen/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"url":          base + r.URL.Path[len("/api/v1"):],
			"omschrijving": "Melding openbare ruimte",
		})
	})

	log.Printf("mock backend listening on :%d (%s)", *port, base)
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", *port), mux))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
