// Seed the API with sample tasks via POST /api/v1/tasks.
// Each task carries a fixed Idempotency-Key, so re-running the script
// does not create duplicates.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
)

type seedTask struct {
	Key         string `json:"-"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

var seedTasks = []seedTask{
	{Key: "seed-0001", Title: "Buy milk", Description: "2 liters, lactose free"},
	{Key: "seed-0002", Title: "Write weekly report", Description: ""},
	{Key: "seed-0003", Title: "Book dentist appointment", Description: "ask for a morning slot"},
	{Key: "seed-0004", Title: "Renew gym membership", Description: ""},
	{Key: "seed-0005", Title: "Fix leaking tap", Description: "kitchen sink, left handle"},
}

func main() {
	base := flag.String("base", "http://localhost:8080/api/v1", "API base URL")
	flag.Parse()

	for i, t := range seedTasks {
		body, err := json.Marshal(t)
		if err != nil {
			log.Fatalf("marshal: %v", err)
		}
		req, err := http.NewRequest(http.MethodPost, *base+"/tasks", bytes.NewReader(body))
		if err != nil {
			log.Fatalf("request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", t.Key)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Fatalf("post %q: %v", t.Title, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			log.Fatalf("post %q: unexpected status %s", t.Title, resp.Status)
		}
		fmt.Printf("[%d/%d] created: %s\n", i+1, len(seedTasks), t.Title)
	}
	fmt.Printf("\ndone, %d tasks seeded\n", len(seedTasks))
}
