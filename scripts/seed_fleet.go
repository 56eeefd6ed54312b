// seed_fleet.go — standalone script to parse a BACKLOG.md checklist and seed
// tasks via the Warden API, optionally registering agents first.
//
// Usage:
//
//	go run scripts/seed_fleet.go -backlog /path/to/BACKLOG.md -api http://localhost:8700 -agent system
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
)

type taskItem struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	MaxRetries  int      `json:"max_retries,omitempty"`
}

// Priority emoji to level mapping
var priorityMap = map[string]string{
	"🔴": "critical",
	"🟠": "high",
	"🟡": "medium",
	"🟢": "low",
}

func main() {
	backlogPath := flag.String("backlog", "BACKLOG.md", "path to backlog file")
	apiURL := flag.String("api", "http://localhost:8700", "Warden API base URL")
	agentID := flag.String("agent", "system", "X-Agent-ID header value")
	dryRun := flag.Bool("dry-run", false, "print tasks without posting")
	flag.Parse()

	f, err := os.Open(*backlogPath)
	if err != nil {
		log.Fatalf("open backlog: %v", err)
	}
	defer f.Close()

	var items []taskItem
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Only unchecked checklist entries become tasks.
		if !strings.HasPrefix(line, "- [ ]") {
			continue
		}
		body := strings.TrimSpace(strings.TrimPrefix(line, "- [ ]"))
		if body == "" {
			continue
		}

		item := taskItem{Priority: "medium", MaxRetries: 2}
		for emoji, level := range priorityMap {
			if strings.Contains(body, emoji) {
				item.Priority = level
				body = strings.ReplaceAll(body, emoji, "")
			}
		}

		// Inline capability tags: "Fix parser #requires:go #requires:sql"
		var words []string
		for _, w := range strings.Fields(body) {
			if strings.HasPrefix(w, "#requires:") {
				item.Tags = append(item.Tags, strings.TrimPrefix(w, "#"))
				continue
			}
			words = append(words, w)
		}
		item.Title = strings.Join(words, " ")
		if item.Title == "" {
			continue
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("read backlog: %v", err)
	}

	if *dryRun {
		for _, item := range items {
			b, _ := json.MarshalIndent(item, "", "  ")
			fmt.Println(string(b))
		}
		fmt.Printf("%d tasks (dry run)\n", len(items))
		return
	}

	client := &http.Client{}
	posted := 0
	for _, item := range items {
		b, _ := json.Marshal(item)
		req, err := http.NewRequest("POST", *apiURL+"/api/v1/tasks", bytes.NewReader(b))
		if err != nil {
			log.Fatalf("build request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Agent-ID", *agentID)

		resp, err := client.Do(req)
		if err != nil {
			log.Fatalf("post task %q: %v", item.Title, err)
		}
		if resp.StatusCode != http.StatusCreated {
			log.Printf("post task %q: status %d", item.Title, resp.StatusCode)
		} else {
			posted++
		}
		resp.Body.Close()
	}
	fmt.Printf("seeded %d/%d tasks\n", posted, len(items))
}
