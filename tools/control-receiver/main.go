// Command control-receiver is a stand-in project control endpoint for
// local testing. It records every start/stop command, verifies HMAC
// signatures when CONTROL_SECRET is set, and tracks the state each
// project would be in, so a scheduler run can be checked end to end
// without real agents.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

type command struct {
	Action         string `json:"action"`
	Project        string `json:"project"`
	BoundaryAt     string `json:"boundary_at"`
	TransitionID   string `json:"transition_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type received struct {
	Timestamp string  `json:"timestamp"`
	Command   command `json:"command"`
	Duplicate bool    `json:"duplicate"`
	Signed    bool    `json:"signed"`
}

type state struct {
	Count      int64             `json:"count"`
	Duplicates int64             `json:"duplicates"`
	Projects   map[string]string `json:"projects"`
	Last       []received        `json:"last_commands"`
	Since      string            `json:"since"`
}

var (
	mu         sync.Mutex
	count      int64
	duplicates int64
	projects   = map[string]string{}
	seen       = map[string]bool{}
	last       []received
	since      time.Time
	secret     string
	maxStored  = 50
)

func main() {
	since = time.Now().UTC()
	secret = os.Getenv("CONTROL_SECRET")

	addr := ":7600"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	http.HandleFunc("/control", controlHandler)
	http.HandleFunc("/state", stateHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		duplicates = 0
		projects = map[string]string{}
		seen = map[string]bool{}
		last = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	if secret != "" {
		log.Printf("control-receiver verifying signatures")
	}
	log.Printf("control-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func controlHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	signed := false
	if secret != "" {
		sig := r.Header.Get("X-Autocoder-Signature")
		if !verifySignature(secret, body, sig) {
			log.Printf("rejected command: bad signature (transition=%s)", r.Header.Get("X-Autocoder-Transition-ID"))
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintln(w, `{"error":"bad signature"}`)
			return
		}
		signed = true
	}

	var cmd command
	if err := json.Unmarshal(body, &cmd); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, `{"error":"bad json"}`)
		return
	}
	if cmd.Action != "start" && cmd.Action != "stop" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":"unknown action %q}`+"\n", cmd.Action)
		return
	}

	mu.Lock()
	dup := seen[cmd.IdempotencyKey]
	seen[cmd.IdempotencyKey] = true
	count++
	if dup {
		duplicates++
	} else {
		switch cmd.Action {
		case "start":
			projects[cmd.Project] = "running"
		case "stop":
			projects[cmd.Project] = "stopped"
		}
	}
	last = append(last, received{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Command:   cmd,
		Duplicate: dup,
		Signed:    signed,
	})
	if len(last) > maxStored {
		last = last[len(last)-maxStored:]
	}
	current := count
	mu.Unlock()

	if dup {
		log.Printf("command #%d: %s %s (duplicate, key=%s)", current, cmd.Action, cmd.Project, cmd.IdempotencyKey)
	} else {
		log.Printf("command #%d: %s %s (boundary=%s)", current, cmd.Action, cmd.Project, cmd.BoundaryAt)
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"received":%d,"duplicate":%t}`+"\n", current, dup)
}

func stateHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := state{
		Count:      count,
		Duplicates: duplicates,
		Projects:   projects,
		Last:       last,
		Since:      since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
