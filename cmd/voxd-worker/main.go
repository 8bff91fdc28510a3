// voxd-worker is a scripted stand-in for the real agent worker. It speaks
// the line-delimited JSON protocol on stdio and replays a canned exchange
// for every query, echoing back the session id and generation it was
// given. Integration-style tests and local development use it in place of
// a real agent backend.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

type outbound struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	Generation uint64 `json:"generation"`
	Prompt     string `json:"prompt,omitempty"`
}

type inbound struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	Generation uint64 `json:"generation"`
	Payload    any    `json:"payload,omitempty"`
}

func main() {
	enc := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		var msg outbound
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			fmt.Fprintf(os.Stderr, "voxd-worker: bad line: %v\n", err)
			continue
		}
		if msg.Type != "query" {
			continue
		}

		reply := func(kind string, payload any) {
			err := enc.Encode(inbound{
				Type:       kind,
				SessionID:  msg.SessionID,
				Generation: msg.Generation,
				Payload:    payload,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "voxd-worker: write: %v\n", err)
				os.Exit(1)
			}
		}

		reply("tool-start", map[string]any{
			"tool":  "read_file",
			"input": map[string]string{"path": "main.go"},
		})
		reply("tool-result", map[string]any{
			"tool":   "read_file",
			"output": "package main",
		})
		reply("progressive-usage", map[string]any{
			"inputTokens":  120,
			"outputTokens": 40,
			"totalCostUsd": 0.0021,
		})
		reply("text", map[string]string{"content": "Echoing: " + msg.Prompt})
		reply("final-usage", map[string]any{
			"inputTokens":  250,
			"outputTokens": 90,
			"totalCostUsd": 0.0042,
			"numTurns":     1,
		})
		reply("done", nil)
	}
}
