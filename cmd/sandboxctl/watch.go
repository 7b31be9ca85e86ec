package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live events and resolve requests from stdin",
	Long: `watch connects to sandboxd's WebSocket and prints request/resolve/rules
events as they arrive. Accepts stdin commands:
  a <id>     approve id
  d <id>     deny id
  A <cat>    approve all pending in category
  D <cat>    deny all pending in category
  q          quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(serverAddr, "/"), "http") + "/ws"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", wsURL, err)
		}
		defer conn.Close()

		incoming := make(chan wsMessage)
		go func() {
			for {
				var msg wsMessage
				if err := conn.ReadJSON(&msg); err != nil {
					close(incoming)
					return
				}
				incoming <- msg
			}
		}()

		stdinLines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				stdinLines <- scanner.Text()
			}
			close(stdinLines)
		}()

		for {
			select {
			case msg, ok := <-incoming:
				if !ok {
					fmt.Println("connection closed")
					return nil
				}
				fmt.Printf("[%s] %s\n", msg.Type, string(msg.Data))
			case line, ok := <-stdinLines:
				if !ok {
					return nil
				}
				if quit := handleWatchCommand(conn, line); quit {
					return nil
				}
			}
		}
	},
}

// handleWatchCommand parses one stdin line (`a <id> | d <id> | A <cat> |
// D <cat> | q`) and sends the corresponding message over conn. Returns true
// when the command was "q".
func handleWatchCommand(conn *websocket.Conn, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "q":
		return true
	case "a":
		if len(fields) == 2 {
			sendApproveDeny(conn, "approve", fields[1])
		}
	case "d":
		if len(fields) == 2 {
			sendApproveDeny(conn, "deny", fields[1])
		}
	case "A":
		if len(fields) == 2 {
			bulkViaHTTP("approved", fields[1])
		}
	case "D":
		if len(fields) == 2 {
			bulkViaHTTP("denied", fields[1])
		}
	}
	return false
}

func sendApproveDeny(conn *websocket.Conn, msgType, id string) {
	msg := map[string]interface{}{
		"type": msgType,
		"id":   id,
	}
	if err := conn.WriteJSON(msg); err != nil {
		fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
	}
}

func bulkViaHTTP(status, category string) {
	var out struct {
		Count int `json:"count"`
	}
	if err := apiPost("/api/queue/bulk", map[string]string{
		"category":   category,
		"status":     status,
		"resolvedBy": "cli",
	}, &out); err != nil {
		fmt.Fprintf(os.Stderr, "bulk resolve failed: %v\n", err)
		return
	}
	fmt.Printf("resolved %d requests in %s\n", out.Count, category)
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
