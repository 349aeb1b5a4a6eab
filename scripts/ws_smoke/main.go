package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/studymatch/chat-server/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8000", "server base address")
	token := flag.String("token", "", "JWT from /api/login")
	room := flag.Int64("room", 1, "chat room id")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	if *token == "" {
		return fmt.Errorf("-token is required (POST /api/login first)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	url := fmt.Sprintf("%s/ws/chat/%d?token=%s", *addr, *room, *token)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := wsjson.Write(ctx, conn, proto.Inbound{Message: *text}); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var ePayload proto.Error
		if jsonErr := json.Unmarshal(data, &ePayload); jsonErr == nil && ePayload.Error != "" {
			fmt.Printf("Error: %s\n", ePayload.Error)
			continue
		}

		var b proto.Broadcast
		if jsonErr := json.Unmarshal(data, &b); jsonErr != nil {
			fmt.Printf("Raw data: %s\n", string(data))
			return fmt.Errorf("unmarshal broadcast: %w", jsonErr)
		}
		fmt.Printf("Broadcast: user=%s (id=%d) text=%q ts=%s\n", b.Username, b.UserID, b.Message, b.Timestamp)
		return nil
	}
}
