// chatcli - Command line client for the farm chat service
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/eldtechnologies/farmchat/clients/go/chat"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("CHAT_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client := chat.NewClient(baseURL)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "history":
		requireArgs(4, "chatcli history <user_id> <other_user_id>")
		msgs, err := client.History(ctx, parseID(os.Args[2]), parseID(os.Args[3]))
		exitOnError(err)
		for _, msg := range msgs {
			body := msg.Content
			if body == "" && len(msg.Image) > 0 {
				body = "[Image]"
			}
			fmt.Printf("[%s] %d: %s\n", msg.CreatedAt.Local().Format("2006-01-02 15:04:05"), msg.SenderID, body)
		}

	case "recent":
		requireArgs(3, "chatcli recent <user_id>")
		convs, err := client.Recent(ctx, parseID(os.Args[2]))
		exitOnError(err)
		for _, c := range convs {
			name := c.Name
			if name == "" {
				name = strconv.FormatInt(c.PeerID, 10)
			}
			fmt.Printf("  %-20s %-10s %s  %s\n", name, c.Role, c.LastMessageTime.Local().Format("Jan 2 15:04"), c.LastMessage)
		}

	case "send":
		requireArgs(5, "chatcli send <sender_id> <receiver_id> <message>")
		msg, err := client.Send(ctx, chat.SendRequest{
			SenderID:   parseID(os.Args[2]),
			ReceiverID: parseID(os.Args[3]),
			Message:    strings.Join(os.Args[4:], " "),
		})
		exitOnError(err)
		fmt.Printf("Sent: %d\n", msg.ID)

	case "presence":
		requireArgs(3, "chatcli presence <user_id>")
		resp, err := client.Presence(ctx, parseID(os.Args[2]))
		exitOnError(err)
		printJSON(resp)

	case "listen":
		requireArgs(3, "chatcli listen <user_id>")
		listen(ctx, client, parseID(os.Args[2]))

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// listen registers as userID and prints live messages until interrupted.
func listen(ctx context.Context, client *chat.Client, userID int64) {
	session, err := client.Connect(ctx)
	exitOnError(err)
	defer session.Close()

	exitOnError(session.Register(userID))
	fmt.Printf("Listening as %d (Ctrl+C to stop)\n", userID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-session.Events():
			if !ok {
				fmt.Fprintln(os.Stderr, "connection closed")
				return
			}
			switch {
			case ev.Message != nil:
				fmt.Printf("[%s] %d: %s\n", ev.Message.Timestamp.Local().Format("15:04:05"), ev.Message.SenderID, ev.Message.Message)
			case ev.Name == chat.EventError:
				fmt.Fprintln(os.Stderr, "server error:", ev.Error)
			}
		}
	}
}

func usage() {
	fmt.Println(`chatcli - farm chat command line client

Usage: chatcli <command> [options]

Commands:
  send <from> <to> <message>   Send a message
  history <user> <other>       Show messages between two users
  recent <user>                List recent conversations
  presence <user>              Show online status
  listen <user>                Print live messages for a user
  health                       Check server health

Environment:
  CHAT_URL      Server URL (default: http://localhost:8080)`)
}

func requireArgs(n int, usage string) {
	if len(os.Args) < n {
		fmt.Fprintln(os.Stderr, "Usage:", usage)
		os.Exit(1)
	}
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintf(os.Stderr, "Error: invalid user id %q\n", s)
		os.Exit(1)
	}
	return id
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
