// ABOUTME: Interactive terminal client for a chatcore server
// ABOUTME: Opens a session socket, streams inbox and chat updates, sends messages

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
)

const banner = `
      _           _
  ___| |__   __ _| |_ ___ ___  _ __ ___
 / __| '_ \ / _' | __/ __/ _ \| '__/ _ \
| (__| | | | (_| | || (_| (_) | | |  __/
 \___|_| |_|\__,_|\__\___\___/|_|  \___|
`

// Wire types mirror the server's session frames. The CLI only decodes
// the fields it renders.
type clientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	ReceiverID     string `json:"receiver_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Body           string `json:"body,omitempty"`
	SubID          string `json:"sub_id,omitempty"`
}

type serverFrame struct {
	Type     string          `json:"type"`
	SubID    string          `json:"sub_id,omitempty"`
	Message  *wireMessage    `json:"message,omitempty"`
	Entry    *wireInboxEntry `json:"entry,omitempty"`
	Presence *wirePresence   `json:"presence,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type wireMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sent_at"`
	Seen           bool      `json:"seen"`
}

type wireInboxEntry struct {
	ConversationID  string       `json:"conversation_id"`
	ProductID       string       `json:"product_id"`
	CounterpartID   string       `json:"counterpart_id"`
	CounterpartName string       `json:"counterpart_name"`
	LastMessage     string       `json:"last_message"`
	UnseenCount     int          `json:"unseen_count"`
	Counterpart     wirePresence `json:"counterpart_presence"`
}

type wirePresence struct {
	UserID     string `json:"user_id"`
	State      string `json:"state"`
	LastActive string `json:"last_active"`
}

type resolveResponse struct {
	ID string `json:"id"`
}

var (
	cyan   = color.New(color.FgCyan)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	faint  = color.New(color.Faint)
)

func main() {
	addr := flag.String("addr", "localhost:8080", "chatcore server address")
	userID := flag.String("user", "", "user ID to connect as (required)")
	name := flag.String("name", "", "display name sent when opening chats")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "Error: -user is required")
		flag.Usage()
		os.Exit(1)
	}

	if err := run(*addr, *userID, *name); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	addr   string
	userID string
	name   string

	conn *websocket.Conn

	// Conversation currently on screen; bare input lines go here.
	openConv     string
	openReceiver string
}

func run(addr, userID, name string) error {
	cyan.Print(banner)
	fmt.Printf("Connected as %s\n\n", userID)

	wsURL := url.URL{
		Scheme:   "ws",
		Host:     addr,
		Path:     "/api/ws",
		RawQuery: url.Values{"user_id": {userID}}.Encode(),
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	c := &client{addr: addr, userID: userID, name: name, conn: conn}

	if err := c.send(clientFrame{Type: "subscribe_inbox"}); err != nil {
		return err
	}

	go c.readLoop()
	go c.heartbeatLoop()

	printHelp()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			done, err := c.handleCommand(line)
			if err != nil {
				red.Printf("! %v\n", err)
			}
			if done {
				return nil
			}
			continue
		}
		if c.openConv == "" {
			yellow.Println("No chat open. Use /open <counterpart> <product> first.")
			continue
		}
		err := c.send(clientFrame{
			Type:           "send",
			ConversationID: c.openConv,
			ReceiverID:     c.openReceiver,
			Body:           line,
		})
		if err != nil {
			red.Printf("! %v\n", err)
		}
	}
	return scanner.Err()
}

func (c *client) handleCommand(line string) (done bool, err error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/open":
		if len(fields) != 3 {
			return false, fmt.Errorf("usage: /open <counterpart> <product>")
		}
		return false, c.openChat(fields[1], fields[2])
	case "/watch":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: /watch <user>")
		}
		return false, c.send(clientFrame{Type: "subscribe_presence", UserID: fields[1]})
	case "/offline":
		// Explicit sign-off: the server marks us offline before the
		// socket drops, instead of waiting out the heartbeat timeout.
		if err := c.send(clientFrame{Type: "offline"}); err != nil {
			return true, err
		}
		time.Sleep(100 * time.Millisecond)
		return true, nil
	case "/quit":
		return true, nil
	case "/help":
		printHelp()
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}

// openChat resolves the conversation over REST, then subscribes to its
// message stream and marks everything already in it as seen.
func (c *client) openChat(counterpartID, productID string) error {
	body, err := json.Marshal(map[string]string{
		"user_id":           c.userID,
		"counterpart_id":    counterpartID,
		"product_id":        productID,
		"user_display_name": c.name,
	})
	if err != nil {
		return err
	}
	resp, err := http.Post("http://"+c.addr+"/api/chats/resolve", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("resolving chat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("resolve returned %s", resp.Status)
	}
	var conv resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return fmt.Errorf("decoding resolve response: %w", err)
	}

	c.openConv = conv.ID
	c.openReceiver = counterpartID
	green.Printf("Opened chat %s with %s about %s\n", conv.ID, counterpartID, productID)

	if err := c.send(clientFrame{Type: "subscribe_messages", ConversationID: conv.ID}); err != nil {
		return err
	}
	return c.send(clientFrame{Type: "mark_seen", ConversationID: conv.ID})
}

func (c *client) send(frame clientFrame) error {
	return c.conn.WriteJSON(frame)
}

func (c *client) heartbeatLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := c.send(clientFrame{Type: "heartbeat"}); err != nil {
			return
		}
	}
}

func (c *client) readLoop() {
	for {
		var frame serverFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			red.Println("\nConnection closed.")
			os.Exit(0)
		}
		c.render(frame)
	}
}

func (c *client) render(frame serverFrame) {
	switch frame.Type {
	case "message":
		msg := frame.Message
		if msg == nil {
			return
		}
		stamp := faint.Sprintf("[%s]", msg.SentAt.Local().Format("15:04"))
		if msg.SenderID == c.userID {
			mark := ""
			if msg.Seen {
				mark = faint.Sprint(" ✓")
			}
			fmt.Printf("%s %s %s%s\n", stamp, green.Sprint("you:"), msg.Body, mark)
		} else {
			fmt.Printf("%s %s %s\n", stamp, cyan.Sprintf("%s:", msg.SenderID), msg.Body)
		}
	case "inbox":
		entry := frame.Entry
		if entry == nil {
			return
		}
		who := entry.CounterpartName
		if who == "" {
			who = entry.CounterpartID
		}
		badge := ""
		if entry.UnseenCount > 0 {
			badge = yellow.Sprintf(" (%d unread)", entry.UnseenCount)
		}
		fmt.Printf("%s %s · %s · %s%s\n",
			faint.Sprint("inbox:"), who, entry.ProductID,
			lastLine(entry.LastMessage), badge)
	case "presence":
		p := frame.Presence
		if p == nil {
			return
		}
		if p.State == "online" {
			green.Printf("* %s is online\n", p.UserID)
		} else {
			faint.Printf("* %s — %s\n", p.UserID, p.LastActive)
		}
	case "error":
		red.Printf("! server: %s\n", frame.Error)
	case "subscribed", "sent", "marked_seen":
		// acks, nothing to show
	}
}

func lastLine(s string) string {
	runes := []rune(s)
	if len(runes) > 40 {
		return string(runes[:40]) + "…"
	}
	return s
}

func printHelp() {
	faint.Println("Commands:")
	faint.Println("  /open <counterpart> <product>   open (or create) a chat")
	faint.Println("  /watch <user>                   follow a user's presence")
	faint.Println("  /offline                        sign off and exit")
	faint.Println("  /quit                           drop the connection and exit")
	faint.Println("  anything else                   send to the open chat")
	fmt.Println()
}