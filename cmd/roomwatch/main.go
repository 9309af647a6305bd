package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/fasthttp/websocket"
	"github.com/fatih/color"
)

const version = "0.1.0"

const usage = `Room watch.

Watches a room on a realtime-bindings dev server, or sends one topic message to it.

Usage:
    roomwatch watch [--url=<url>] [--token=<token>] [--room_type=<type>] --room=<id>
        [--topic=<topic>...] [--name=<name>]
    roomwatch send [--url=<url>] [--token=<token>] [--room_type=<type>] --room=<id>
        --topic=<topic> <message>

Options:
    -h --help            Show this screen.
    --version            Show version.
    --url=<url>          Websocket url [default: ws://localhost:3000/api/ws].
    --token=<token>      JWT for servers that require one.
    --room_type=<type>   Room type [default: _defaultRoomType].
    --room=<id>          Room id.
    --topic=<topic>      Topic to follow or send on.
    --name=<name>        Presence name to announce.`

type serverMessage struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		color.Red("%v", err)
		os.Exit(2)
	}

	conn, err := dial(opts)
	if err != nil {
		color.Red("Failed to connect: %v", err)
		os.Exit(1)
	}
	defer conn.Close()

	if sendCmd, _ := opts.Bool("send"); sendCmd {
		if err := send(conn, opts); err != nil {
			color.Red("Send failed: %v", err)
			os.Exit(1)
		}
		return
	}
	if err := watch(conn, opts); err != nil {
		color.Red("Watch stopped: %v", err)
		os.Exit(1)
	}
}

func dial(opts docopt.Opts) (*websocket.Conn, error) {
	raw, _ := opts.String("--url")
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token, _ := opts.String("--token"); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	return conn, err
}

func roomFields(opts docopt.Opts) map[string]any {
	roomType, _ := opts.String("--room_type")
	room, _ := opts.String("--room")
	return map[string]any{"roomType": roomType, "roomId": room}
}

func op(name, id string, opts docopt.Opts, extra map[string]any) map[string]any {
	msg := roomFields(opts)
	msg["op"] = name
	msg["id"] = id
	for k, v := range extra {
		msg[k] = v
	}
	return msg
}

// stringsOpt reads an option that may be given once or repeated.
func stringsOpt(opts docopt.Opts, key string) []string {
	switch v := opts[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	}
	return nil
}

func send(conn *websocket.Conn, opts docopt.Opts) error {
	topics := stringsOpt(opts, "--topic")
	if len(topics) != 1 {
		return fmt.Errorf("send needs exactly one --topic, got %d", len(topics))
	}
	topic := topics[0]
	text, _ := opts.String("<message>")
	if err := conn.WriteJSON(op("publish-topic", "send", opts, map[string]any{
		"topic": topic,
		"data":  map[string]any{"text": text},
	})); err != nil {
		return err
	}
	for {
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case "ack":
			color.Green("Sent to %s on %q", roomFields(opts)["roomId"], topic)
			return nil
		case "error":
			return fmt.Errorf("%s", msg.Error)
		}
	}
}

func watch(conn *websocket.Conn, opts docopt.Opts) error {
	presence := map[string]any{}
	if name, _ := opts.String("--name"); name != "" {
		presence["name"] = name
	}
	if err := conn.WriteJSON(op("subscribe-presence", "presence", opts, map[string]any{"initialPresence": presence})); err != nil {
		return err
	}
	topics := stringsOpt(opts, "--topic")
	for i, topic := range topics {
		if err := conn.WriteJSON(op("subscribe-topic", fmt.Sprintf("topic-%d", i), opts, map[string]any{"topic": topic})); err != nil {
			return err
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	color.Cyan("Watching room %v", roomFields(opts)["roomId"])
	for {
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		line, c := render(msg)
		if line != "" {
			c.Println(line)
		}
	}
}

type presencePeer struct {
	PeerID string         `json:"peerId"`
	Data   map[string]any `json:"data"`
}

type presenceSnapshot struct {
	Peers     map[string]presencePeer `json:"peers"`
	IsLoading bool                    `json:"isLoading"`
}

// render turns one server push into a printable line and the color to print it in.
func render(msg serverMessage) (string, *color.Color) {
	switch msg.Type {
	case "status":
		var status string
		_ = json.Unmarshal(msg.Data, &status)
		return "status: " + status, color.New(color.FgYellow)
	case "presence":
		var snap presenceSnapshot
		if err := json.Unmarshal(msg.Data, &snap); err != nil || snap.IsLoading {
			return "", nil
		}
		ids := make([]string, 0, len(snap.Peers))
		for id := range snap.Peers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		parts := make([]string, 0, len(ids))
		for _, id := range ids {
			label := id
			if name, ok := snap.Peers[id].Data["name"].(string); ok {
				label = name
			}
			parts = append(parts, label)
		}
		return fmt.Sprintf("peers (%d): %s", len(ids), strings.Join(parts, ", ")), color.New(color.FgCyan)
	case "topic":
		return "topic " + msg.ID + ": " + string(msg.Data), color.New(color.FgGreen)
	case "error":
		return "error: " + msg.Error, color.New(color.FgRed)
	}
	return "", nil
}
