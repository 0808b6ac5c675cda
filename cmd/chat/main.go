package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/npezzotti/securechat/internal/client"
	"github.com/npezzotti/securechat/internal/config"
)

var (
	serverURL string
	username  string
	password  string
	roomId    string
	register  bool
	verbose   bool
)

// printer writes timeline entries of the current room to out as they
// appear.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	session *client.Session
	roomId  string
	printed int
}

func (p *printer) reset(roomId string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roomId = roomId
	p.printed = 0
}

func (p *printer) onUpdate(roomId string, u client.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if roomId != p.roomId {
		return
	}

	if u.Err != nil {
		fmt.Fprintf(p.out, "! %v\n", u.Err)
	}

	switch u.State {
	case client.Reconnecting:
		fmt.Fprintln(p.out, "-- offline, reconnecting --")
	case client.Disconnected:
		fmt.Fprintln(p.out, "-- disconnected, /join to retry --")
	}

	view := p.session.Current()
	if view == nil || view.RoomId() != roomId {
		return
	}

	entries := view.Entries()
	for _, e := range entries[min(p.printed, len(entries)):] {
		fmt.Fprintln(p.out, format(e))
	}
	p.printed = max(p.printed, len(entries))
}

func format(e client.Entry) string {
	switch e.Kind {
	case client.KindSystem:
		return "* " + e.Text
	case client.KindError:
		return "! " + e.Text
	}

	ts := e.Message.CreatedAt.Local().Format(time.Kitchen)
	line := fmt.Sprintf("[%s] %s: %s", ts, e.Message.Username, e.Message.Content)
	if e.Status == client.StatusFailed {
		line += " (not sent)"
	}
	return line
}

func main() {
	logger := log.New(os.Stderr, "[chat] ", log.LstdFlags)

	if err := config.LoadDotEnv(); err != nil {
		logger.Fatal("load .env:", err)
	}

	flag.StringVar(&serverURL, "server", config.Getenv("CHAT_SERVER", "http://localhost:8000"), "chat server URL")
	flag.StringVar(&username, "user", os.Getenv("CHAT_USERNAME"), "username")
	flag.StringVar(&password, "password", os.Getenv("CHAT_PASSWORD"), "password")
	flag.StringVar(&roomId, "room", "", "room id to join; defaults to the first room")
	flag.BoolVar(&register, "register", false, "create the account before logging in")
	flag.BoolVar(&verbose, "v", false, "log connection details")
	flag.Parse()

	if username == "" || password == "" {
		logger.Fatal("username and password are required")
	}

	if !verbose {
		logger.SetOutput(io.Discard)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := client.NewAPIClient(serverURL)

	if register {
		if _, err := api.Register(ctx, username, password); err != nil {
			fmt.Fprintln(os.Stderr, "register:", err)
			os.Exit(1)
		}
	}

	if _, err := api.Login(ctx, username, password); err != nil {
		fmt.Fprintln(os.Stderr, "login:", err)
		os.Exit(1)
	}

	user, err := api.Session(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "session:", err)
		os.Exit(1)
	}

	p := &printer{out: os.Stdout}
	session := client.NewSession(api, user, nil, logger, p.onUpdate)
	p.session = session
	defer session.Logout()

	if roomId == "" {
		rooms, err := api.ListRooms(ctx)
		if err != nil || len(rooms) == 0 {
			fmt.Fprintln(os.Stderr, "no rooms available:", err)
			os.Exit(1)
		}
		roomId = rooms[0].Id
	}

	join := func(id string) {
		p.reset(id)
		fmt.Printf("== joining %s ==\n", id)
		if _, err := session.SwitchRoom(ctx, id); err != nil && !errors.Is(err, client.ErrClosed) {
			fmt.Fprintln(os.Stderr, "join:", err)
		}
	}
	join(roomId)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(ctx, api, session, join, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

// handleLine runs one line of input and reports whether to keep going.
func handleLine(ctx context.Context, api *client.APIClient, session *client.Session, join func(string), line string) bool {
	switch {
	case line == "":
		return true
	case line == "/quit":
		return false
	case line == "/rooms":
		rooms, err := api.ListRooms(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list rooms:", err)
			return true
		}
		for _, r := range rooms {
			fmt.Printf("  %s  %s  %s\n", r.Id, r.Name, r.Topic)
		}
		return true
	case strings.HasPrefix(line, "/join "):
		join(strings.TrimSpace(strings.TrimPrefix(line, "/join ")))
		return true
	}

	view := session.Current()
	if view == nil {
		fmt.Fprintln(os.Stderr, "not in a room")
		return true
	}

	if _, err := view.Send(line); err != nil {
		fmt.Fprintln(os.Stderr, "send:", err)
	}
	return true
}
