package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/mahaj/marketplace-chat/pkg/directory"
	"github.com/mahaj/marketplace-chat/pkg/logging"
	"github.com/mahaj/marketplace-chat/pkg/model"
	"github.com/mahaj/marketplace-chat/pkg/session"
)

// renderer prints what changed between two session snapshots.
type renderer struct {
	mu        sync.Mutex
	self      string
	roomID    string
	texts     map[string]string
	typing    string
	connected bool
	lastErr   string
}

func newRenderer(self string) *renderer {
	return &renderer{self: self, texts: make(map[string]string)}
}

func (r *renderer) render(st session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st.Error != "" && st.Error != r.lastErr {
		fmt.Printf("\r! %s\n> ", st.Error)
	}
	r.lastErr = st.Error

	room := st.CurrentRoom
	if room == nil {
		return
	}
	if room.ID != r.roomID {
		r.roomID = room.ID
		r.texts = make(map[string]string)
		r.typing = ""
		fmt.Printf("\r-- room %s (%s)\n> ", room.ID, strings.Join(room.Participants, ", "))
	}
	if st.IsConnected != r.connected {
		r.connected = st.IsConnected
		if st.IsConnected {
			fmt.Print("\r-- connected\n> ")
		} else {
			fmt.Print("\r-- disconnected\n> ")
		}
	}

	if len(room.Messages) == 0 && len(r.texts) > 0 {
		r.texts = make(map[string]string)
		fmt.Print("\r-- room cleared\n> ")
	}
	for _, m := range room.Messages {
		prev, seen := r.texts[m.ID]
		switch {
		case !seen:
			fmt.Printf("\r[%s] %s: %s  (%s)\n> ", m.At.Local().Format("15:04"), m.From.Name, m.Text, m.ID)
		case prev != m.Text:
			fmt.Printf("\r[%s] %s edited: %s  (%s)\n> ", m.At.Local().Format("15:04"), m.From.Name, m.Text, m.ID)
		}
		r.texts[m.ID] = m.Text
	}

	var others []string
	for _, id := range room.TypingUsers {
		if id != r.self {
			others = append(others, id)
		}
	}
	typing := strings.Join(others, ", ")
	if typing != r.typing {
		r.typing = typing
		if typing != "" {
			fmt.Printf("\r%s typing...\n> ", typing)
		}
	}
}

func printRooms(st session.State) {
	if len(st.Rooms) == 0 {
		fmt.Println("no rooms")
		return
	}
	for _, room := range st.Rooms {
		marker := " "
		if st.CurrentRoom != nil && st.CurrentRoom.ID == room.ID {
			marker = "*"
		}
		fmt.Printf("%s %s  %s\n", marker, room.ID, strings.Join(room.Participants, ", "))
	}
}

func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "room directory address")
	serverAddr := flag.String("addr", "localhost:8080", "gateway service address")
	userID := flag.String("user", "user1", "user id")
	name := flag.String("name", "", "display name")
	dmUser := flag.String("dm", "", "user id to open a direct room with")
	roomID := flag.String("room", "", "room id to open")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger := logging.New("client", *logLevel, "text")
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	token, err := directory.Login(ctx, *apiAddr, *userID)
	if err != nil {
		logger.Error("login failed", logging.Err(err))
		os.Exit(1)
	}

	me := model.ChatUser{ID: *userID, Username: *userID, FullName: *name}
	wsURL := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}

	mgr := session.NewManager(session.Options{
		User:      &me,
		Directory: directory.NewClient(*apiAddr, *userID, token),
		Connect:   session.SocketConnector(wsURL.String(), token, logger),
		Logger:    logger,
	})
	out := newRenderer(*userID)
	unsubscribe := mgr.Subscribe(out.render)
	defer unsubscribe()
	defer mgr.Dispose()

	if err := mgr.Init(ctx); err != nil {
		logger.Error("failed to load rooms", logging.Err(err))
	}

	target := *roomID
	if *dmUser != "" {
		target, err = mgr.CreateOrJoinRoom(ctx, []string{*userID, *dmUser})
		if err != nil {
			logger.Error("failed to open room", slog.String("with", *dmUser), logging.Err(err))
			os.Exit(1)
		}
		if err := mgr.Refresh(ctx); err != nil {
			logger.Error("failed to refresh rooms", logging.Err(err))
		}
	}
	if target != "" {
		if err := mgr.SwitchRoom(ctx, target); err != nil {
			logger.Error("failed to switch room", logging.Room(target), logging.Err(err))
		}
	} else {
		printRooms(mgr.State())
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Print("> ")
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case text, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(ctx, mgr, text) {
				return
			}
			fmt.Print("> ")
		}
	}
}

// handleLine runs one line of input and reports whether to keep going.
func handleLine(ctx context.Context, mgr *session.Manager, text string) bool {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(text), " ")
	switch cmd {
	case "":
	case "/quit":
		return false
	case "/typing":
		mgr.StartTyping()
	case "/stop":
		mgr.StopTyping()
	case "/rooms":
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := mgr.Refresh(rctx); err != nil {
			fmt.Println("refresh failed:", err)
		}
		printRooms(mgr.State())
	case "/switch":
		if err := mgr.SwitchRoom(ctx, strings.TrimSpace(rest)); err != nil {
			fmt.Println("switch failed:", err)
		}
	case "/read":
		if cur := mgr.State().CurrentRoom; cur != nil {
			mgr.MarkAsRead(cur.ID)
		}
	case "/edit":
		id, body, _ := strings.Cut(strings.TrimSpace(rest), " ")
		if err := mgr.EditMessage(id, body); err != nil {
			fmt.Println("edit failed:", err)
		}
	default:
		if _, err := mgr.SendMessage(text); err != nil {
			fmt.Println("send failed:", err)
		}
	}
	return true
}
