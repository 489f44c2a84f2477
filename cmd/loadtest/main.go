// Command loadtest drives a running broker with many concurrent clients
// posting messages into a set of rooms. It needs direct access to the
// broker's database to register the synthetic users and mint their tokens,
// so run it on the broker host.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/comms/pkg/database"
	"github.com/aeolun/comms/pkg/protocol"
	"github.com/aeolun/comms/pkg/server"
)

const loremIpsum = "lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod tempor incididunt ut labore et dolore magna aliqua"

var loremWords = strings.Fields(loremIpsum)

func randomMessage() string {
	n := 3 + rand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// stats tracks aggregate outcomes across all clients.
type stats struct {
	sent           atomic.Int64
	failed         atomic.Int64
	received       atomic.Int64 // broadcast frames observed
	connectErrors  atomic.Int64
	disconnections atomic.Int64
	responseTimeUs atomic.Int64
}

func (s *stats) recordSend(rtt time.Duration) {
	s.sent.Add(1)
	s.responseTimeUs.Add(rtt.Microseconds())
}

func (s *stats) report(elapsed time.Duration) {
	sent := s.sent.Load()
	var avgMs float64
	if sent > 0 {
		avgMs = float64(s.responseTimeUs.Load()) / float64(sent) / 1000
	}
	log.Printf("[%5.0fs] sent=%d failed=%d received=%d conn_errors=%d disconnects=%d avg_ack=%.1fms",
		elapsed.Seconds(), sent, s.failed.Load(), s.received.Load(),
		s.connectErrors.Load(), s.disconnections.Load(), avgMs)
}

// botClient is one synthetic room member.
type botClient struct {
	id    int
	room  string
	conn  *websocket.Conn
	stats *stats

	mu sync.Mutex // guards writes; reads stay on the reader goroutine
}

type frame struct {
	Action string             `json:"action"`
	Status string             `json:"status"`
	Error  protocol.ErrorCode `json:"error"`
	Detail string             `json:"detail"`
}

func newBotClient(id int, wsURL, room, token string, stats *stats) (*botClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &botClient{id: id, room: room, conn: conn, stats: stats}, nil
}

func (b *botClient) writeJSON(v interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.WriteJSON(v)
}

// join binds the connection and waits for the ack.
func (b *botClient) join() error {
	if err := b.writeJSON(map[string]string{"action": protocol.ActionJoinOrCreateRoom, "code": b.room}); err != nil {
		return err
	}
	f, err := b.readUntil(protocol.ActionJoinOrCreateRoom)
	if err != nil {
		return err
	}
	if f.Status != protocol.StatusSuccess {
		return fmt.Errorf("join refused: %s (%s)", f.Error, f.Detail)
	}
	return nil
}

// readUntil consumes frames until the named action arrives, counting
// broadcasts along the way.
func (b *botClient) readUntil(action string) (*frame, error) {
	for {
		b.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		if f.Action == action {
			return &f, nil
		}
		b.stats.received.Add(1)
	}
}

// run posts messages at the given interval until done closes.
func (b *botClient) run(done <-chan struct{}, interval time.Duration) {
	defer b.conn.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			start := time.Now()
			err := b.writeJSON(map[string]string{
				"action":  protocol.ActionSendMessage,
				"content": randomMessage(),
			})
			if err == nil {
				var f *frame
				f, err = b.readUntil(protocol.ActionSendMessage)
				if err == nil && f.Status != protocol.StatusSuccess {
					b.stats.failed.Add(1)
					continue
				}
			}
			if err != nil {
				b.stats.disconnections.Add(1)
				return
			}
			b.stats.recordSend(time.Since(start))
		}
	}
}

func main() {
	addr := flag.String("addr", "ws://127.0.0.1:8080/ws", "Broker websocket URL")
	dbPath := flag.String("db", "", "Path to the broker's SQLite database (required)")
	secret := flag.String("secret", os.Getenv("COMMS_AUTH_TOKEN_SECRET"), "HMAC token secret")
	clients := flag.Int("clients", 10, "Number of concurrent clients")
	rooms := flag.Int("rooms", 2, "Number of rooms to spread clients across")
	interval := flag.Duration("interval", time.Second, "Per-client send interval")
	duration := flag.Duration("duration", time.Minute, "Test duration (0 = until interrupted)")
	flag.Parse()

	if *dbPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *secret == "" {
		log.Fatal("No secret given; pass -secret or set COMMS_AUTH_TOKEN_SECRET")
	}

	store, err := database.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	runID := time.Now().Unix()
	st := &stats{}
	done := make(chan struct{})
	var wg sync.WaitGroup

	log.Printf("Starting %d clients across %d rooms against %s", *clients, *rooms, *addr)
	for i := 0; i < *clients; i++ {
		room := fmt.Sprintf("load-%d-%d", runID, i%*rooms)
		username := fmt.Sprintf("loadbot-%d-%d", runID, i)

		user, err := store.FindOrCreateUser(username)
		if err != nil {
			log.Fatalf("Failed to register %s: %v", username, err)
		}
		token, err := server.MintToken([]byte(*secret), user.ID, user.Username, room, time.Hour)
		if err != nil {
			log.Fatalf("Failed to mint token: %v", err)
		}

		bot, err := newBotClient(i, *addr, room, token, st)
		if err != nil {
			st.connectErrors.Add(1)
			log.Printf("Client %d connect failed: %v", i, err)
			continue
		}
		if err := bot.join(); err != nil {
			st.connectErrors.Add(1)
			log.Printf("Client %d join failed: %v", i, err)
			bot.conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			bot.run(done, *interval)
		}()

		// Stagger connects so the broker is not hit with a thundering herd.
		time.Sleep(10 * time.Millisecond)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	start := time.Now()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(*duration)
	}

loop:
	for {
		select {
		case <-ticker.C:
			st.report(time.Since(start))
		case <-sigCh:
			log.Println("Interrupted")
			break loop
		case <-timeout:
			break loop
		}
	}

	close(done)
	wg.Wait()
	st.report(time.Since(start))
	log.Println("Done")
}
