// Command loadtest drives simulated users against a running chat server.
//
//	loadtest saturate [options]   hold N idle connections
//	loadtest room [options]       N users chatting across R rooms
//
// Run 'loadtest <command> -h' for command-specific options.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jummah/chat-server/internal/chat"
	"github.com/jummah/chat-server/internal/loadtest"
	"github.com/jummah/chat-server/internal/protocol"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "room":
		runRoom(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    open N idle connections and hold them")
	fmt.Println("  room        N users join rooms, subscribe and exchange messages")
}

type common struct {
	url         string
	clients     int
	ramp        time.Duration
	duration    time.Duration
	concurrency int
}

func commonFlags(fs *flag.FlagSet) *common {
	c := &common{}
	fs.StringVar(&c.url, "url", "ws://localhost:8080/ws", "WebSocket server URL")
	fs.IntVar(&c.clients, "clients", 1000, "number of simulated users")
	fs.DurationVar(&c.ramp, "ramp", 10*time.Second, "ramp-up duration")
	fs.DurationVar(&c.duration, "duration", 30*time.Second, "how long to hold the load after ramp-up")
	fs.IntVar(&c.concurrency, "concurrency", 50, "max simultaneous dials")
	return c
}

func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	opts := commonFlags(fs)
	fs.Parse(args)

	fmt.Printf("Saturate: %d connections to %s (ramp=%s, hold=%s)\n", opts.clients, opts.url, opts.ramp, opts.duration)
	drive(opts, func(ctx context.Context, i int, c *loadtest.Client, col *loadtest.Collector) {
		<-ctx.Done()
	})
}

func runRoom(args []string) {
	fs := flag.NewFlagSet("room", flag.ExitOnError)
	opts := commonFlags(fs)
	rooms := fs.Int("rooms", 10, "number of rooms to spread users over")
	interval := fs.Duration("msg-interval", 2*time.Second, "interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "message body size in bytes")
	fs.Parse(args)

	if *rooms < 1 {
		*rooms = 1
	}
	pad := strings.Repeat("x", max(*msgSize-40, 0))

	fmt.Printf("Room: %d users in %d rooms at %s (interval=%s, size=%d)\n", opts.clients, *rooms, opts.url, *interval, *msgSize)
	drive(opts, func(ctx context.Context, i int, c *loadtest.Client, col *loadtest.Collector) {
		roomID := fmt.Sprintf("loadtest-%d", i%*rooms)
		name := fmt.Sprintf("user-%d", i)

		if err := c.Subscribe(roomID); err != nil {
			col.AddError()
			return
		}
		if err := c.Join(roomID, name); err != nil {
			col.AddError()
			return
		}

		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				body := marker(c.SessionID(), time.Now()) + pad
				if err := c.SendMessage(roomID, chat.Message{Sender: name, Body: body}); err != nil {
					col.AddError()
					return
				}
			}
		}
	})
}

// drive ramps up opts.clients connections, runs scenario on each until the
// hold period ends, and prints the report.
func drive(opts *common, scenario func(ctx context.Context, i int, c *loadtest.Client, col *loadtest.Collector)) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	col := loadtest.NewCollector()
	runCtx, cancelRun := context.WithTimeout(ctx, opts.ramp+opts.duration)
	defer cancelRun()

	interval := opts.ramp / time.Duration(max(opts.clients, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sem := make(chan struct{}, max(opts.concurrency, 1))
	var wg sync.WaitGroup

launch:
	for i := 0; i < opts.clients; i++ {
		select {
		case <-runCtx.Done():
			break launch
		case <-ticker.C:
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			dialCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
			c, err := loadtest.Dial(dialCtx, opts.url)
			if err != nil {
				cancel()
				<-sem
				col.AddError()
				return
			}
			defer c.Close()

			c.On(protocol.TypeMessage, func(raw json.RawMessage) {
				if d, ok := ownDelivery(raw, c.SessionID()); ok {
					col.AddDelivery(d)
				}
			})
			c.On(protocol.TypeRateLimited, func(json.RawMessage) { col.AddRateLimited() })
			c.On(protocol.TypeError, func(json.RawMessage) { col.AddError() })
			c.Start()

			err = c.WaitForSession(dialCtx)
			cancel()
			<-sem
			if err != nil {
				col.AddError()
				return
			}
			col.AddConnect(c.Metrics().ConnectLatency)

			scenario(runCtx, i, c, col)
		}(i)
	}

	wg.Wait()
	col.Report(os.Stdout)
}

const markerPrefix = "lt|"

func marker(sessionID string, at time.Time) string {
	return markerPrefix + sessionID + "|" + strconv.FormatInt(at.UnixNano(), 10) + "|"
}

// ownDelivery extracts the latency of a broadcast this client sent itself.
func ownDelivery(raw json.RawMessage, sessionID string) (time.Duration, bool) {
	var b protocol.BroadcastMsg
	if json.Unmarshal(raw, &b) != nil {
		return 0, false
	}
	rest, ok := strings.CutPrefix(b.Message.Body, markerPrefix+sessionID+"|")
	if !ok {
		return 0, false
	}
	nanos, _, ok := strings.Cut(rest, "|")
	if !ok {
		return 0, false
	}
	sent, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Since(time.Unix(0, sent)), true
}
