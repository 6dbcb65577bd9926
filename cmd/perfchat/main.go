// Command perfchat replays chat turns over the websocket and reports
// turn latency as seen by the client.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/shopkeeper/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	turns          int
	support        bool
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type wsEnvelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var defaultMessages = []string{
	"running shoes under $100",
	"what's your return policy?",
	"show me something for the kitchen",
	"any good books on sale?",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var startDelayMS, interTurnMS, turnTimeoutMS int

	fs := flag.NewFlagSet("perfchat", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "shopkeeper base URL")
	fs.StringVar(&cfg.userID, "user-id", "", "optional user_id sent with each turn")
	fs.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	fs.BoolVar(&cfg.support, "support", false, "route turns through the support router")
	fs.IntVar(&startDelayMS, "start-delay-ms", 200, "delay before the first turn in milliseconds")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 100, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 20000, "timeout waiting for each reply in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "messages separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	startDelayMS = max(startDelayMS, 0)
	interTurnMS = max(interTurnMS, 0)
	turnTimeoutMS = max(turnTimeoutMS, 1000)
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultMessages...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty messages")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	sessionID := "perf-" + uuid.NewString()
	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.verbose {
		fmt.Printf("perfchat: session=%s turns=%d support=%t\n", sessionID, cfg.turns, cfg.support)
	}
	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	replies := make(chan wsEnvelope, 32)
	readErrCh := make(chan error, 1)
	go readLoop(conn, replies, readErrCh, cfg.verbose)

	latencies := make([]time.Duration, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		requestID := fmt.Sprintf("turn-%d", i+1)
		if cfg.verbose {
			fmt.Printf("perfchat: turn %d/%d text=%q\n", i+1, cfg.turns, text)
		}
		start := time.Now()
		if err := conn.WriteJSON(protocol.ClientChat{
			Type:      protocol.TypeClientChat,
			SessionID: sessionID,
			UserID:    cfg.userID,
			RequestID: requestID,
			Message:   text,
			Support:   cfg.support,
		}); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		if err := awaitReply(replies, readErrCh, requestID, cfg.turnTimeout); err != nil {
			return fmt.Errorf("turn %d await reply: %w", i+1, err)
		}
		latencies = append(latencies, time.Since(start))
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	fmt.Println(summarize(latencies))
	if body, err := fetchServerPerf(ctx, cfg.baseURL); err == nil {
		fmt.Printf("perfchat: server node latency %s\n", body)
	} else if cfg.verbose {
		fmt.Fprintf(os.Stderr, "perfchat: server perf unavailable: %v\n", err)
	}
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, replies chan<- wsEnvelope, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeAssistantReply), string(protocol.TypeErrorEvent):
			if env.Type == string(protocol.TypeErrorEvent) && verbose {
				fmt.Fprintf(os.Stderr, "perfchat: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
			select {
			case replies <- env:
			default:
			}
		}
	}
}

func awaitReply(replies <-chan wsEnvelope, readErrCh <-chan error, requestID string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-replies:
			if env.RequestID != requestID {
				continue
			}
			if env.Type == string(protocol.TypeErrorEvent) {
				return fmt.Errorf("%s: %s", env.Code, env.Detail)
			}
			return nil
		case err := <-readErrCh:
			return err
		case <-timer.C:
			return fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	idx = min(max(idx, 0), len(sorted)-1)
	return sorted[idx]
}

func summarize(latencies []time.Duration) string {
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return fmt.Sprintf("perfchat: turns=%d p50=%s p95=%s max=%s",
		len(sorted),
		percentile(sorted, 50).Round(time.Millisecond),
		percentile(sorted, 95).Round(time.Millisecond),
		percentile(sorted, 100).Round(time.Millisecond),
	)
}

func fetchServerPerf(ctx context.Context, baseURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/admin/perf", nil)
	if err != nil {
		return "", err
	}
	res, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", res.StatusCode)
	}
	return strings.TrimSpace(string(body)), nil
}
