package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/cj/internal/protocol"
)

type options struct {
	baseURL        string
	merchantID     string
	cjVersion      string
	turns          int
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	drafts         []string
	verbose        bool
}

type createConversationRequest struct {
	MerchantID string `json:"merchant_id,omitempty"`
	CJVersion  string `json:"cj_version,omitempty"`
}

type createConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

type wsEnvelope struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
	Status string `json:"status,omitempty"`
}

type turnTiming struct {
	reply        time.Duration
	verification time.Duration
}

var defaultDrafts = []string{
	"Thought: check the queue\nAction: search_tickets\nFinal Answer: You had 12 refund tickets overnight.",
	"Your MRR is $48,000 across 1,290 subscribers.",
	"Response times improved to two hours this week.",
	"Final Answer: Chat is your busiest channel right now.",
}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfturn: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfturn: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var cfg options
	var draftsRaw string
	var startDelayMS int
	var interTurnMS int
	var turnTimeoutMS int

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "CJ base URL")
	fs.StringVar(&cfg.merchantID, "merchant-id", "perf-replay", "merchant_id used for the synthetic conversation")
	fs.StringVar(&cfg.cjVersion, "cj-version", "", "optional cj_version for the conversation")
	fs.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	fs.IntVar(&startDelayMS, "start-delay-ms", 200, "delay before first synthetic turn in milliseconds")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 100, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 5000, "timeout waiting for verification_report per turn in milliseconds")
	fs.StringVar(&draftsRaw, "drafts", "", "draft replies separated by '|' (optional)")
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
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 500 {
		turnTimeoutMS = 500
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(draftsRaw) == "" {
		cfg.drafts = append([]string(nil), defaultDrafts...)
	} else {
		for _, part := range strings.Split(draftsRaw, "|") {
			if d := strings.TrimSpace(part); d != "" {
				cfg.drafts = append(cfg.drafts, d)
			}
		}
		if len(cfg.drafts) == 0 {
			return options{}, fmt.Errorf("drafts produced no non-empty replies")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 15 * time.Second}
	conversationID, err := createConversation(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	defer func() {
		_ = endConversation(context.Background(), httpClient, cfg.baseURL, conversationID)
	}()

	if cfg.verbose {
		fmt.Printf("perfturn: conversation=%s turns=%d\n", conversationID, cfg.turns)
	}

	wsURL, err := wsURLForConversation(cfg.baseURL, conversationID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	events := make(chan wsEnvelope, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh, cfg.verbose)

	timings := make([]turnTiming, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		draft := cfg.drafts[i%len(cfg.drafts)]
		if cfg.verbose {
			fmt.Printf("perfturn: turn %d/%d draft=%q\n", i+1, cfg.turns, draft)
		}
		started := time.Now()
		msg := protocol.ClientTurn{
			Type:           protocol.TypeClientTurn,
			ConversationID: conversationID,
			MerchantText:   fmt.Sprintf("perf turn %d", i+1),
			Draft:          draft,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		timing, err := awaitTurn(events, readErrCh, started, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		timings = append(timings, timing)
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	fmt.Println(summarize(timings))
	return nil
}

func createConversation(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createConversationRequest{MerchantID: cfg.merchantID, CJVersion: strings.TrimSpace(cfg.cjVersion)})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/conversations", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createConversationResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ConversationID) == "" {
		return "", fmt.Errorf("missing conversation_id in response")
	}
	return out.ConversationID, nil
}

func endConversation(ctx context.Context, client *http.Client, baseURL, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/conversations/"+url.PathEscape(conversationID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForConversation(baseURL, conversationID string) (string, error) {
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
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/conversations/" + conversationID + "/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error, verbose bool) {
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
		case string(protocol.TypeTurnResult), string(protocol.TypeVerificationReport):
			events <- env
		case string(protocol.TypeErrorEvent):
			if verbose {
				fmt.Fprintf(os.Stderr, "perfturn: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
			events <- env
		}
	}
}

// awaitTurn waits for the turn_result and the verification_report of the same
// turn. A verification that does not arrive in time is recorded as zero.
func awaitTurn(events <-chan wsEnvelope, readErrCh <-chan error, started time.Time, timeout time.Duration) (turnTiming, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		timing turnTiming
		turnID string
	)
	for {
		select {
		case env := <-events:
			switch env.Type {
			case string(protocol.TypeErrorEvent):
				return timing, fmt.Errorf("error_event %s: %s", env.Code, env.Detail)
			case string(protocol.TypeTurnResult):
				timing.reply = time.Since(started)
				turnID = env.TurnID
			case string(protocol.TypeVerificationReport):
				if turnID != "" && env.TurnID == turnID {
					timing.verification = time.Since(started)
					return timing, nil
				}
			}
		case err := <-readErrCh:
			return timing, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			if timing.reply > 0 {
				return timing, nil
			}
			return timing, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func summarize(timings []turnTiming) string {
	replies := make([]time.Duration, 0, len(timings))
	verifications := make([]time.Duration, 0, len(timings))
	for _, t := range timings {
		replies = append(replies, t.reply)
		if t.verification > 0 {
			verifications = append(verifications, t.verification)
		}
	}
	return fmt.Sprintf("perfturn: turns=%d reply_p50=%s reply_p95=%s verified=%d verification_p50=%s verification_p95=%s",
		len(timings),
		percentile(replies, 50), percentile(replies, 95),
		len(verifications),
		percentile(verifications, 50), percentile(verifications, 95),
	)
}

// percentile uses nearest-rank on a sorted copy.
func percentile(values []time.Duration, p int) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
