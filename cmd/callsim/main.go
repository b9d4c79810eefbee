// Command callsim places a synthetic phone call against a running callcore
// server and reports per-turn response latency.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/callcore/internal/audio"
	"github.com/ent0n29/callcore/internal/protocol"
)

type options struct {
	baseURL      string
	caller       string
	clipPath     string
	turns        int
	chunkMS      int
	realtime     float64
	trailSilence time.Duration
	turnTimeout  time.Duration
	skipGreeting bool
	verbose      bool
}

// outbound is one server-to-caller message as seen by the simulator.
type outbound struct {
	event protocol.EventType
	bytes int
	at    time.Time
}

type turnResult struct {
	FirstAudio time.Duration
	Complete   time.Duration
	Frames     int
	Bytes      int
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	results, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
	printSummary(os.Stdout, results)
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("callsim", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "callcore base URL")
	fs.StringVar(&cfg.caller, "caller", "+15550100000", "caller number passed as a stream parameter")
	fs.StringVar(&cfg.clipPath, "clip", "", "mu-law .ulaw or .wav file played as each caller utterance (default: 1s of silence)")
	fs.IntVar(&cfg.turns, "turns", 5, "number of caller turns")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 20, "inbound frame size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "frame pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.DurationVar(&cfg.trailSilence, "trail-silence", 800*time.Millisecond, "silence appended after each utterance")
	fs.DurationVar(&cfg.turnTimeout, "turn-timeout", 15*time.Second, "timeout waiting for the assistant to finish a turn")
	fs.BoolVar(&cfg.skipGreeting, "skip-greeting", false, "do not wait for a greeting before the first turn")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print call progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, errors.New("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, errors.New("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 1000 {
		return options{}, errors.New("chunk-ms must be in [10,1000]")
	}
	if cfg.realtime <= 0 {
		return options{}, errors.New("realtime must be > 0")
	}
	if cfg.turnTimeout < time.Second {
		cfg.turnTimeout = time.Second
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options, out io.Writer) ([]turnResult, error) {
	utterance, err := loadUtterance(cfg.clipPath)
	if err != nil {
		return nil, err
	}
	utterance = append(utterance, audio.Silence(cfg.trailSilence)...)

	wsURL, err := mediaStreamURL(cfg.baseURL)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	callSID := "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")
	streamSID := "MZ" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := sendStart(conn, callSID, streamSID, cfg.caller); err != nil {
		return nil, fmt.Errorf("send start: %w", err)
	}
	if cfg.verbose {
		fmt.Fprintf(out, "callsim: call=%s stream=%s turns=%d utterance=%s\n",
			callSID, streamSID, cfg.turns, time.Duration(len(utterance))*time.Second/audio.SampleRate)
	}

	events := make(chan outbound, 1024)
	readErr := make(chan error, 1)
	go readLoop(conn, events, readErr)

	if !cfg.skipGreeting {
		if _, err := awaitTurn(events, readErr, time.Now(), cfg.turnTimeout); err != nil {
			return nil, fmt.Errorf("await greeting: %w", err)
		}
	}

	seq := 2
	results := make([]turnResult, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		lastFrame, err := sendUtterance(conn, streamSID, utterance, cfg.chunkMS, cfg.realtime, &seq)
		if err != nil {
			return results, fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		res, err := awaitTurn(events, readErr, lastFrame, cfg.turnTimeout)
		if err != nil {
			return results, fmt.Errorf("turn %d: %w", i+1, err)
		}
		results = append(results, res)
		if cfg.verbose {
			fmt.Fprintf(out, "callsim: turn %d/%d first_audio=%s complete=%s frames=%d audio=%s\n",
				i+1, cfg.turns, res.FirstAudio.Round(time.Millisecond), res.Complete.Round(time.Millisecond), res.Frames,
				time.Duration(res.Bytes)*time.Second/audio.SampleRate)
		}
	}

	seq++
	stop := protocol.Stop{
		Event:          protocol.EventStop,
		SequenceNumber: fmt.Sprint(seq),
		StreamSID:      streamSID,
		Stop:           protocol.StopPayload{CallSID: callSID},
	}
	if err := conn.WriteJSON(stop); err != nil {
		return results, fmt.Errorf("send stop: %w", err)
	}
	return results, nil
}

func loadUtterance(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return audio.Silence(time.Second), nil
	}
	clip, err := audio.LoadClip(path)
	if err != nil {
		return nil, err
	}
	if len(clip) == 0 {
		return nil, fmt.Errorf("clip %s is empty", path)
	}
	return clip, nil
}

func mediaStreamURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/telephony/media"
	return u.String(), nil
}

func sendStart(conn *websocket.Conn, callSID, streamSID, caller string) error {
	connected := protocol.Connected{Event: protocol.EventConnected, Protocol: "Call", Version: "1.0.0"}
	if err := conn.WriteJSON(connected); err != nil {
		return err
	}
	start := protocol.Start{
		Event:          protocol.EventStart,
		SequenceNumber: "1",
		StreamSID:      streamSID,
		Start: protocol.StartPayload{
			StreamSID:        streamSID,
			CallSID:          callSID,
			Tracks:           []string{"inbound"},
			CustomParameters: map[string]string{"caller": caller},
			MediaFormat: protocol.MediaFormat{
				Encoding:   "audio/x-mulaw",
				SampleRate: audio.SampleRate,
				Channels:   1,
			},
		},
	}
	return conn.WriteJSON(start)
}

// sendUtterance paces the utterance onto the socket and returns when its
// last frame was written.
func sendUtterance(conn *websocket.Conn, streamSID string, utterance []byte, chunkMS int, realtime float64, seq *int) (time.Time, error) {
	size := audio.SampleRate * chunkMS / 1000
	var last time.Time
	for _, frame := range audio.Chunk(audio.Inbound, utterance, size) {
		*seq = *seq + 1
		msg := protocol.NewOutboundMedia(streamSID, frame.Payload)
		msg.SequenceNumber = fmt.Sprint(*seq)
		msg.Media.Track = "inbound"
		last = time.Now()
		if err := conn.WriteJSON(msg); err != nil {
			return last, err
		}
		pace := time.Duration(float64(frame.Duration()) / realtime)
		if pace > 0 {
			time.Sleep(pace)
		}
	}
	return last, nil
}

// readLoop forwards every server message until the socket closes.
func readLoop(conn *websocket.Conn, events chan<- outbound, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		ev, ok := decodeOutbound(data)
		if !ok {
			continue
		}
		select {
		case events <- ev:
		default:
		}
	}
}

func decodeOutbound(data []byte) (outbound, bool) {
	now := time.Now()
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return outbound{}, false
	}
	switch env.Event {
	case protocol.EventMedia:
		var m protocol.Media
		if err := json.Unmarshal(data, &m); err != nil {
			return outbound{}, false
		}
		raw, err := m.Audio()
		if err != nil {
			return outbound{}, false
		}
		return outbound{event: env.Event, bytes: len(raw), at: now}, true
	case protocol.EventMark, protocol.EventClear:
		return outbound{event: env.Event, at: now}, true
	default:
		return outbound{}, false
	}
}

// awaitTurn waits for assistant audio followed by the mark that closes it.
func awaitTurn(events <-chan outbound, readErr <-chan error, since time.Time, timeout time.Duration) (turnResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res turnResult
	for {
		select {
		case ev := <-events:
			switch ev.event {
			case protocol.EventMedia:
				if res.Frames == 0 {
					res.FirstAudio = ev.at.Sub(since)
				}
				res.Frames++
				res.Bytes += ev.bytes
			case protocol.EventMark:
				if res.Frames == 0 {
					continue
				}
				res.Complete = ev.at.Sub(since)
				return res, nil
			case protocol.EventClear:
				res = turnResult{}
			}
		case err := <-readErr:
			return res, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return res, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func printSummary(w io.Writer, results []turnResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "callsim: no completed turns")
		return
	}
	first := make([]time.Duration, 0, len(results))
	done := make([]time.Duration, 0, len(results))
	for _, r := range results {
		first = append(first, r.FirstAudio)
		done = append(done, r.Complete)
	}
	fmt.Fprintf(w, "callsim: turns=%d first_audio p50=%s p95=%s complete p50=%s p95=%s\n",
		len(results),
		percentile(first, 0.50).Round(time.Millisecond),
		percentile(first, 0.95).Round(time.Millisecond),
		percentile(done, 0.50).Round(time.Millisecond),
		percentile(done, 0.95).Round(time.Millisecond),
	)
}

func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted)-1) + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
