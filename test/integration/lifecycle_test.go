//go:build integration

package integration_test

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	tcmetrics "github.com/dantte-lp/gotc/internal/metrics"
	"github.com/dantte-lp/gotc/internal/server"
	"github.com/dantte-lp/gotc/internal/session"
)

// testEnv bundles the in-process daemon for protocol integration tests.
// This mirrors the production wiring in cmd/gotcd, including a real
// Prometheus collector, without requiring a built binary.
type testEnv struct {
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	collector := tcmetrics.NewCollector(prometheus.NewRegistry())

	registry := session.NewRegistry(logger,
		session.WithMetrics(collector),
		session.WithEmptySessionGC(true),
	)

	srv := server.New(server.Config{
		Addr:            "127.0.0.1:0",
		MaxLineBytes:    64 * 1024,
		SendBuffer:      256,
		ShutdownTimeout: 5 * time.Second,
	}, registry, logger, collector)

	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- srv.Serve(ctx) }()

	env := &testEnv{addr: srv.Addr().String(), cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()

		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down in time")
		}
	})

	return env
}

// tcClient is a raw line-based protocol client.
type tcClient struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func (env *testEnv) dial(t *testing.T) *tcClient {
	t.Helper()

	conn, err := net.Dial("tcp", env.addr)
	if err != nil {
		t.Fatalf("dial %s: %v", env.addr, err)
	}

	t.Cleanup(func() { conn.Close() })

	c := &tcClient{t: t, conn: conn, scanner: bufio.NewScanner(conn)}

	welcome := c.recv()
	if welcome["type"] != "welcome" {
		t.Fatalf("greeting type = %v, want welcome", welcome["type"])
	}

	return c
}

func (c *tcClient) send(req map[string]any) {
	c.t.Helper()

	data, err := json.Marshal(req)
	if err != nil {
		c.t.Fatalf("marshal request: %v", err)
	}

	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.t.Fatalf("write request: %v", err)
	}
}

func (c *tcClient) recv() map[string]any {
	c.t.Helper()

	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		c.t.Fatalf("set read deadline: %v", err)
	}

	if !c.scanner.Scan() {
		c.t.Fatalf("read reply: %v", c.scanner.Err())
	}

	var msg map[string]any
	if err := json.Unmarshal(c.scanner.Bytes(), &msg); err != nil {
		c.t.Fatalf("decode reply %q: %v", c.scanner.Text(), err)
	}

	return msg
}

// expect reads messages until one of wantType arrives, skipping
// interleaved timecode updates.
func (c *tcClient) expect(wantType string) map[string]any {
	c.t.Helper()

	for range 100 {
		msg := c.recv()
		if msg["type"] == wantType {
			return msg
		}

		if msg["type"] == "error" {
			c.t.Fatalf("server error %v: %v", msg["kind"], msg["message"])
		}
	}

	c.t.Fatalf("no %s message within 100 replies", wantType)

	return nil
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	// Producer creates a drop-frame session and starts the clock.
	producer := env.dial(t)
	producer.send(map[string]any{
		"type":             "create_session",
		"framerate":        "29.97",
		"initial_timecode": "00:00:59:00",
	})

	created := producer.expect("session_created")
	sessionID, _ := created["session_id"].(string)

	if sessionID == "" {
		t.Fatal("session_created carried no session_id")
	}

	if created["timecode"] != "00:00:59:00" {
		t.Errorf("initial timecode = %v, want 00:00:59:00", created["timecode"])
	}

	// Consumer joins before the clock starts.
	consumer := env.dial(t)
	consumer.send(map[string]any{"type": "join_session", "session_id": sessionID})

	joined := consumer.expect("session_joined")
	if joined["running"] != false {
		t.Errorf("joined running = %v, want false", joined["running"])
	}

	producer.send(map[string]any{"type": "start_timecode"})
	producer.expect("timecode_started")
	consumer.expect("timecode_started")

	// The sequence crosses into minute 1, which is not divisible by 10,
	// so frames 00 and 01 of the new minute are dropped: 00:00:59:29 is
	// followed by 00:01:00:02.
	for range 40 {
		update := consumer.expect("timecode_update")

		tc, ok := update["timecode"].(string)
		if !ok {
			t.Fatalf("update timecode = %v, want string", update["timecode"])
		}

		if tc == "00:01:00:00" || tc == "00:01:00:01" {
			t.Fatalf("dropped frame %s was emitted", tc)
		}

		if tc >= "00:01:00:02" {
			break
		}
	}

	// Reset rebases both members.
	producer.send(map[string]any{"type": "reset_timecode", "timecode": "10:00:00:00"})
	producer.expect("timecode_reset")
	consumer.expect("timecode_reset")

	update := consumer.expect("timecode_update")
	if tc, _ := update["timecode"].(string); tc < "10:00:00:00" {
		t.Errorf("post-reset update = %s, want >= 10:00:00:00", tc)
	}

	// Stop is the final broadcast before silence.
	producer.send(map[string]any{"type": "stop_timecode"})
	producer.expect("timecode_stopped")
	consumer.expect("timecode_stopped")

	// Leaving detaches the consumer.
	consumer.send(map[string]any{"type": "leave_session"})
	left := consumer.expect("session_left")

	if left["session_id"] != sessionID {
		t.Errorf("session_left id = %v, want %s", left["session_id"], sessionID)
	}
}

func TestShutdownNotifiesClients(t *testing.T) {
	env := newTestEnv(t)

	c := env.dial(t)
	c.send(map[string]any{"type": "create_session", "framerate": "24"})
	c.expect("session_created")

	// Cleanup verifies Serve returns cleanly after the cancel.
	env.cancel()
	c.expect("server_shutdown")
}
