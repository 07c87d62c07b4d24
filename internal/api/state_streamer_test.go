package api

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pv/tankwatch-go/internal/reconciler"
)

func TestComputeAcceptKey(t *testing.T) {
	// Пример из RFC 6455.
	if got := computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ=="); got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("accept key = %s", got)
	}
}

func dialWS(t *testing.T, baseURL, path string) (net.Conn, *bufio.Reader) {
	t.Helper()
	addr := strings.TrimPrefix(baseURL, "http://")
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	req := "GET " + path + " HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("bad accept header %q", resp.Header.Get("Sec-WebSocket-Accept"))
	}
	return conn, br
}

func readWSMessage(t *testing.T, conn net.Conn, br *bufio.Reader) wsMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var head [2]byte
	if _, err := io.ReadFull(br, head[:]); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	if head[0] != 0x81 {
		t.Fatalf("expected final text frame, got %#x", head[0])
	}
	n := uint64(head[1] & 0x7f)
	switch n {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(br, ext[:]); err != nil {
			t.Fatalf("read length: %v", err)
		}
		n = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(br, ext[:]); err != nil {
			t.Fatalf("read length: %v", err)
		}
		n = binary.BigEndian.Uint64(ext[:])
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(br, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	var msg wsMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode %s: %v", payload, err)
	}
	return msg
}

func TestWSStreamsSnapshotThenUpdates(t *testing.T) {
	env := newTestEnv(t)
	env.put(t, 1, 0, `{"level_meter":40}`)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := env.rec.Attach(ctx); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	conn, br := dialWS(t, env.srv.URL, "/api/v1/ws/state")
	first := readWSMessage(t, conn, br)
	if first.Type != msgSnapshot || first.View.Snapshot == nil || first.View.Snapshot.ID != 1 {
		t.Fatalf("unexpected first message %+v", first)
	}

	env.put(t, 2, 1, `{"level_meter":42.5}`)
	upd := readWSMessage(t, conn, br)
	if upd.Type != msgUpdate || upd.View.Snapshot == nil || upd.View.Snapshot.Values.LevelMeter != 42.5 {
		t.Fatalf("unexpected update %+v", upd)
	}
	if upd.View.DataSource != reconciler.SourceLive {
		t.Fatalf("pushed snapshot must be tagged live, got %s", upd.View.DataSource)
	}
	if got := testutil.ToFloat64(env.metrics.WSClients()); got != 1 {
		t.Fatalf("ws_clients gauge = %f", got)
	}

	env.rec.Detach()
	last := readWSMessage(t, conn, br)
	if last.View.State != reconciler.StateTerminated {
		t.Fatalf("expected terminated view, got %+v", last.View)
	}
}

func TestWSRejectsPlainRequest(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/api/v1/ws/state")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestWSTokenFromQuery(t *testing.T) {
	env := newTestEnv(t, WithAuth(NewAuthenticator("s3cret", "")))
	token := signToken(t, "s3cret", "", time.Now().Add(time.Hour))

	conn, br := dialWS(t, env.srv.URL, "/api/v1/ws/state?access_token="+token)
	msg := readWSMessage(t, conn, br)
	if msg.Type != msgSnapshot || msg.View.State != reconciler.StateUninitialized {
		t.Fatalf("unexpected first message %+v", msg)
	}
}

func TestStreamerCloseDisconnectsClients(t *testing.T) {
	env := newTestEnv(t)
	conn, br := dialWS(t, env.srv.URL, "/api/v1/ws/state")
	_ = readWSMessage(t, conn, br)

	env.streamer.Close()
	if env.streamer.Clients() != 0 {
		t.Fatalf("clients remain after Close")
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := br.ReadByte(); err == nil {
		t.Fatalf("expected closed connection")
	}
}
