package api

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pv/tankwatch-go/internal/reconciler"
)

// Типы сообщений WebSocket.
const (
	msgSnapshot = "snapshot"
	msgUpdate   = "update"
)

type wsMessage struct {
	Type string          `json:"type"`
	View reconciler.View `json:"view"`
}

// StateStreamer хранит последнее состояние подключения и рассылает изменения через WebSocket.
// Publish подходит как наблюдатель для Reconciler.Observe.
type StateStreamer struct {
	mu      sync.RWMutex
	last    reconciler.View
	clients map[*wsClient]struct{}
	gauge   prometheus.Gauge
}

// NewStateStreamer создаёт пустой стример. gauge (может быть nil) получает число клиентов.
func NewStateStreamer(gauge prometheus.Gauge) *StateStreamer {
	return &StateStreamer{
		last: reconciler.View{
			State:      reconciler.StateUninitialized,
			DataSource: reconciler.SourceNone,
		},
		clients: map[*wsClient]struct{}{},
		gauge:   gauge,
	}
}

// Publish запоминает состояние и рассылает его клиентам.
func (s *StateStreamer) Publish(v reconciler.View) {
	s.mu.Lock()
	s.last = v
	s.broadcastLocked(wsMessage{Type: msgUpdate, View: v})
	s.mu.Unlock()
}

// Clients возвращает число подключённых клиентов.
func (s *StateStreamer) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close отключает всех клиентов.
func (s *StateStreamer) Close() {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = map[*wsClient]struct{}{}
	s.updateGaugeLocked()
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// ServeWS обрабатывает подключение клиента WebSocket.
func (s *StateStreamer) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	conn, rw, err := websocketUpgrade(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	client := newWSClient(conn, rw)

	// Снимок и регистрация под одной блокировкой: клиент не пропустит обновление
	// между ними.
	s.mu.Lock()
	snapshot := wsMessage{Type: msgSnapshot, View: s.last}
	if err := client.writeJSON(snapshot); err != nil {
		s.mu.Unlock()
		client.close()
		return
	}
	s.clients[client] = struct{}{}
	s.updateGaugeLocked()
	s.mu.Unlock()
	logDebugf("api: ws client %s connected from %s", client.id, r.RemoteAddr)

	go client.writePump(func() {
		s.removeClient(client)
	})
}

func (s *StateStreamer) removeClient(c *wsClient) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		s.updateGaugeLocked()
		logDebugf("api: ws client %s disconnected", c.id)
	}
	s.mu.Unlock()
	c.close()
}

func (s *StateStreamer) updateGaugeLocked() {
	if s.gauge != nil {
		s.gauge.Set(float64(len(s.clients)))
	}
}

func (s *StateStreamer) broadcastLocked(msg wsMessage) {
	if len(s.clients) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Клиент не успевает читать: отрубаем.
			go s.removeClient(c)
		}
	}
}

// --- WebSocket utils (минимальная реализация только для server-push) ---

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func websocketUpgrade(w http.ResponseWriter, r *http.Request) (net.Conn, *bufio.ReadWriter, error) {
	if !headerContains(r.Header, "Connection", "Upgrade") || !headerContains(r.Header, "Upgrade", "websocket") {
		return nil, nil, errors.New("upgrade request expected")
	}
	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return nil, nil, errors.New("missing Sec-WebSocket-Key")
	}
	accept := computeAcceptKey(key)

	// ResponseController пробивается через обёртки (logRequests) к http.Hijacker.
	conn, rw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("http hijacking not supported: %w", err)
	}
	if rw == nil {
		rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	}

	response := fmt.Sprintf("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n", accept)
	if _, err := rw.WriteString(response); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, rw, nil
}

func computeAcceptKey(key string) string {
	h := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h[:])
}

func headerContains(h http.Header, name, value string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), value) {
				return true
			}
		}
	}
	return false
}

type wsClient struct {
	id   string
	conn net.Conn
	rw   *bufio.ReadWriter
	send chan []byte
	once sync.Once
}

func newWSClient(conn net.Conn, rw *bufio.ReadWriter) *wsClient {
	return &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		rw:   rw,
		send: make(chan []byte, 32),
	}
}

func (c *wsClient) writeJSON(msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return writeTextFrame(c.rw, data)
}

func (c *wsClient) writePump(onClose func()) {
	defer onClose()
	for msg := range c.send {
		if err := writeTextFrame(c.rw, msg); err != nil {
			return
		}
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		_ = c.conn.Close()
		close(c.send)
	})
}

func writeTextFrame(w *bufio.ReadWriter, payload []byte) error {
	var header [10]byte
	header[0] = 0x81 // FIN + text frame
	var headerLen int
	switch {
	case len(payload) < 126:
		header[1] = byte(len(payload))
		headerLen = 2
	case len(payload) <= 0xFFFF:
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:], uint16(len(payload)))
		headerLen = 4
	default:
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(len(payload)))
		headerLen = 10
	}
	if _, err := w.Write(header[:headerLen]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return w.Flush()
}
