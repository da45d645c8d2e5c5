package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/prometheus/client_golang/prometheus"
)

// ServerConfig configures the relay broker
type ServerConfig struct {
	CommitHash   string        `json:"commit_hash"`
	SendQueue    int           `json:"send_queue"`    // Outbound frames buffered per connection
	WriteTimeout time.Duration `json:"write_timeout"` // Per frame write deadline
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SendQueue:    1024,
		WriteTimeout: 10 * time.Second,
	}
}

type serverMetrics struct {
	connections prometheus.Gauge
	inMessages  prometheus.Counter
	inBytes     prometheus.Counter
	outMessages prometheus.Counter
	outBytes    prometheus.Counter
	dropped     prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "server_connections",
			Help: "Number of open websocket connections",
		}),
		inMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "server_in_messages",
			Help: "Messages received from clients",
		}),
		inBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "server_in_bytes",
			Help: "Bytes received from clients",
		}),
		outMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "server_out_messages",
			Help: "Topic messages fanned out to subscribers",
		}),
		outBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "server_out_bytes",
			Help: "Bytes fanned out to subscribers",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "server_dropped_connections",
			Help: "Connections closed because their send queue was full",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.inMessages, m.inBytes, m.outMessages, m.outBytes, m.dropped)
	}
	return m
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the websocket relay broker. Topic routing is delegated to a Hub
// so both share id assignment and fan-out semantics.
type Server struct {
	hub     *Hub
	config  ServerConfig
	metrics *serverMetrics
	logger  *slog.Logger
	status  []byte
}

// NewServer creates a relay broker. reg may be nil.
func NewServer(config ServerConfig, reg prometheus.Registerer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SendQueue <= 0 {
		config.SendQueue = DefaultServerConfig().SendQueue
	}
	status, _ := json.Marshal(map[string]string{"commitHash": config.CommitHash})

	s := &Server{
		hub:     NewHub(),
		config:  config,
		metrics: newServerMetrics(reg),
		logger:  logger.With("component", "relay_server"),
		status:  status,
	}
	s.hub.onPublish = func(topic string, subscribers, size int) {
		s.metrics.outMessages.Add(float64(subscribers))
		s.metrics.outBytes.Add(float64(subscribers * size))
	}
	return s
}

// Hub exposes the broker's routing table.
func (s *Server) Hub() *Hub { return s.hub }

// Handler serves /service (websocket) and /status.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/service", s.handleWS).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return router
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(s.status)
}

// serverConn is one websocket client. Frames for it are queued and written
// by a dedicated goroutine so slow sockets never stall the publisher.
type serverConn struct {
	ws    *websocket.Conn
	hc    *HubConn
	send  chan []byte
	once  sync.Once
	close chan struct{}
}

func (c *serverConn) enqueue(frame []byte) bool {
	select {
	case <-c.close:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *serverConn) stop() {
	c.once.Do(func() { close(c.close) })
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &serverConn{
		ws:    ws,
		hc:    s.hub.Connect(),
		send:  make(chan []byte, s.config.SendQueue),
		close: make(chan struct{}),
	}
	s.metrics.connections.Inc()
	logger := s.logger.With("peer_id", c.hc.ID().String())

	defer func() {
		c.stop()
		_ = c.hc.Close()
		ws.Close()
		s.metrics.connections.Dec()
		logger.Info("connection closed")
	}()

	if !c.enqueue(encodeWelcome(c.hc.ID())) {
		logger.Error("closing connection: cannot send welcome")
		return
	}
	go s.writeLoop(c, logger)
	logger.Debug("welcome sent")

	// Closing the hub side drops us from every topic; the socket follows.
	go func() {
		select {
		case <-c.hc.Done():
			c.stop()
			ws.Close()
		case <-c.close:
		}
	}()

	unsubscribers := make(map[string]func())
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			logger.Warn("protocol error: data is not binary")
			continue
		}
		s.metrics.inMessages.Inc()
		s.metrics.inBytes.Add(float64(len(data)))

		msg, err := decodeClientMessage(data)
		if err != nil {
			logger.Warn("failed to decode client message", "error", err)
			continue
		}

		switch msg.kind {
		case clientPublish:
			if err := c.hc.Publish(msg.topics, msg.payload); err != nil {
				return
			}
		case clientSubscribe:
			if _, ok := unsubscribers[msg.topic]; ok {
				continue
			}
			unsub, err := c.hc.Subscribe(msg.topic, func(sender common.PeerID, topic string, body []byte) {
				if !c.enqueue(encodeTopicMessage(sender, topic, body)) {
					s.metrics.dropped.Inc()
					logger.Warn("send queue full, dropping connection")
					c.stop()
					ws.Close()
				}
			})
			if err != nil {
				return
			}
			unsubscribers[msg.topic] = unsub
		case clientUnsubscribe:
			if unsub, ok := unsubscribers[msg.topic]; ok {
				unsub()
				delete(unsubscribers, msg.topic)
			}
		}
	}
}

func (s *Server) writeLoop(c *serverConn, logger *slog.Logger) {
	for {
		select {
		case <-c.close:
			return
		case frame := <-c.send:
			if s.config.WriteTimeout > 0 {
				_ = c.ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				logger.Debug("write failed", "error", err)
				c.stop()
				c.ws.Close()
				return
			}
		}
	}
}
