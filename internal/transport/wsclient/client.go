package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/canvas"
	"collaborative-canvas/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var (
	// ErrSendQueueFull 表示发送队列已满，消息被丢弃
	ErrSendQueueFull = errors.New("wsclient: send queue full")
	// ErrClosed 表示当前没有可用的连接
	ErrClosed = errors.New("wsclient: connection closed")
)

// Options 配置 WebSocket 传输
type Options struct {
	UserID           string
	Username         string
	HandshakeTimeout time.Duration // 默认 10s
	Logger           *logrus.Entry
}

// Client 通过服务端的 /ws/room/:roomId 实现 canvas.Transport。
// Open 在后台拨号并立即返回，连接结果通过 HandleStatus 回报。
type Client struct {
	baseURL string
	opts    Options
	dialer  *websocket.Dialer
	log     *logrus.Entry

	mu      sync.Mutex
	current *session
}

var _ canvas.Transport = (*Client)(nil)

// New 创建传输客户端。baseURL 形如 ws://host:8080 或 http://host:8080
func New(baseURL string, opts Options) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		baseURL: toWebSocketURL(strings.TrimRight(baseURL, "/")),
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		log:     opts.Logger.WithFields(logrus.Fields{"component": "wsclient", "user_id": opts.UserID}),
	}
}

func toWebSocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func (c *Client) roomURL(roomID string) string {
	q := url.Values{}
	if c.opts.UserID != "" {
		q.Set("userId", c.opts.UserID)
	}
	if c.opts.Username != "" {
		q.Set("username", c.opts.Username)
	}
	target := c.baseURL + "/ws/room/" + url.PathEscape(roomID)
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	return target
}

// Open 关闭已有连接，然后在后台连接房间
func (c *Client) Open(ctx context.Context, roomID string, handler canvas.TransportHandler) error {
	if handler == nil {
		return errors.New("wsclient: nil handler")
	}
	s := &session{
		roomID:  roomID,
		handler: handler,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		log:     c.log.WithField("room_id", roomID),
	}

	c.mu.Lock()
	prev := c.current
	c.current = s
	c.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	go s.run(ctx, c.dialer, c.roomURL(roomID))
	return nil
}

// Publish 把一条房间消息放入发送队列
func (c *Client) Publish(ctx context.Context, ev domain.Event) error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return ErrClosed
	}
	if ev.RoomID == "" {
		ev.RoomID = s.roomID
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("wsclient: failed to marshal %s event: %w", ev.Type, err)
	}
	// 服务端会以 1009 关闭超限的连接，这里直接拒绝
	if len(data) > domain.MaxEventBytes {
		return fmt.Errorf("wsclient: %s event is %d bytes: %w", ev.Type, len(data), domain.ErrEventTooLarge)
	}
	return s.enqueue(data)
}

// TrackPresence 发布本地用户的在线信息
func (c *Client) TrackPresence(ctx context.Context, entry domain.PresenceEntry) error {
	ev, err := domain.NewEvent(domain.EventTrack, "", entry)
	if err != nil {
		return err
	}
	return c.Publish(ctx, ev)
}

// Close 主动关闭当前连接。主动关闭不会触发 HandleStatus。
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.current
	c.current = nil
	c.mu.Unlock()
	if s != nil {
		s.close()
	}
	return nil
}

// session 是一次连接的生命周期
type session struct {
	roomID  string
	handler canvas.TransportHandler
	send    chan []byte
	done    chan struct{}
	log     *logrus.Entry

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closeOnce sync.Once
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
}

func (s *session) enqueue(data []byte) error {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected || s.closed() {
		return ErrClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// report 回报状态，主动关闭之后不再回报
func (s *session) report(status domain.ConnectionStatus, err error) {
	if s.closed() {
		return
	}
	s.handler.HandleStatus(status, err)
}

func (s *session) run(ctx context.Context, dialer *websocket.Dialer, target string) {
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		} else {
			err = fmt.Errorf("websocket dial failed: %w", err)
		}
		s.log.WithError(err).Warn("Failed to connect")
		s.report(domain.StatusDisconnected, err)
		return
	}

	s.mu.Lock()
	if s.closed() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	s.log.Info("Connected")
	readDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(conn, readDone)
	}()
	s.report(domain.StatusConnected, nil)

	err = s.readPump(conn)

	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	close(readDone)
	_ = conn.Close()
	// 回报断线前确保写协程已经退出，不会再写旧连接
	<-writerDone
	s.report(domain.StatusDisconnected, err)
}

func (s *session) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(domain.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Warn("WebSocket read error (unexpected close)")
			}
			return err
		}
		s.dispatch(message)
	}
}

// dispatch 按类型把消息交给 handler；无法解析的消息只记录 Debug 日志
func (s *session) dispatch(message []byte) {
	var ev domain.Event
	if err := json.Unmarshal(message, &ev); err != nil {
		s.log.WithError(err).Debug("Dropping malformed server message")
		return
	}

	switch ev.Type {
	case domain.EventPresenceSync:
		var roster []domain.PresenceEntry
		if err := ev.Decode(&roster); err != nil {
			s.log.WithError(err).Debug("Dropping malformed presence sync")
			return
		}
		s.handler.HandlePresenceSync(roster)
	case domain.EventPresenceJoin, domain.EventPresenceLeave:
		var entry domain.PresenceEntry
		if err := ev.Decode(&entry); err != nil {
			s.log.WithError(err).Debug("Dropping malformed presence diff")
			return
		}
		if ev.Type == domain.EventPresenceJoin {
			s.handler.HandlePresenceJoin(entry)
		} else {
			s.handler.HandlePresenceLeave(entry)
		}
	case domain.EventError:
		s.log.WithField("payload", string(ev.Payload)).Warn("Server reported an error")
	default:
		if ev.Type.IsRoomTraffic() {
			s.handler.HandleEvent(ev)
			return
		}
		s.log.Debugf("Ignoring server message of type %q", ev.Type)
	}
}

// writePump 在读循环结束 (readDone 关闭) 或会话关闭时退出
func (s *session) writePump(conn *websocket.Conn, readDone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.WithError(err).Warn("Failed to write message to websocket")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.WithError(err).Warn("Failed to send ping message")
				return
			}
		case <-readDone:
			return
		case <-s.done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
