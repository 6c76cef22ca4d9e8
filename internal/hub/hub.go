package hub

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/dto"
	"collaborative-canvas/internal/metrics"
	"collaborative-canvas/internal/repository"
)

// 包级别的 WebSocket 常量，供 hub 和 client 使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. 与客户端共用同一上限。
	maxMessageSize = domain.MaxFrameBytes

	// stateTimeout 是单次 Redis 操作的超时时间
	stateTimeout = 5 * time.Second
)

// HubMessage 定义了在 Hub 内部通道传递的消息类型
type HubMessage struct {
	Type    string  // "register", "unregister", "event", "remote", "local", "sync"
	RoomID  string  // 房间 ID
	UserID  string  // 来源用户 ID
	Client  *Client // 仅用于 register/unregister/event
	RawData []byte  // event: 客户端原始消息；remote: 其他实例发来的消息；local: 需要本地广播的消息
}

// stateJob 是交给状态协程按顺序执行的 Redis 操作
type stateJob func(ctx context.Context)

// Hub 维护活跃客户端集合，在房间内转发绘图流量并维护在线名单。
// 房间成员和转发只在 Run 的协程中修改；Redis 操作在单独的状态协程中按顺序执行。
type Hub struct {
	// 内部通道，处理所有来自 Client 的事件
	messageChan chan HubMessage

	// map[roomID]map[*Client]bool
	rooms   map[string]map[*Client]bool
	roomsMu sync.RWMutex

	// state 为 nil 时 Hub 只在本实例内工作
	state      repository.StateRepository
	instanceID string
	stateJobs  chan stateJob

	subs   map[string]repository.Subscription
	subsMu sync.Mutex

	quit     chan struct{}
	stopOnce sync.Once
	log      *logrus.Entry
}

// NewHub 创建并返回一个新的 Hub 实例
func NewHub(state repository.StateRepository, instanceID string) *Hub {
	return &Hub{
		messageChan: make(chan HubMessage, 512),
		rooms:       make(map[string]map[*Client]bool),
		state:       state,
		instanceID:  instanceID,
		stateJobs:   make(chan stateJob, 512),
		subs:        make(map[string]repository.Subscription),
		quit:        make(chan struct{}),
		log:         logrus.WithFields(logrus.Fields{"component": "hub", "instance": instanceID}),
	}
}

// Run 启动 Hub 的主事件处理循环。
// 它应该在一个单独的 goroutine 中运行。
func (h *Hub) Run() {
	h.log.Info("Hub is running...")
	go h.runStateJobs()

	for {
		select {
		case msg := <-h.messageChan:
			switch msg.Type {
			case "register":
				h.registerClient(msg.Client)
			case "unregister":
				h.unregisterClient(msg.Client)
			case "event":
				h.handleClientEvent(msg)
			case "remote":
				h.handleRemoteEvent(msg)
			case "local":
				h.broadcast(msg.RoomID, msg.RawData, nil)
			case "sync":
				h.broadcastLocalSync(msg.RoomID)
			default:
				h.log.Warnf("Hub: Received unknown message type: %s from user %s in room %s", msg.Type, msg.UserID, msg.RoomID)
			}
		case <-h.quit:
			h.log.Info("Hub is shutting down...")
			return
		}
	}
}

// Stop 结束 Run 循环和状态协程
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// runStateJobs 按提交顺序执行 Redis 操作
func (h *Hub) runStateJobs() {
	for {
		select {
		case job := <-h.stateJobs:
			ctx, cancel := context.WithTimeout(context.Background(), stateTimeout)
			job(ctx)
			cancel()
		case <-h.quit:
			return
		}
	}
}

// enqueueState 提交一个 Redis 操作；没有 state 时忽略
func (h *Hub) enqueueState(job stateJob) {
	if h.state == nil {
		return
	}
	select {
	case h.stateJobs <- job:
	default:
		h.log.Warn("Hub state queue full, dropping state operation")
	}
}

// registerClient 处理客户端注册逻辑
func (h *Hub) registerClient(client *Client) {
	if client == nil {
		h.log.Error("Hub: Attempted to register a nil client")
		return
	}
	roomID := client.RoomID()
	logCtx := h.log.WithFields(logrus.Fields{
		"room_id": roomID,
		"user_id": client.UserID(),
		"action":  "registerClient",
	})

	h.roomsMu.Lock()
	_, exists := h.rooms[roomID]
	if !exists {
		h.rooms[roomID] = make(map[*Client]bool)
		logCtx.Info("Client list created for new room")
	}
	h.rooms[roomID][client] = true
	roomCount := len(h.rooms)
	h.roomsMu.Unlock()

	metrics.HubConnections.Inc()
	metrics.HubRooms.Set(float64(roomCount))
	logCtx.Info("Client registered to Hub")

	if !exists {
		h.enqueueState(func(ctx context.Context) { h.subscribeRoom(ctx, roomID) })
	}
}

// unregisterClient 处理客户端注销逻辑
func (h *Hub) unregisterClient(client *Client) {
	if client == nil {
		h.log.Error("Hub: Attempted to unregister a nil client")
		return
	}
	roomID := client.RoomID()
	logCtx := h.log.WithFields(logrus.Fields{
		"room_id": roomID,
		"user_id": client.UserID(),
		"action":  "unregisterClient",
	})

	h.roomsMu.Lock()
	roomClients, ok := h.rooms[roomID]
	if !ok || !roomClients[client] {
		h.roomsMu.Unlock()
		logCtx.Warn("Client not found in room during unregister")
		return
	}
	delete(roomClients, client)
	// 关闭此客户端的 send 通道，这将导致其 WritePump 退出
	close(client.send)
	empty := len(roomClients) == 0
	if empty {
		delete(h.rooms, roomID)
	}
	roomCount := len(h.rooms)
	h.roomsMu.Unlock()

	metrics.HubConnections.Dec()
	metrics.HubRooms.Set(float64(roomCount))
	logCtx.Info("Client unregistered from Hub")

	if entry := client.presence; entry != nil && !h.userStillPresent(roomID, entry.UserID) {
		h.announceLeave(roomID, *entry)
	}
	if empty {
		logCtx.Info("Room empty, removed from Hub")
		h.enqueueState(func(ctx context.Context) { h.unsubscribeRoom(roomID) })
	}
}

func (h *Hub) isRegistered(client *Client) bool {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	return h.rooms[client.RoomID()][client]
}

// userStillPresent 判断同一用户是否还有其他连接留在房间里
func (h *Hub) userStillPresent(roomID, userID string) bool {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	for c := range h.rooms[roomID] {
		if c.UserID() == userID && c.presence != nil {
			return true
		}
	}
	return false
}

// handleClientEvent 处理客户端发来的一条消息
func (h *Hub) handleClientEvent(msg HubMessage) {
	client := msg.Client
	if !h.isRegistered(client) {
		return
	}
	logCtx := h.log.WithFields(logrus.Fields{
		"room_id":   msg.RoomID,
		"user_id":   msg.UserID,
		"operation": "handleClientEvent",
	})

	var ev domain.Event
	if err := json.Unmarshal(msg.RawData, &ev); err != nil {
		logCtx.WithError(err).Debug("Dropping malformed client message")
		h.sendError(client, "malformed message")
		return
	}

	switch {
	case ev.Type == domain.EventTrack:
		h.handleTrack(client, ev)
	case ev.Type.IsRoomTraffic():
		ev.RoomID = client.RoomID()
		ev.SenderID = client.UserID()
		ev.Instance = h.instanceID
		data, err := json.Marshal(ev)
		if err != nil {
			logCtx.WithError(err).Error("Failed to marshal room event for broadcast")
			return
		}
		h.broadcast(ev.RoomID, data, client)
		metrics.RecordRelay(string(ev.Type), false)
		h.publishRemote(ev.RoomID, data)
	default:
		logCtx.Debugf("Dropping client message of unsupported type %q", ev.Type)
		h.sendError(client, "unsupported message type")
	}
}

// handleTrack 记录客户端的在线信息，广播 join 和完整名单
func (h *Hub) handleTrack(client *Client, ev domain.Event) {
	var entry domain.PresenceEntry
	if err := ev.Decode(&entry); err != nil {
		h.log.WithError(err).WithField("user_id", client.UserID()).Debug("Dropping malformed track message")
		h.sendError(client, "malformed presence entry")
		return
	}
	// 名单中的 userId 以连接为准
	entry.UserID = client.UserID()
	if entry.Username == "" {
		entry.Username = client.username
	}
	if entry.JoinedAt.IsZero() {
		entry.JoinedAt = time.Now().UTC()
	}
	firstTrack := client.presence == nil
	client.presence = &entry

	roomID := client.RoomID()
	if firstTrack {
		if join, err := h.encode(domain.EventPresenceJoin, roomID, entry); err == nil {
			h.broadcast(roomID, join, client)
			h.publishRemote(roomID, join)
		}
	}

	if h.state == nil {
		h.broadcastLocalSync(roomID)
		return
	}
	h.enqueueState(func(ctx context.Context) {
		if err := h.state.SetPresence(ctx, roomID, entry); err != nil {
			h.log.WithError(err).WithField("room_id", roomID).Warn("Failed to store presence entry")
		}
		h.syncRoster(ctx, roomID)
	})
}

// announceLeave 广播用户离开，并更新名单
func (h *Hub) announceLeave(roomID string, entry domain.PresenceEntry) {
	if leave, err := h.encode(domain.EventPresenceLeave, roomID, entry); err == nil {
		h.broadcast(roomID, leave, nil)
		h.publishRemote(roomID, leave)
	}
	if h.state == nil {
		h.broadcastLocalSync(roomID)
		return
	}
	h.enqueueState(func(ctx context.Context) {
		if err := h.state.RemovePresence(ctx, roomID, entry.UserID); err != nil {
			h.log.WithError(err).WithField("room_id", roomID).Warn("Failed to remove presence entry")
		}
		h.syncRoster(ctx, roomID)
	})
}

// syncRoster 在状态协程中运行：读取 Redis 中的完整名单，交给主循环广播并发布给其他实例
func (h *Hub) syncRoster(ctx context.Context, roomID string) {
	roster, err := h.state.ListPresence(ctx, roomID)
	if err != nil {
		h.log.WithError(err).WithField("room_id", roomID).Warn("Failed to read presence roster, falling back to local roster")
		h.QueueMessage(HubMessage{Type: "sync", RoomID: roomID})
		return
	}
	data, err := h.encode(domain.EventPresenceSync, roomID, roster)
	if err != nil {
		return
	}
	h.QueueMessage(HubMessage{Type: "local", RoomID: roomID, RawData: data})
	if err := h.state.PublishRoomEvent(ctx, roomID, data); err != nil {
		h.log.WithError(err).WithField("room_id", roomID).Warn("Failed to publish presence sync")
	}
}

// broadcastLocalSync 用本实例已知的名单广播 presence_sync
func (h *Hub) broadcastLocalSync(roomID string) {
	if data := h.localSyncMessage(roomID); data != nil {
		h.broadcast(roomID, data, nil)
	}
}

func (h *Hub) localSyncMessage(roomID string) []byte {
	byUser := make(map[string]domain.PresenceEntry)
	h.roomsMu.RLock()
	for c := range h.rooms[roomID] {
		if c.presence != nil {
			byUser[c.presence.UserID] = *c.presence
		}
	}
	h.roomsMu.RUnlock()

	roster := make([]domain.PresenceEntry, 0, len(byUser))
	for _, entry := range byUser {
		roster = append(roster, entry)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].JoinedAt.Before(roster[j].JoinedAt) })
	data, err := h.encode(domain.EventPresenceSync, roomID, roster)
	if err != nil {
		return nil
	}
	return data
}

// handleRemoteEvent 转发其他实例发布的消息给本地所有客户端
func (h *Hub) handleRemoteEvent(msg HubMessage) {
	var ev domain.Event
	if err := json.Unmarshal(msg.RawData, &ev); err != nil {
		h.log.WithError(err).WithField("room_id", msg.RoomID).Debug("Dropping malformed remote message")
		return
	}
	if ev.Instance == h.instanceID {
		return
	}
	h.broadcast(msg.RoomID, msg.RawData, nil)
	if ev.Type.IsRoomTraffic() {
		metrics.RecordRelay(string(ev.Type), true)
	}
}

// publishRemote 把本地消息发布到 Redis，供其他实例转发
func (h *Hub) publishRemote(roomID string, data []byte) {
	h.enqueueState(func(ctx context.Context) {
		if err := h.state.PublishRoomEvent(ctx, roomID, data); err != nil {
			h.log.WithError(err).WithField("room_id", roomID).Warn("Failed to publish room event")
		}
	})
}

// encode 构造一条由本实例发出的服务端消息
func (h *Hub) encode(kind domain.EventKind, roomID string, payload interface{}) ([]byte, error) {
	ev, err := domain.NewEvent(kind, roomID, payload)
	if err != nil {
		h.log.WithError(err).Error("Failed to build server event")
		return nil, err
	}
	ev.Instance = h.instanceID
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).Error("Failed to marshal server event")
		return nil, err
	}
	return data, nil
}

// sendError 向单个客户端发送 error 消息
func (h *Hub) sendError(client *Client, message string) {
	data, err := h.encode(domain.EventError, client.RoomID(), dto.ErrorDTO{Message: message})
	if err != nil {
		return
	}
	h.deliver(client, data)
}

// broadcast 将消息发送给指定房间的所有客户端，排除发送者
func (h *Hub) broadcast(roomID string, message []byte, sender *Client) {
	h.roomsMu.RLock()
	roomClients := h.rooms[roomID]
	clientsToSend := make([]*Client, 0, len(roomClients))
	for client := range roomClients {
		if client != sender {
			clientsToSend = append(clientsToSend, client)
		}
	}
	h.roomsMu.RUnlock()

	if len(clientsToSend) == 0 {
		return
	}
	for _, client := range clientsToSend {
		h.deliver(client, message)
	}
}

// deliver 使用非阻塞发送，避免单个慢客户端阻塞广播。只在 Run 协程中调用。
func (h *Hub) deliver(client *Client, message []byte) {
	select {
	case client.send <- message:
	default:
		metrics.HubMessagesDropped.Inc()
		h.log.WithFields(logrus.Fields{
			"room_id":          client.RoomID(),
			"receiver_user_id": client.UserID(),
		}).Warn("Client send channel full, dropping message")
	}
}

// subscribeRoom 在状态协程中订阅房间频道，并启动转发协程
func (h *Hub) subscribeRoom(ctx context.Context, roomID string) {
	h.subsMu.Lock()
	_, exists := h.subs[roomID]
	h.subsMu.Unlock()
	if exists {
		return
	}

	sub, err := h.state.SubscribeRoom(ctx, roomID)
	if err != nil {
		h.log.WithError(err).WithField("room_id", roomID).Error("Failed to subscribe to room channel")
		return
	}
	h.subsMu.Lock()
	h.subs[roomID] = sub
	h.subsMu.Unlock()
	h.log.WithField("room_id", roomID).Info("Subscribed to room channel")

	go func() {
		for data := range sub.Messages() {
			h.QueueMessage(HubMessage{Type: "remote", RoomID: roomID, RawData: data})
		}
	}()
}

// unsubscribeRoom 在状态协程中关闭房间订阅
func (h *Hub) unsubscribeRoom(roomID string) {
	// 房间可能已被新的客户端重新占用
	h.roomsMu.RLock()
	_, active := h.rooms[roomID]
	h.roomsMu.RUnlock()
	if active {
		return
	}

	h.subsMu.Lock()
	sub, ok := h.subs[roomID]
	delete(h.subs, roomID)
	h.subsMu.Unlock()
	if !ok {
		return
	}
	if err := sub.Close(); err != nil {
		h.log.WithError(err).WithField("room_id", roomID).Warn("Failed to close room subscription")
	}
	h.log.WithField("room_id", roomID).Info("Unsubscribed from room channel")
}

// --- 公共方法 ---

// QueueMessage 将消息放入 Hub 的处理队列 (非阻塞)。
// 返回 true 如果消息成功入队，false 如果队列已满。
func (h *Hub) QueueMessage(msg HubMessage) bool {
	select {
	case h.messageChan <- msg:
		return true
	default:
		h.log.WithFields(logrus.Fields{
			"message_type": msg.Type,
			"room_id":      msg.RoomID,
			"user_id":      msg.UserID,
		}).Warn("Hub message channel full, dropping message")
		return false
	}
}

// Register 请求 Hub 注册客户端，阻塞直到 Hub 接受或 ctx 结束
func (h *Hub) Register(ctx context.Context, client *Client) error {
	select {
	case h.messageChan <- HubMessage{Type: "register", RoomID: client.RoomID(), UserID: client.UserID(), Client: client}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetActiveRoomIDs 返回本实例内有连接的房间
func (h *Hub) GetActiveRoomIDs() []string {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopAllSubscriptions 关闭所有房间订阅，在关闭服务时调用
func (h *Hub) StopAllSubscriptions() {
	h.subsMu.Lock()
	subs := h.subs
	h.subs = make(map[string]repository.Subscription)
	h.subsMu.Unlock()

	for roomID, sub := range subs {
		if err := sub.Close(); err != nil {
			h.log.WithError(err).WithField("room_id", roomID).Warn("Failed to close room subscription")
		}
	}
	h.log.Infof("Stopped %d room subscriptions", len(subs))
}
