package service

import (
	"context"
	"sync"
	"time"

	"tradeassist/gateway/internal/model"
	"tradeassist/gateway/pkg/assistant"
	"tradeassist/gateway/pkg/logger"
)

// StreamClient is the connection-supervision surface the sync service
// drives. *assistant.WSClient satisfies it.
type StreamClient interface {
	OnFrame(fn assistant.FrameFunc)
	OnStateChange(fn assistant.StateChangeFunc)
	Connect() error
	Reconnect() error
	Disconnect()
	Close()
	State() assistant.ConnState
	Stats() assistant.WSStats
}

// SyncStatus is the gateway's replication snapshot for dashboards
type SyncStatus struct {
	Connection       string            `json:"connection"`
	Reason           string            `json:"reason,omitempty"`
	ChangedAt        time.Time         `json:"changed_at"`
	Upstream         assistant.WSStats `json:"upstream"`
	Proposals        int               `json:"proposals"`
	PendingProposals int               `json:"pending_proposals"`
	LogsRetained     int               `json:"logs_retained"`
	LogsTotal        uint64            `json:"logs_total"`
}

// SyncService keeps the local replica in step with the assistant server.
// It routes inbound frames into the proposal store and log buffer,
// re-hydrates over REST whenever the stream (re)connects, and relays
// both data and connection state to local dashboards.
type SyncService struct {
	api    UpstreamAPI
	client StreamClient
	router *assistant.Router
	store  *ProposalStore
	logs   *LogBuffer
	hub    Broadcaster
	log    *logger.Logger

	mu         sync.RWMutex
	lastReason string
	changedAt  time.Time

	subs     []int
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	hydrateTimeout time.Duration
}

func NewSyncService(api UpstreamAPI, client StreamClient, store *ProposalStore, logs *LogBuffer, hub Broadcaster) *SyncService {
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncService{
		api:            api,
		client:         client,
		router:         assistant.NewRouter(),
		store:          store,
		logs:           logs,
		hub:            hub,
		log:            logger.Component("sync"),
		changedAt:      time.Now(),
		ctx:            ctx,
		cancel:         cancel,
		hydrateTimeout: 10 * time.Second,
	}
}

// Start wires the stream into the replica and opens the connection. A
// failed first dial is not fatal; the client keeps retrying on its own.
func (s *SyncService) Start() error {
	s.subs = append(s.subs,
		s.router.SubscribeTypes(s.onProposalCreated, model.MessageTypeProposalCreated),
		s.router.SubscribeTypes(s.onProposalUpdated, model.MessageTypeProposalUpdated),
		s.router.SubscribeTypes(s.onProposalBatch, model.MessageTypeProposalBatch),
		s.router.SubscribeTypes(s.onTradeLog, model.MessageTypeTradeLog),
	)

	s.client.OnFrame(s.router.Dispatch)
	s.client.OnStateChange(s.onStateChange)

	if err := s.client.Connect(); err != nil {
		s.log.Warnf("Initial connect failed, retry machinery takes over: %v", err)
	}
	return nil
}

// Stop tears the stream down for good: handlers deregistered, in-flight
// hydration discarded, transport closed as a manual close. Idempotent.
func (s *SyncService) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		for _, id := range s.subs {
			s.router.Unsubscribe(id)
		}
		s.client.Close()
	})
}

// Reconnect forces a fresh connection with a reset attempt budget
func (s *SyncService) Reconnect() error {
	return s.client.Reconnect()
}

// Disconnect drops the connection and disables automatic recovery until
// the next Connect/Reconnect
func (s *SyncService) Disconnect() {
	s.client.Disconnect()
}

// Status returns the current replication snapshot
func (s *SyncService) Status() SyncStatus {
	s.mu.RLock()
	reason := s.lastReason
	changedAt := s.changedAt
	s.mu.RUnlock()

	stats := s.client.Stats()
	return SyncStatus{
		Connection:       string(stats.State),
		Reason:           reason,
		ChangedAt:        changedAt,
		Upstream:         stats,
		Proposals:        s.store.Len(),
		PendingProposals: s.store.PendingCount(),
		LogsRetained:     s.logs.Len(),
		LogsTotal:        s.logs.Total(),
	}
}

// CheckUpstream probes the server's REST health endpoint. Deliberately
// separate from the stream state; a healthy API with a broken stream and
// the reverse are both real situations the dashboard must show.
func (s *SyncService) CheckUpstream(ctx context.Context) (*assistant.HealthStatus, error) {
	return s.api.Health(ctx)
}

func (s *SyncService) onStateChange(old, new assistant.ConnState, reason string) {
	s.mu.Lock()
	s.lastReason = reason
	s.changedAt = time.Now()
	s.mu.Unlock()

	s.log.Infof("Connection %s -> %s (%s)", old, new, reason)

	if s.hub != nil {
		payload := model.ConnectionStatePayload{
			State:     string(new),
			Reason:    reason,
			Attempt:   s.client.Stats().Attempt,
			ChangedAt: time.Now(),
		}
		if msg, err := model.NewMessage(model.MessageTypeConnectionState, payload); err == nil {
			s.hub.Broadcast(msg)
		}
	}

	// Every entry into connected re-hydrates: frames broadcast while the
	// stream was down are gone for good, only the REST snapshot closes
	// the gap.
	if new == assistant.StateConnected {
		go s.hydrate()
	}
}

func (s *SyncService) hydrate() {
	ctx, cancel := context.WithTimeout(s.ctx, s.hydrateTimeout)
	defer cancel()

	proposals, err := s.api.GetProposals(ctx)
	if err != nil {
		s.log.Warnf("Hydration failed, replica may lag until next reconnect: %v", err)
		return
	}
	if s.ctx.Err() != nil {
		// Stopped while the fetch was in flight; the snapshot is
		// discarded, not applied.
		return
	}

	s.store.ReplaceAll(proposals)
	s.log.Infof("Hydrated %d proposals", len(proposals))

	s.broadcastSnapshot()
}

func (s *SyncService) broadcastSnapshot() {
	if s.hub == nil {
		return
	}
	msg, err := model.NewMessage(model.MessageTypeProposalBatch, s.store.List())
	if err != nil {
		return
	}
	s.hub.BroadcastChannel(model.ChannelProposals, msg)
}

func (s *SyncService) onProposalCreated(msg model.Message) {
	var p model.Proposal
	if err := msg.Decode(&p); err != nil {
		s.log.Warnf("Dropping malformed proposal_created: %v", err)
		return
	}
	if p.ID == "" {
		s.log.Warnf("Dropping proposal_created without an ID")
		return
	}

	created := s.store.Upsert(p)
	if created {
		s.log.Infof("Proposal %s: %s %d %s @ %.2f", p.ID, p.Action, p.Quantity, p.Symbol, p.Price)
	}
	s.relay(model.ChannelProposals, msg)
}

func (s *SyncService) onProposalUpdated(msg model.Message) {
	var p model.Proposal
	if err := msg.Decode(&p); err != nil {
		s.log.Warnf("Dropping malformed proposal_updated: %v", err)
		return
	}
	if p.ID == "" {
		return
	}

	if s.store.Upsert(p) {
		// An update for an unknown ID is still merged; the next
		// hydration reconciles ordering with the server.
		s.log.Debugf("Update for unknown proposal %s, inserted", p.ID)
	}
	s.relay(model.ChannelProposals, msg)
}

func (s *SyncService) onProposalBatch(msg model.Message) {
	var proposals []model.Proposal
	if err := msg.Decode(&proposals); err != nil {
		s.log.Warnf("Dropping malformed proposal batch: %v", err)
		return
	}

	s.store.ReplaceAll(proposals)
	s.log.Debugf("Applied proposal batch of %d", len(proposals))
	s.relay(model.ChannelProposals, msg)
}

func (s *SyncService) onTradeLog(msg model.Message) {
	var entry model.TradeLog
	if err := msg.Decode(&entry); err != nil {
		s.log.Warnf("Dropping malformed trade_log: %v", err)
		return
	}

	s.logs.Append(entry)
	s.relay(model.ChannelTradeLogs, msg)
}

// relay forwards an upstream envelope to local dashboards unchanged
func (s *SyncService) relay(channel string, msg model.Message) {
	if s.hub != nil {
		s.hub.BroadcastChannel(channel, msg)
	}
}
