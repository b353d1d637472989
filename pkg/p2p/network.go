package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/3FT-io/datagate/pkg/config"
)

const (
	ProtocolID         = "/datagate/1.0.0"
	DiscoveryNamespace = "datagate-network"
	PubsubTopic        = "datagate-models"
	ConnectionTimeout  = 10 * time.Second

	// maxRecentAnnouncements bounds the announcements kept for status
	maxRecentAnnouncements = 32
)

// Announcement tells peers that this node persisted a new model
type Announcement struct {
	NodeID    string    `json:"node_id"`
	Dataset   string    `json:"dataset"`
	Accuracy  float64   `json:"accuracy"`
	Classes   []string  `json:"classes"`
	TrainedAt time.Time `json:"trained_at"`
}

// Status is a snapshot of the node's view of the network
type Status struct {
	NodeID        string         `json:"node_id"`
	Addresses     []string       `json:"addresses"`
	PeerCount     int            `json:"peer_count"`
	Peers         []string       `json:"peers"`
	Announcements []Announcement `json:"recent_announcements"`
}

type Network struct {
	cfg          config.P2PConfig
	host         host.Host
	dht          *dht.IpfsDHT
	pubsub       *pubsub.PubSub
	topic        *pubsub.Topic
	subscription *pubsub.Subscription
	mdns         mdns.Service
	peers        map[peer.ID]peer.AddrInfo
	recent       []Announcement
	handler      func(peer.ID, Announcement)
	logger       *zap.Logger
	cancel       context.CancelFunc
	mu           sync.RWMutex
}

// NetworkOption configures a Network
type NetworkOption func(*Network)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) NetworkOption {
	return func(n *Network) {
		n.logger = logger
	}
}

// WithAnnouncementHandler is called for every announcement from a peer
func WithAnnouncementHandler(fn func(from peer.ID, a Announcement)) NetworkOption {
	return func(n *Network) {
		n.handler = fn
	}
}

func NewNetwork(cfg config.P2PConfig, opts ...NetworkOption) (*Network, error) {
	n := &Network{
		cfg:    cfg,
		peers:  make(map[peer.ID]peer.AddrInfo),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

func (n *Network) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	h, err := n.createHost()
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	n.host = h

	if err := n.initDHT(ctx); err != nil {
		return fmt.Errorf("failed to initialize DHT: %w", err)
	}

	if err := n.initPubSub(ctx); err != nil {
		return fmt.Errorf("failed to initialize PubSub: %w", err)
	}

	if n.cfg.MDNS {
		if err := n.initMDNS(); err != nil {
			return fmt.Errorf("failed to initialize mDNS: %w", err)
		}
	}

	if err := n.connectToBootstrapPeers(ctx); err != nil {
		return fmt.Errorf("failed to connect to bootstrap peers: %w", err)
	}

	go n.handleMessages(ctx, n.subscription, n.host.ID())

	n.logger.Info("P2P network started",
		zap.String("peer_id", n.host.ID().String()),
		zap.Int("port", n.cfg.Port),
	)
	return nil
}

func (n *Network) createHost() (host.Host, error) {
	addr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", n.cfg.ListenAddress, n.cfg.Port))
	if err != nil {
		return nil, err
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrs(addr),
		libp2p.EnableNATService(),
	}

	// Only enable auto relay if we have bootstrap peers configured
	if len(n.cfg.BootstrapPeers) > 0 {
		opts = append(opts, libp2p.EnableAutoRelay())
	}

	return libp2p.New(opts...)
}

func (n *Network) initDHT(ctx context.Context) error {
	var err error
	n.dht, err = dht.New(ctx, n.host,
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(protocol.ID(ProtocolID)),
	)
	if err != nil {
		return err
	}

	return n.dht.Bootstrap(ctx)
}

func (n *Network) initPubSub(ctx context.Context) error {
	var err error
	n.pubsub, err = pubsub.NewGossipSub(ctx, n.host)
	if err != nil {
		return err
	}

	n.topic, err = n.pubsub.Join(PubsubTopic)
	if err != nil {
		return err
	}

	n.subscription, err = n.topic.Subscribe()
	return err
}

func (n *Network) initMDNS() error {
	n.mdns = mdns.NewMdnsService(n.host, DiscoveryNamespace, n)
	return n.mdns.Start()
}

// HandlePeerFound implements the mdns.Notifee interface
func (n *Network) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	if err := n.connectToPeer(context.Background(), pi); err != nil {
		n.logger.Debug("mDNS peer connect failed", zap.String("peer", pi.ID.String()), zap.Error(err))
	}
}

func (n *Network) connectToBootstrapPeers(ctx context.Context) error {
	for _, addr := range n.cfg.BootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			n.logger.Warn("Invalid bootstrap address", zap.String("addr", addr), zap.Error(err))
			continue
		}

		peerInfo, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			n.logger.Warn("Invalid bootstrap peer", zap.String("addr", addr), zap.Error(err))
			continue
		}

		if err := n.connectToPeerWithBackoff(ctx, *peerInfo); err != nil {
			n.logger.Warn("Bootstrap peer unreachable", zap.String("addr", addr), zap.Error(err))
		}
	}
	return nil
}

func (n *Network) connectToPeer(ctx context.Context, peerInfo peer.AddrInfo) error {
	ctx, cancel := context.WithTimeout(ctx, ConnectionTimeout)
	defer cancel()

	if err := n.host.Connect(ctx, peerInfo); err != nil {
		return err
	}

	n.mu.Lock()
	n.peers[peerInfo.ID] = peerInfo
	n.mu.Unlock()

	return nil
}

func (n *Network) connectToPeerWithBackoff(ctx context.Context, peerInfo peer.AddrInfo) error {
	backoff := time.Second
	maxBackoff := time.Minute

	for {
		err := n.connectToPeer(ctx, peerInfo)
		if err == nil {
			return nil
		}
		if backoff > maxBackoff {
			return fmt.Errorf("max backoff reached: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (n *Network) handleMessages(ctx context.Context, sub *pubsub.Subscription, self peer.ID) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		// Skip messages from ourselves
		if msg.ReceivedFrom == self {
			continue
		}

		n.processMessage(msg)
	}
}

func (n *Network) processMessage(msg *pubsub.Message) {
	var m Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		n.logger.Debug("Dropping malformed message", zap.String("from", msg.ReceivedFrom.String()), zap.Error(err))
		return
	}

	switch m.Type {
	case MessageTypeModelTrained:
		var a Announcement
		if err := json.Unmarshal(m.Payload, &a); err != nil {
			n.logger.Debug("Dropping malformed announcement", zap.Error(err))
			return
		}
		n.record(a)
		n.logger.Info("Peer trained a model",
			zap.String("from", msg.ReceivedFrom.String()),
			zap.String("dataset", a.Dataset),
			zap.Float64("accuracy", a.Accuracy),
		)
		if n.handler != nil {
			n.handler(msg.ReceivedFrom, a)
		}
	default:
		n.logger.Debug("Ignoring message", zap.Int("type", int(m.Type)))
	}
}

func (n *Network) record(a Announcement) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.recent = append(n.recent, a)
	if len(n.recent) > maxRecentAnnouncements {
		n.recent = n.recent[len(n.recent)-maxRecentAnnouncements:]
	}
}

// Announce publishes a model-trained event to every subscribed peer
func (n *Network) Announce(ctx context.Context, a Announcement) error {
	if n.host == nil || n.topic == nil {
		return fmt.Errorf("network not started")
	}
	if a.NodeID == "" {
		a.NodeID = n.host.ID().String()
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Message{
		Type:    MessageTypeModelTrained,
		Payload: payload,
		From:    n.host.ID().String(),
	})
	if err != nil {
		return err
	}
	return n.Broadcast(ctx, data)
}

func (n *Network) Broadcast(ctx context.Context, data []byte) error {
	return n.topic.Publish(ctx, data)
}

func (n *Network) GetPeers() []peer.ID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]peer.ID, 0, len(n.peers))
	for id := range n.peers {
		peers = append(peers, id)
	}
	return peers
}

// Status reports identity, connected peers and recent announcements
func (n *Network) Status() Status {
	status := Status{}
	if n.host == nil {
		return status
	}

	status.NodeID = n.host.ID().String()
	for _, addr := range n.host.Addrs() {
		status.Addresses = append(status.Addresses, addr.String())
	}
	for _, id := range n.GetPeers() {
		status.Peers = append(status.Peers, id.String())
	}
	status.PeerCount = len(status.Peers)

	n.mu.RLock()
	status.Announcements = append([]Announcement(nil), n.recent...)
	n.mu.RUnlock()

	return status
}

func (n *Network) Stop() error {
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}

	if n.subscription != nil {
		n.subscription.Cancel()
		n.subscription = nil
	}

	if n.topic != nil {
		n.topic.Close()
		n.topic = nil
	}

	if n.mdns != nil {
		n.mdns.Close()
		n.mdns = nil
	}

	if n.dht != nil {
		err := n.dht.Close()
		n.dht = nil
		if err != nil {
			return err
		}
	}

	if n.host != nil {
		err := n.host.Close()
		n.host = nil
		return err
	}

	return nil
}

// Message types for network communication
type MessageType int

const (
	MessageTypeModelTrained MessageType = iota
)

type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
	From    string          `json:"from"`
}

func (n *Network) GetHost() host.Host {
	return n.host
}

// ConnectToPeer exports the peer connection functionality
func (n *Network) ConnectToPeer(ctx context.Context, peerInfo peer.AddrInfo) error {
	return n.connectToPeer(ctx, peerInfo)
}
