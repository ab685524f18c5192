package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/joshp123/gohome-herohealth/internal/config"
	"go.uber.org/zap"
)

const publishTimeout = 10 * time.Second

// publishClient is the subset of paho.Client the publisher needs.
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type nodeState struct {
	device   Device
	entities map[string]Entity
}

// Publisher keeps Home Assistant in sync with the latest entity set of each
// node. It remembers what it published so vanished entities are removed and
// everything is replayed after a reconnect.
type Publisher struct {
	conn    paho.Client
	pub     publishClient
	base    Topics
	qos     byte
	retain  bool
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	nodes map[string]*nodeState
}

// NewPublisher builds a paho client from cfg. Call Connect before publishing.
func NewPublisher(cfg config.MQTTConfig, logger *zap.Logger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	password := ""
	if cfg.PasswordFile != "" {
		secret, err := config.ReadSecretFile(cfg.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read mqtt password: %w", err)
		}
		password = secret
	}
	retain := true
	if cfg.Retain != nil {
		retain = *cfg.Retain
	}

	p := newPublisher(nil, Topics{Discovery: cfg.DiscoveryPrefix, Prefix: cfg.TopicPrefix}, cfg.QoS, retain, logger)

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetWill(p.base.Bridge(), PayloadOffline, cfg.QoS, true)
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)

	client := paho.NewClient(opts)
	p.conn = client
	p.pub = client
	return p, nil
}

func newPublisher(pub publishClient, base Topics, qos byte, retain bool, logger *zap.Logger) *Publisher {
	return &Publisher{
		pub:     pub,
		base:    base,
		qos:     qos,
		retain:  retain,
		timeout: publishTimeout,
		logger:  logger.Named("mqtt"),
		nodes:   make(map[string]*nodeState),
	}
}

// Connect starts the connection. An unreachable broker is retried in the
// background.
func (p *Publisher) Connect(ctx context.Context) error {
	if p.conn == nil {
		return nil
	}
	token := p.conn.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect to mqtt broker: %w", err)
		}
	case <-time.After(p.timeout):
		p.logger.Warn("mqtt broker not reachable yet, retrying in background")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Close marks the bridge offline and disconnects.
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	if p.conn.IsConnected() {
		_ = p.send(context.Background(), Message{Topic: p.base.Bridge(), Payload: []byte(PayloadOffline), Retained: true})
	}
	p.conn.Disconnect(250)
	connectedGauge.Set(0)
}

// Publish replaces the entity set of node.
func (p *Publisher) Publish(ctx context.Context, node string, device Device, entities []Entity) error {
	topics := p.base
	topics.Node = node
	msgs, err := BuildMessages(topics, device, entities, p.retain)
	if err != nil {
		return err
	}

	next := &nodeState{device: device, entities: make(map[string]Entity, len(entities))}
	for _, e := range entities {
		next.entities[e.Key()] = e
	}

	p.mu.Lock()
	prev := p.nodes[node]
	p.nodes[node] = next
	p.mu.Unlock()

	var removed []Entity
	if prev != nil {
		for key, e := range prev.entities {
			if _, ok := next.entities[key]; !ok {
				removed = append(removed, e)
			}
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Key() < removed[j].Key() })

	var errs []error
	for _, e := range removed {
		p.logger.Info("removing entity", zap.String("node", node), zap.String("object_id", e.ObjectID))
		if err := p.send(ctx, RemovalMessage(topics, e)); err != nil {
			errs = append(errs, err)
		}
	}
	for _, m := range msgs {
		if err := p.send(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Remove clears every entity published under node, plus any extra entities
// that may still be retained there from an earlier run, and forgets the node.
func (p *Publisher) Remove(ctx context.Context, node string, extra []Entity) error {
	topics := p.base
	topics.Node = node

	p.mu.Lock()
	prev := p.nodes[node]
	delete(p.nodes, node)
	p.mu.Unlock()

	gone := make(map[string]Entity, len(extra))
	for _, e := range extra {
		gone[e.Key()] = e
	}
	if prev != nil {
		for key, e := range prev.entities {
			gone[key] = e
		}
	}
	keys := make([]string, 0, len(gone))
	for key := range gone {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	p.logger.Info("removing node", zap.String("node", node), zap.Int("entities", len(keys)))
	var errs []error
	for _, key := range keys {
		if err := p.send(ctx, RemovalMessage(topics, gone[key])); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) send(ctx context.Context, m Message) error {
	token := p.pub.Publish(m.Topic, p.qos, m.Retained, m.Payload)
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-timer.C:
		publishErrors.Inc()
		return fmt.Errorf("publish %s: timeout", m.Topic)
	case <-ctx.Done():
		publishErrors.Inc()
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		publishErrors.Inc()
		return fmt.Errorf("publish %s: %w", m.Topic, err)
	}
	messagesPublished.Inc()
	return nil
}

func (p *Publisher) onConnect(_ paho.Client) {
	connectedGauge.Set(1)
	p.logger.Info("connected to mqtt broker")
	if err := p.replay(context.Background()); err != nil {
		p.logger.Warn("replay after connect", zap.Error(err))
	}
}

func (p *Publisher) onConnectionLost(_ paho.Client, err error) {
	connectedGauge.Set(0)
	p.logger.Warn("mqtt connection lost", zap.Error(err))
}

// replay announces the bridge and re-sends every known node.
func (p *Publisher) replay(ctx context.Context) error {
	if err := p.send(ctx, Message{Topic: p.base.Bridge(), Payload: []byte(PayloadOnline), Retained: true}); err != nil {
		return err
	}

	p.mu.Lock()
	snapshot := make(map[string]*nodeState, len(p.nodes))
	for node, state := range p.nodes {
		snapshot[node] = state
	}
	p.mu.Unlock()

	var errs []error
	for node, state := range snapshot {
		entities := make([]Entity, 0, len(state.entities))
		for _, e := range state.entities {
			entities = append(entities, e)
		}
		sort.Slice(entities, func(i, j int) bool { return entities[i].Key() < entities[j].Key() })
		topics := p.base
		topics.Node = node
		msgs, err := BuildMessages(topics, state.device, entities, p.retain)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, m := range msgs {
			if err := p.send(ctx, m); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
