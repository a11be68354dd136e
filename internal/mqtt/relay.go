package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/talon/internal/config"
	"github.com/nugget/talon/internal/events"
)

// EngagementStatus is the retained per-engagement status document.
type EngagementStatus struct {
	EngagementID string    `json:"engagement_id"`
	Name         string    `json:"name,omitempty"`
	Phase        string    `json:"phase,omitempty"`
	Status       string    `json:"status"`
	Iteration    int       `json:"iteration"`
	Findings     int       `json:"findings"`
	TokensIn     int64     `json:"tokens_in"`
	TokensOut    int64     `json:"tokens_out"`
	Blocked      int       `json:"blocked"`
	Updated      time.Time `json:"updated"`
}

// message is one outbound publish.
type message struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// Relay forwards bus events to the broker.
type Relay struct {
	cfg        config.MQTTConfig
	instanceID string
	logger     *slog.Logger

	mu     sync.Mutex
	status map[string]*EngagementStatus
	cm     *autopaho.ConnectionManager
}

// NewRelay creates a relay but does not connect.
func NewRelay(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Relay {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "talon"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger,
		status:     make(map[string]*EngagementStatus),
	}
}

// Run connects to the broker and forwards events from bus until ctx is
// cancelled. Connection failures are retried in the background; events
// published while disconnected are dropped.
func (r *Relay) Run(ctx context.Context, bus *events.Bus) error {
	brokerURL, err := url.Parse(r.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := r.cfg.ClientID
	if clientID == "" {
		clientID = "talon-" + r.instanceID
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: r.cfg.Username,
		ConnectPassword: []byte(r.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   r.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			r.logger.Info("mqtt connected to broker", "broker", r.cfg.Broker)
			r.send(ctx, cm, message{topic: r.availabilityTopic(), payload: []byte("online"), qos: 1, retain: true})
		},
		OnConnectError: func(err error) {
			r.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	r.mu.Lock()
	r.cm = cm
	r.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = cm.AwaitConnection(connCtx)
	cancel()
	if err != nil {
		r.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			for _, m := range r.messagesFor(ev) {
				r.send(ctx, cm, m)
			}
		}
	}
}

// Stop publishes "offline" and disconnects.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	cm := r.cm
	r.mu.Unlock()
	if cm == nil {
		return nil
	}
	r.send(ctx, cm, message{topic: r.availabilityTopic(), payload: []byte("offline"), qos: 1, retain: true})
	return cm.Disconnect(ctx)
}

func (r *Relay) send(ctx context.Context, cm *autopaho.ConnectionManager, m message) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.topic,
		Payload: m.payload,
		QoS:     m.qos,
		Retain:  m.retain,
	}); err != nil {
		r.logger.Debug("mqtt publish failed", "topic", m.topic, "error", err)
	}
}

func (r *Relay) baseTopic() string {
	return r.cfg.TopicPrefix + "/" + r.instanceID
}

func (r *Relay) availabilityTopic() string {
	return r.baseTopic() + "/availability"
}

func (r *Relay) eventTopic(ev events.Event) string {
	return r.baseTopic() + "/events/" + ev.Source + "/" + ev.Kind
}

func (r *Relay) statusTopic(engagementID string) string {
	return r.baseTopic() + "/engagements/" + engagementID + "/status"
}

// messagesFor maps one event to its publishes: the event itself, plus
// the retained status document when the event changes it.
func (r *Relay) messagesFor(ev events.Event) []message {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("mqtt marshal event", "kind", ev.Kind, "error", err)
		return nil
	}
	out := []message{{topic: r.eventTopic(ev), payload: payload}}

	st, changed := r.apply(ev)
	if !changed {
		return out
	}
	doc, err := json.Marshal(st)
	if err != nil {
		r.logger.Error("mqtt marshal status", "engagement", st.EngagementID, "error", err)
		return out
	}
	return append(out, message{topic: r.statusTopic(st.EngagementID), payload: doc, qos: 1, retain: true})
}

// apply folds ev into the engagement's status and returns a copy.
func (r *Relay) apply(ev events.Event) (EngagementStatus, bool) {
	id, _ := ev.Data["engagement_id"].(string)
	if id == "" {
		return EngagementStatus{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.status[id]
	if !ok {
		st = &EngagementStatus{EngagementID: id, Status: "running"}
		r.status[id] = st
	}

	switch ev.Kind {
	case events.KindEngagementStart:
		st.Name = str(ev.Data["name"])
		st.Phase = str(ev.Data["phase"])
		st.Status = "running"
	case events.KindIteration:
		st.Iteration = num(ev.Data["iteration"])
		st.Phase = str(ev.Data["phase"])
	case events.KindModelResponse:
		st.TokensIn += int64(num(ev.Data["tokens_in"]))
		st.TokensOut += int64(num(ev.Data["tokens_out"]))
	case events.KindToolCall:
		if str(ev.Data["verdict"]) == "block" {
			st.Blocked++
		}
	case events.KindFinding:
		st.Findings++
	case events.KindPhase:
		st.Phase = str(ev.Data["to"])
	case events.KindEngagementEnd:
		st.Status = str(ev.Data["status"])
		st.Iteration = num(ev.Data["iterations"])
	default:
		return EngagementStatus{}, false
	}
	st.Updated = ev.Timestamp
	return *st, true
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
