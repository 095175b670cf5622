package citymesh

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ConnectMQTT builds and starts an MQTT client from the configuration.
// An empty broker disables event publishing and returns nil; the caller
// hands the nil client straight to NewEventPublisher.
func ConnectMQTT(cfg MQTTConfig) mqtt.Client {
	if cfg.Broker == "" {
		log.Println("[MQTT] disabled: broker not configured")
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "texmesh"
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Println("[MQTT] connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	})

	client := mqtt.NewClient(opts)
	go connectWithRetry(client)
	return client
}

// connectWithRetry keeps trying the initial connect with exponential
// backoff. Reconnects after that are paho's job.
func connectWithRetry(client mqtt.Client) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] connecting to broker...")
		token := client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				return
			}
			log.Printf("[MQTT] connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] connection timeout")
		}

		log.Printf("[MQTT] retrying connection in %v", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// MatchEvent summarizes one 2D matching run.
type MatchEvent struct {
	Features  int   `json:"features"`
	Matched   int   `json:"matched"`
	High      int   `json:"high"`
	Timestamp int64 `json:"timestamp"`
}

// BundleEvent announces a finished texture bundle.
type BundleEvent struct {
	BuildingID string   `json:"bldid"`
	Prefix     string   `json:"prefix"`
	Faces      int      `json:"faces"`
	Textured   int      `json:"textured"`
	Warnings   []string `json:"warnings,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

// EventPublisher pushes engine results onto MQTT topics so downstream
// consumers can react without polling the HTTP API. With a nil client
// every publish is a no-op.
type EventPublisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool

	mu    sync.RWMutex
	tiers map[string]string // last published coverage tier per building
}

// NewEventPublisher wraps an MQTT client for engine events. The topic
// prefix comes from the config, then the MQTT_PUBLISH_PREFIX env var,
// then "texmesh".
func NewEventPublisher(client mqtt.Client, cfg MQTTConfig) *EventPublisher {
	prefix := cfg.PublishPrefix
	if prefix == "" {
		prefix = os.Getenv("MQTT_PUBLISH_PREFIX")
	}
	if prefix == "" {
		prefix = "texmesh"
	}

	return &EventPublisher{
		client: client,
		prefix: prefix,
		qos:    0,
		retain: true,
		tiers:  make(map[string]string),
	}
}

// Enabled reports whether events go anywhere at all.
func (p *EventPublisher) Enabled() bool {
	return p != nil && p.client != nil
}

// PublishMatch publishes a match-run summary to {prefix}/match.
func (p *EventPublisher) PublishMatch(result *MatchResult) error {
	if !p.Enabled() || result == nil {
		return nil
	}

	event := MatchEvent{
		Features:  len(result.Features),
		Matched:   result.Total,
		Timestamp: time.Now().Unix(),
	}
	for _, feature := range result.Features {
		for _, match := range feature.Matches {
			if match.Confidence == ConfidenceHigh {
				event.High++
			}
		}
	}
	return p.publish(fmt.Sprintf("%s/match", p.prefix), event)
}

// PublishCoverage publishes one building's coverage report to
// {prefix}/coverage/{bldid} and refreshes the combined tier summary on
// {prefix}/coverage.
func (p *EventPublisher) PublishCoverage(report *CoverageReport) error {
	if !p.Enabled() || report == nil {
		return nil
	}

	p.mu.Lock()
	p.tiers[report.BuildingID] = report.Tier
	p.mu.Unlock()

	topic := fmt.Sprintf("%s/coverage/%s", p.prefix, report.BuildingID)
	if err := p.publish(topic, report); err != nil {
		log.Printf("[MQTT] publishing coverage for %s: %v", report.BuildingID, err)
		return err
	}
	return p.publishTierSummary()
}

// publishTierSummary publishes the per-building tier map to the
// combined coverage topic.
func (p *EventPublisher) publishTierSummary() error {
	p.mu.RLock()
	tiers := make(map[string]string, len(p.tiers))
	for id, tier := range p.tiers {
		tiers[id] = tier
	}
	p.mu.RUnlock()

	if len(tiers) == 0 {
		return nil
	}

	summary := map[string]interface{}{
		"buildings": tiers,
		"timestamp": time.Now().Unix(),
	}
	return p.publish(fmt.Sprintf("%s/coverage", p.prefix), summary)
}

// PublishBundle announces a finished texture bundle on
// {prefix}/texture/{bldid}.
func (p *EventPublisher) PublishBundle(buildingID string, bundle *ModelBundle) error {
	if !p.Enabled() || bundle == nil {
		return nil
	}

	event := BundleEvent{
		BuildingID: buildingID,
		Prefix:     bundle.Prefix,
		Faces:      len(bundle.Textures),
		Warnings:   bundle.Warnings,
		Timestamp:  time.Now().Unix(),
	}
	for _, tex := range bundle.Textures {
		if !tex.Empty {
			event.Textured++
		}
	}
	return p.publish(fmt.Sprintf("%s/texture/%s", p.prefix, buildingID), event)
}

// PublishJob publishes a job state transition to {prefix}/jobs/{id}.
func (p *EventPublisher) PublishJob(job Job) error {
	if !p.Enabled() {
		return nil
	}
	return p.publish(fmt.Sprintf("%s/jobs/%s", p.prefix, job.ID), job)
}

// ClearCoverage drops a building from the combined tier summary, for
// buildings removed from the store.
func (p *EventPublisher) ClearCoverage(buildingID string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tiers, buildingID)
}

// SetQoS sets the publish QoS level (0, 1, or 2).
func (p *EventPublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether the broker retains published events.
func (p *EventPublisher) SetRetain(retain bool) {
	p.retain = retain
}

func (p *EventPublisher) publish(topic string, v interface{}) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}
