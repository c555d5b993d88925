package nav

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher sends navigation results to MQTT. The slice viewer, the
// tractography worker and the coil robot subscribe to these topics.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	mu            sync.RWMutex
	lastCoord     *NavCoordinate
	published     uint64
}

// NewPublisher creates a new navigation publisher.
// If client is nil, publishing is disabled (for testing).
func NewPublisher(client mqtt.Client) *Publisher {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" {
		prefix = "coregnav"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // QoS 0: a newer coordinate supersedes a lost one
		retain:        true, // Retain so late subscribers get the latest pose
	}
}

// SetPrefix overrides the topic prefix
func (p *Publisher) SetPrefix(prefix string) {
	if prefix != "" {
		p.publishPrefix = prefix
	}
}

// Prefix returns the topic prefix
func (p *Publisher) Prefix() string { return p.publishPrefix }

// CoordTopic is the topic for image-space coordinates
func (p *Publisher) CoordTopic() string { return p.publishPrefix + "/coord" }

// TargetTopic is the topic for target guidance
func (p *Publisher) TargetTopic() string { return p.publishPrefix + "/target" }

// SeedTopic is the topic for tractography seeds
func (p *Publisher) SeedTopic() string { return p.publishPrefix + "/tracts/seed" }

// RegistrationTopic is the topic for registration summaries
func (p *Publisher) RegistrationTopic() string { return p.publishPrefix + "/registration" }

// PublishCoordinate publishes an image-space coordinate
func (p *Publisher) PublishCoordinate(coord NavCoordinate) error {
	if err := p.publish(p.CoordTopic(), coord); err != nil {
		return err
	}
	p.mu.Lock()
	c := coord
	p.lastCoord = &c
	p.published++
	p.mu.Unlock()
	return nil
}

// PublishTarget publishes target guidance for the coil consumer
func (p *Publisher) PublishTarget(status TargetStatus) error {
	return p.publish(p.TargetTopic(), status)
}

// PublishSeed publishes a tractography seed
func (p *Publisher) PublishSeed(seed TractSeed) error {
	return p.publish(p.SeedTopic(), seed)
}

// PublishRegistration publishes a summary of a new registration
func (p *Publisher) PublishRegistration(r *Registration) error {
	if r == nil {
		return nil
	}
	return p.publish(p.RegistrationTopic(), NewRegistrationSummary(r))
}

// publish marshals v and publishes it to topic
func (p *Publisher) publish(topic string, v interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", topic, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// LastCoordinate returns the last successfully published coordinate
func (p *Publisher) LastCoordinate() (NavCoordinate, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastCoord == nil {
		return NavCoordinate{}, false
	}
	return *p.lastCoord, true
}

// Published returns the number of coordinates published
func (p *Publisher) Published() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.published
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
