package nav

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultPoseTopic is where remote trackers publish marker poses
const DefaultPoseTopic = "coregnav/tracker/pose"

// DefaultStaleAfter is how long a remote pose stays valid without an update
const DefaultStaleAfter = 500 * time.Millisecond

// posePayload is the JSON published by a remote tracker for one marker
type posePayload struct {
	Marker    MarkerID   `json:"marker"`
	X         float64    `json:"x"`
	Y         float64    `json:"y"`
	Z         float64    `json:"z"`
	Alpha     float64    `json:"alpha"`
	Beta      float64    `json:"beta"`
	Gamma     float64    `json:"gamma"`
	Visible   *bool      `json:"visible,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type remotePose struct {
	pose     MarkerPose
	received time.Time
}

// MQTTTracker bridges a tracker attached to another machine. It keeps the
// latest pose per marker and reports markers older than staleAfter as hidden.
type MQTTTracker struct {
	mu         sync.RWMutex
	client     mqtt.Client
	topic      string
	staleAfter time.Duration
	latest     map[MarkerID]remotePose
	subscribed bool
	now        func() time.Time
}

// NewMQTTTracker creates a tracker fed by pose messages on cfg.Topic
func NewMQTTTracker(cfg TrackerConfig, client mqtt.Client) *MQTTTracker {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultPoseTopic
	}
	stale := cfg.StaleAfter
	if stale <= 0 {
		stale = DefaultStaleAfter
	}
	return &MQTTTracker{
		client:     client,
		topic:      topic,
		staleAfter: stale,
		latest:     make(map[MarkerID]remotePose),
		now:        time.Now,
	}
}

func (t *MQTTTracker) Name() string { return TrackerMQTT }

func (t *MQTTTracker) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subscribed {
		return nil
	}
	token := t.client.Subscribe(t.topic, 0, t.handleMessage)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribing to %s: timeout", t.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", t.topic, err)
	}
	t.subscribed = true
	log.Printf("[TRACKER] Subscribed to remote poses on %s", t.topic)
	return nil
}

func (t *MQTTTracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.subscribed {
		return nil
	}
	t.subscribed = false
	token := t.client.Unsubscribe(t.topic)
	token.WaitTimeout(2 * time.Second)
	return token.Error()
}

func (t *MQTTTracker) handleMessage(client mqtt.Client, msg mqtt.Message) {
	var p posePayload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		log.Printf("[TRACKER] Error decoding pose on %s: %v", msg.Topic(), err)
		return
	}
	if p.Marker == "" {
		log.Printf("[TRACKER] Pose on %s has no marker, skipping", msg.Topic())
		return
	}
	visible := true
	if p.Visible != nil {
		visible = *p.Visible
	}
	received := t.now()
	if p.Timestamp != nil {
		received = *p.Timestamp
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.latest[p.Marker] = remotePose{
		pose: MarkerPose{
			Pose:    Pose{X: p.X, Y: p.Y, Z: p.Z, Alpha: p.Alpha, Beta: p.Beta, Gamma: p.Gamma},
			Visible: visible,
		},
		received: received,
	}
}

func (t *MQTTTracker) Sample(ctx context.Context) (TrackerSample, error) {
	if err := ctx.Err(); err != nil {
		return TrackerSample{}, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.subscribed {
		return TrackerSample{}, ErrTrackerNotConnected
	}

	now := t.now()
	sample := NewTrackerSample(now)
	for id, rp := range t.latest {
		mp := rp.pose
		if now.Sub(rp.received) > t.staleAfter {
			mp.Visible = false
		}
		sample.Markers[id] = mp
	}
	return sample, nil
}
