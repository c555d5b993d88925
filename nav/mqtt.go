package nav

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// TargetHandler is called when a remote planner sets or clears the target.
// A nil pose means clear.
type TargetHandler func(target *Pose)

// MQTTClient manages the MQTT connection and the remote control subscription
type MQTTClient struct {
	client        mqtt.Client
	config        *Config
	targetHandler TargetHandler
	isConnected   bool
	mu            sync.RWMutex

	// stop ends the background connect loop
	stop       chan struct{}
	stopOnce   sync.Once
	retryDelay time.Duration
}

// InitMQTT creates the MQTT client with the provided configuration and starts
// connecting in the background.
// If neither MQTT_BROKER nor the config names a broker, MQTT is disabled and this returns nil.
func InitMQTT(config *Config, handler TargetHandler) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("[MQTT] Disabled: MQTT_BROKER not set")
		return nil, nil
	}
	if config == nil {
		config = &Config{}
	}

	client := &MQTTClient{
		config:        config,
		targetHandler: handler,
		stop:          make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "coregnav"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // Preserve subscriptions on reconnect
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential
// backoff until it succeeds or Disconnect is called
func (c *MQTTClient) connectWithRetry() {
	retryDelay := c.retryDelay
	if retryDelay <= 0 {
		retryDelay = 1 * time.Second
	}
	maxRetryDelay := 60 * time.Second

	for {
		select {
		case <-c.stop:
			log.Println("[MQTT] Connect loop stopped")
			return
		default:
		}
		log.Println("[MQTT] Connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] Connected to broker")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] Connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] Connection timeout")
		}

		log.Printf("[MQTT] Retrying connection in %v...", retryDelay)
		select {
		case <-c.stop:
			log.Println("[MQTT] Connect loop stopped")
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// ControlTopic returns the topic remote planners use to set the target
func (c *MQTTClient) ControlTopic() string {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" && c.config != nil {
		prefix = c.config.MQTT.PublishPrefix
	}
	if prefix == "" {
		prefix = "coregnav"
	}
	return prefix + "/target/set"
}

// onConnect is called when the MQTT connection is established
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	if c.getTargetHandler() == nil {
		return
	}

	topic := c.ControlTopic()
	log.Printf("[MQTT] Subscribing to %s for target updates", topic)
	token := client.Subscribe(topic, 0, c.handleTargetMessage)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] Error subscribing to %s: %v", topic, token.Error())
	} else {
		log.Printf("[MQTT] Subscribed to %s", topic)
	}
}

// onConnectionLost is called when the MQTT connection is lost.
// Auto-reconnect is enabled, so this is typically a transient event.
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] Connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] Reconnecting...")
}

// handleTargetMessage accepts a Pose JSON object, or "clear"/null to remove the target
func (c *MQTTClient) handleTargetMessage(client mqtt.Client, msg mqtt.Message) {
	handler := c.getTargetHandler()
	if handler == nil {
		return
	}
	payload := strings.TrimSpace(string(msg.Payload()))
	if payload == "" || payload == "null" || payload == "clear" || payload == `"clear"` {
		log.Printf("[MQTT] Target cleared via %s", msg.Topic())
		handler(nil)
		return
	}

	var pose Pose
	if err := json.Unmarshal([]byte(payload), &pose); err != nil {
		log.Printf("[MQTT] Error decoding target on %s: %v", msg.Topic(), err)
		return
	}
	log.Printf("[MQTT] Target set via %s: (%.1f, %.1f, %.1f)", msg.Topic(), pose.X, pose.Y, pose.Z)
	handler(&pose)
}

// SetTargetHandler registers the callback for remote target updates
func (c *MQTTClient) SetTargetHandler(handler TargetHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetHandler = handler
}

func (c *MQTTClient) getTargetHandler() TargetHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.targetHandler
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect stops any pending connect attempts and gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] Disconnecting from broker...")
		c.client.Disconnect(250) // 250ms quiesce time
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing and subscribing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// NewMQTTClientWithMock wraps a provided mqtt.Client, for tests. A MockClient
// gets the connect handler wired so Connect subscribes the control topic.
func NewMQTTClientWithMock(client mqtt.Client, config *Config, handler TargetHandler) *MQTTClient {
	c := &MQTTClient{
		client:        client,
		config:        config,
		targetHandler: handler,
		stop:          make(chan struct{}),
	}
	if mock, ok := client.(*MockClient); ok {
		mock.SetOnConnect(c.onConnect)
	}
	return c
}
