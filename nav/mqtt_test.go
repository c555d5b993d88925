package nav

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMQTT_DisabledWithoutBroker(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	client, err := InitMQTT(&Config{}, nil)
	require.NoError(t, err)
	assert.Nil(t, client)

	client, err = InitMQTT(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestMQTTClient_ControlTopic(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	c := NewMQTTClientWithMock(NewMockClient(), &Config{}, nil)
	assert.Equal(t, "coregnav/target/set", c.ControlTopic())

	c = NewMQTTClientWithMock(NewMockClient(), &Config{MQTT: MQTTConfig{PublishPrefix: "lab"}}, nil)
	assert.Equal(t, "lab/target/set", c.ControlTopic())

	t.Setenv("MQTT_PUBLISH_PREFIX", "env")
	assert.Equal(t, "env/target/set", c.ControlTopic(), "environment wins over config")
}

func TestMQTTClient_TargetMessages(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	var got []*Pose
	mock := NewMockClient()
	c := NewMQTTClientWithMock(mock, &Config{}, func(p *Pose) { got = append(got, p) })

	assert.False(t, c.IsConnected())
	mock.Connect()
	assert.True(t, c.IsConnected())
	topic := c.ControlTopic()
	require.Contains(t, mock.SubscribedTopics(), topic)

	mock.SimulateMessage(topic, []byte(`{"x":1,"y":2,"z":3,"alpha":10}`))
	mock.SimulateMessage(topic, []byte(`not a pose`))
	mock.SimulateMessage(topic, []byte(` clear `))
	mock.SimulateMessage(topic, []byte(`null`))

	require.Len(t, got, 3)
	require.NotNil(t, got[0])
	assert.Equal(t, Pose{X: 1, Y: 2, Z: 3, Alpha: 10}, *got[0])
	assert.Nil(t, got[1])
	assert.Nil(t, got[2])
}

func TestMQTTClient_NoHandlerSkipsSubscription(t *testing.T) {
	mock := NewMockClient()
	c := NewMQTTClientWithMock(mock, &Config{}, nil)
	mock.Connect()
	assert.True(t, c.IsConnected())
	assert.Empty(t, mock.SubscribedTopics())

	c.SetTargetHandler(func(*Pose) {})
	assert.NotNil(t, c.getTargetHandler())
}

func TestMQTTClient_DisconnectStopsConnectLoop(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnectError(errors.New("connection refused"))
	c := NewMQTTClientWithMock(mock, &Config{}, nil)
	c.retryDelay = time.Millisecond

	done := make(chan struct{})
	go func() {
		c.connectWithRetry()
		close(done)
	}()
	require.Eventually(t, func() bool { return mock.ConnectCalls() >= 2 }, time.Second, time.Millisecond)

	c.Disconnect()
	c.Disconnect()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connect loop still running after Disconnect")
	}
	calls := mock.ConnectCalls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, mock.ConnectCalls())
}

func TestMQTTClient_Disconnect(t *testing.T) {
	mock := NewMockClient()
	c := NewMQTTClientWithMock(mock, &Config{}, nil)
	mock.Connect()
	require.True(t, mock.IsConnected())

	c.Disconnect()
	assert.False(t, mock.IsConnected())
	assert.False(t, c.IsConnected())
	assert.Same(t, mock, c.GetClient())
}
