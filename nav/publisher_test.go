package nav

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPublisher_Prefix(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	p := NewPublisher(nil)
	assert.Equal(t, "coregnav", p.Prefix())
	assert.Equal(t, "coregnav/coord", p.CoordTopic())
	assert.Equal(t, "coregnav/target", p.TargetTopic())
	assert.Equal(t, "coregnav/tracts/seed", p.SeedTopic())
	assert.Equal(t, "coregnav/registration", p.RegistrationTopic())

	t.Setenv("MQTT_PUBLISH_PREFIX", "ward3")
	p = NewPublisher(nil)
	assert.Equal(t, "ward3/coord", p.CoordTopic())

	p.SetPrefix("")
	assert.Equal(t, "ward3", p.Prefix(), "empty prefix is ignored")
	p.SetPrefix("lab")
	assert.Equal(t, "lab/target", p.TargetTopic())
}

func TestPublisher_PublishCoordinate(t *testing.T) {
	client := NewConnectedMockClient()
	p := NewPublisher(client)
	p.SetPrefix("lab")

	coord := NavCoordinate{Sequence: 4, Pose: Pose{X: 1, Y: 2, Z: 3}, Object: MarkerProbe}
	require.NoError(t, p.PublishCoordinate(coord))

	msgs := client.MessagesOn("lab/coord")
	require.Len(t, msgs, 1)
	assert.Equal(t, byte(0), msgs[0].QoS)
	assert.True(t, msgs[0].Retain)

	var got NavCoordinate
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, uint64(4), got.Sequence)
	assert.Equal(t, coord.Pose, got.Pose)

	last, ok := p.LastCoordinate()
	require.True(t, ok)
	assert.Equal(t, uint64(4), last.Sequence)
	assert.Equal(t, uint64(1), p.Published())
}

func TestPublisher_TargetSeedRegistration(t *testing.T) {
	client := NewConnectedMockClient()
	p := NewPublisher(client)
	p.SetPrefix("lab")
	p.SetQoS(1)
	p.SetRetain(false)

	require.NoError(t, p.PublishTarget(TargetStatus{Distance: 2.5, OnTarget: true}))
	require.NoError(t, p.PublishSeed(TractSeed{Seed: Vec3{1, 2, 3}}))
	require.NoError(t, p.PublishRegistration(&Registration{Method: MethodBasis, FRE: 1.2, ChangeOfBasis: Identity4()}))
	require.NoError(t, p.PublishRegistration(nil))

	target := client.MessagesOn("lab/target")
	require.Len(t, target, 1)
	assert.Equal(t, byte(1), target[0].QoS)
	assert.False(t, target[0].Retain)
	assert.Contains(t, string(target[0].Payload), `"onTarget":true`)

	assert.Len(t, client.MessagesOn("lab/tracts/seed"), 1)

	reg := client.MessagesOn("lab/registration")
	require.Len(t, reg, 1)
	var summary RegistrationSummary
	require.NoError(t, json.Unmarshal(reg[0].Payload, &summary))
	assert.Equal(t, MethodBasis, summary.Method)
	assert.Equal(t, "good", summary.Quality)

	p.SetQoS(3)
	require.NoError(t, p.PublishTarget(TargetStatus{}))
	target = client.MessagesOn("lab/target")
	assert.Equal(t, byte(1), target[len(target)-1].QoS, "invalid qos is ignored")
}

func TestPublisher_Errors(t *testing.T) {
	assert.Error(t, NewPublisher(nil).PublishSeed(TractSeed{}))

	client := NewMockClient()
	p := NewPublisher(client)
	assert.Error(t, p.PublishCoordinate(NavCoordinate{}), "not connected")

	client.SetConnected(true)
	client.SetPublishError(errors.New("broker full"))
	err := p.PublishCoordinate(NavCoordinate{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker full")

	_, ok := p.LastCoordinate()
	assert.False(t, ok, "failed publishes are not remembered")
	assert.Zero(t, p.Published())
}
