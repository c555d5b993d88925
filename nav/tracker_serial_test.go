package nav

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort replays canned device output and records requests
type fakePort struct {
	out     *strings.Reader
	written bytes.Buffer
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error)  { return p.out.Read(b) }
func (p *fakePort) Write(b []byte) (int, error) { return p.written.Write(b) }
func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func fakeOpener(port *fakePort) PortOpener {
	return func(name string, baud int) (SerialPort, error) {
		return port, nil
	}
}

func TestParseStationRecord(t *testing.T) {
	station, pose, err := ParseStationRecord("  2   10.5 -3.25 100.0   45.0 -10.0 5.0\r\n")
	require.NoError(t, err)
	assert.Equal(t, 2, station)
	assert.Equal(t, Pose{X: 10.5, Y: -3.25, Z: 100, Gamma: 45, Beta: -10, Alpha: 5}, pose)

	tests := []string{
		"1 2 3",
		"x 1 2 3 4 5 6",
		"1 1 2 three 4 5 6",
		"1 1 2 3 4 5 6 7",
	}
	for _, line := range tests {
		_, _, err := ParseStationRecord(line)
		assert.Error(t, err, "line %q", line)
	}
}

func TestSerialTracker_Sample(t *testing.T) {
	port := &fakePort{out: strings.NewReader(
		"1 100 0 0 0 0 0\r\n" +
			"2 0 0 0 0 0 0\r\n" +
			"3 0 0 120 0 0 180\r\n")}
	tr := NewSerialTracker(TrackerConfig{Port: "/dev/ttyUSB0"}, fakeOpener(port))

	_, err := tr.Sample(context.Background())
	assert.ErrorIs(t, err, ErrTrackerNotConnected)

	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Connect(context.Background()), "connect is idempotent")

	sample, err := tr.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "P", port.written.String())

	probe, ok := sample.Marker(MarkerProbe)
	require.True(t, ok)
	assert.Equal(t, 100.0, probe.X)
	coil, ok := sample.Marker(MarkerCoil)
	require.True(t, ok)
	assert.Equal(t, 180.0, coil.Alpha)

	require.NoError(t, tr.Close())
	assert.True(t, port.closed)
}

func TestSerialTracker_MissingStation(t *testing.T) {
	// The device stops after two stations: the coil is reported hidden
	port := &fakePort{out: strings.NewReader("1 1 2 3 0 0 0\n2 0 0 0 0 0 0\n")}
	tr := NewSerialTracker(TrackerConfig{Port: "com3"}, fakeOpener(port))
	require.NoError(t, tr.Connect(context.Background()))

	sample, err := tr.Sample(context.Background())
	require.NoError(t, err)
	_, ok := sample.Marker(MarkerCoil)
	assert.False(t, ok)
	assert.False(t, sample.Visibility()[MarkerCoil])
	_, ok = sample.Marker(MarkerProbe)
	assert.True(t, ok)
}

func TestSerialTracker_CustomStations(t *testing.T) {
	port := &fakePort{out: strings.NewReader("4 7 8 9 0 0 0\n")}
	tr := NewSerialTracker(TrackerConfig{Port: "com3", Stations: map[int]MarkerID{4: MarkerProbe}}, fakeOpener(port))
	require.NoError(t, tr.Connect(context.Background()))

	sample, err := tr.Sample(context.Background())
	require.NoError(t, err)
	p, ok := sample.Marker(MarkerProbe)
	require.True(t, ok)
	assert.Equal(t, Vec3{7, 8, 9}, p.Position())
}

func TestSerialTracker_GarbledRecord(t *testing.T) {
	port := &fakePort{out: strings.NewReader("1 garbage\n")}
	tr := NewSerialTracker(TrackerConfig{Port: "com3"}, fakeOpener(port))
	require.NoError(t, tr.Connect(context.Background()))

	_, err := tr.Sample(context.Background())
	assert.Error(t, err)
}

// scriptedPort answers each request with the next canned record, then
// behaves like a driver whose read timeout expired: (0, nil).
type scriptedPort struct {
	records []string
	pending *strings.Reader
	reads   int
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	p.reads++
	if p.pending == nil || p.pending.Len() == 0 {
		return 0, nil
	}
	return p.pending.Read(b)
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	if len(p.records) > 0 {
		p.pending = strings.NewReader(p.records[0])
		p.records = p.records[1:]
	}
	return len(b), nil
}

func (p *scriptedPort) Close() error { return nil }

func scriptedOpener(port *scriptedPort) PortOpener {
	return func(name string, baud int) (SerialPort, error) {
		return port, nil
	}
}

func TestSerialTracker_SilentDevice(t *testing.T) {
	port := &scriptedPort{}
	tr := NewSerialTracker(TrackerConfig{Port: "com3"}, scriptedOpener(port))
	require.NoError(t, tr.Connect(context.Background()))

	start := time.Now()
	_, err := tr.Sample(context.Background())
	assert.ErrorIs(t, err, ErrSerialTimeout)
	assert.Equal(t, 1, port.reads, "an empty read is a timeout, not a retry")
	assert.Less(t, time.Since(start), serialRecordTimeout)
}

func TestSerialTracker_RecordDeadline(t *testing.T) {
	port := &scriptedPort{records: []string{"1 1 2 3 0 0 0\n"}}
	tr := NewSerialTracker(TrackerConfig{Port: "com3"}, scriptedOpener(port))
	require.NoError(t, tr.Connect(context.Background()))

	// The record deadline has passed before the first byte is read
	late := time.Now().Add(time.Hour)
	tr.link.now = func() time.Time { return late }
	_, err := tr.Sample(context.Background())
	assert.ErrorIs(t, err, ErrSerialTimeout)
	assert.Zero(t, port.reads)
}

func TestSerialTracker_PartialRecordThenSilence(t *testing.T) {
	// Two stations arrive, the coil never does: the coil is hidden
	port := &scriptedPort{records: []string{"1 1 2 3 0 0 0\n2 0 0 0 0 0 0\n"}}
	tr := NewSerialTracker(TrackerConfig{Port: "com3"}, scriptedOpener(port))
	require.NoError(t, tr.Connect(context.Background()))

	sample, err := tr.Sample(context.Background())
	require.NoError(t, err)
	_, ok := sample.Marker(MarkerCoil)
	assert.False(t, ok)
	_, ok = sample.Marker(MarkerReference)
	assert.True(t, ok)
}

func TestSerialTracker_GarbledRecordIsDiscarded(t *testing.T) {
	port := &scriptedPort{records: []string{
		"1 garbage\n2 9 9 9 0 0 0\n3 9 9 9 0 0 0\n",
		"1 5 0 0 0 0 0\n2 0 0 0 0 0 0\n3 0 0 0 0 0 0\n",
	}}
	tr := NewSerialTracker(TrackerConfig{Port: "com3"}, scriptedOpener(port))
	require.NoError(t, tr.Connect(context.Background()))

	_, err := tr.Sample(context.Background())
	require.Error(t, err)

	// The next poll reads the fresh record, not the leftovers of the bad one
	sample, err := tr.Sample(context.Background())
	require.NoError(t, err)
	ref, ok := sample.Marker(MarkerReference)
	require.True(t, ok)
	assert.Equal(t, 0.0, ref.X)
	probe, ok := sample.Marker(MarkerProbe)
	require.True(t, ok)
	assert.Equal(t, 5.0, probe.X)
}

func TestSerialTracker_ConnectErrors(t *testing.T) {
	tr := NewSerialTracker(TrackerConfig{}, nil)
	assert.Error(t, tr.Connect(context.Background()), "no port configured")

	failing := func(name string, baud int) (SerialPort, error) {
		assert.Equal(t, 115200, baud)
		return nil, errors.New("permission denied")
	}
	tr = NewSerialTracker(TrackerConfig{Port: "/dev/ttyS9"}, failing)
	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/ttyS9")
	assert.NoError(t, tr.Close(), "closing an unopened tracker is a no-op")
}
