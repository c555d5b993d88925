package nav

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialPort defines the minimal interface needed for a tracker serial port
type SerialPort interface {
	io.ReadWriter
	io.Closer
}

// PortOpener opens the named serial port
type PortOpener func(name string, baud int) (SerialPort, error)

const (
	// serialReadTimeout bounds a single port read. The driver reports an
	// expired read as (0, nil).
	serialReadTimeout = 50 * time.Millisecond
	// serialRecordTimeout bounds reading one full record across all stations
	serialRecordTimeout = 100 * time.Millisecond
)

// ErrSerialTimeout is returned when the device does not deliver a record in time
var ErrSerialTimeout = errors.New("serial tracker: record timed out")

// recordReader turns silent reads and an expired record deadline into
// ErrSerialTimeout, so bufio does not spin on empty reads.
type recordReader struct {
	port     io.Reader
	deadline time.Time
	now      func() time.Time
}

func (r *recordReader) Read(b []byte) (int, error) {
	if !r.deadline.IsZero() && r.now().After(r.deadline) {
		return 0, ErrSerialTimeout
	}
	n, err := r.port.Read(b)
	if n == 0 && err == nil {
		return 0, ErrSerialTimeout
	}
	return n, err
}

// OpenSerialPort opens a real serial port in 8N1 mode
func OpenSerialPort(name string, baud int) (SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("setting read timeout: %w", err)
	}
	return port, nil
}

// DefaultStations maps device station numbers to markers
func DefaultStations() map[int]MarkerID {
	return map[int]MarkerID{1: MarkerProbe, 2: MarkerReference, 3: MarkerCoil}
}

// SerialTracker polls a Polhemus-style ASCII tracker. Each poll sends a
// single-record request and reads one line per station:
//
//	<station> <x> <y> <z> <azimuth> <elevation> <roll>
//
// Positions are millimeters, angles degrees. Azimuth rotates about z,
// elevation about y and roll about x.
type SerialTracker struct {
	mu       sync.Mutex
	portName string
	baud     int
	stations map[int]MarkerID
	open     PortOpener
	port     SerialPort
	link     *recordReader
	reader   *bufio.Reader
	now      func() time.Time
}

// NewSerialTracker creates a serial tracker. A nil opener uses OpenSerialPort.
func NewSerialTracker(cfg TrackerConfig, open PortOpener) *SerialTracker {
	stations := cfg.Stations
	if len(stations) == 0 {
		stations = DefaultStations()
	}
	baud := cfg.BaudRate
	if baud == 0 {
		baud = 115200
	}
	if open == nil {
		open = OpenSerialPort
	}
	return &SerialTracker{
		portName: cfg.Port,
		baud:     baud,
		stations: stations,
		open:     open,
		now:      time.Now,
	}
}

func (s *SerialTracker) Name() string { return TrackerSerial }

func (s *SerialTracker) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	if s.portName == "" {
		return fmt.Errorf("serial tracker: no port configured")
	}
	port, err := s.open(s.portName, s.baud)
	if err != nil {
		return fmt.Errorf("opening serial port %s: %w", s.portName, err)
	}
	s.port = port
	s.link = &recordReader{port: port, now: s.now}
	s.reader = bufio.NewReader(s.link)
	log.Printf("[TRACKER] Opened serial port %s at %d baud (%d stations)", s.portName, s.baud, len(s.stations))
	return nil
}

func (s *SerialTracker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.link = nil
	s.reader = nil
	return err
}

func (s *SerialTracker) Sample(ctx context.Context) (TrackerSample, error) {
	if err := ctx.Err(); err != nil {
		return TrackerSample{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return TrackerSample{}, ErrTrackerNotConnected
	}

	if _, err := s.port.Write([]byte("P")); err != nil {
		return TrackerSample{}, fmt.Errorf("requesting record: %w", err)
	}

	s.link.deadline = s.now().Add(serialRecordTimeout)
	sample, err := s.readRecord()
	if err != nil {
		// Drop the rest of a partial record so the next poll starts clean
		s.reader.Reset(s.link)
		return TrackerSample{}, err
	}
	return sample, nil
}

func (s *SerialTracker) readRecord() (TrackerSample, error) {
	sample := NewTrackerSample(s.now())
	for _, id := range s.stations {
		sample.Markers[id] = MarkerPose{Visible: false}
	}

	got := 0
	for i := 0; i < len(s.stations); i++ {
		line, err := s.reader.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			station, pose, perr := ParseStationRecord(line)
			if perr != nil {
				return TrackerSample{}, perr
			}
			if id, ok := s.stations[station]; ok {
				sample.Markers[id] = MarkerPose{Pose: pose, Visible: true}
			}
			got++
		}
		if err != nil {
			// A short record means the remaining stations were not reported
			if err == io.EOF || (errors.Is(err, ErrSerialTimeout) && got > 0) {
				break
			}
			return TrackerSample{}, fmt.Errorf("reading record: %w", err)
		}
	}
	return sample, nil
}

// ParseStationRecord parses "<station> x y z azimuth elevation roll"
func ParseStationRecord(line string) (int, Pose, error) {
	fields := strings.Fields(line)
	if len(fields) != 7 {
		return 0, Pose{}, fmt.Errorf("parsing tracker record %q: expected 7 fields, got %d", strings.TrimSpace(line), len(fields))
	}
	station, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, Pose{}, fmt.Errorf("parsing station number: %w", err)
	}
	var v [6]float64
	for i := 0; i < 6; i++ {
		v[i], err = strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return 0, Pose{}, fmt.Errorf("parsing tracker record field %d: %w", i+1, err)
		}
	}
	return station, Pose{
		X: v[0], Y: v[1], Z: v[2],
		Gamma: v[3], // azimuth
		Beta:  v[4], // elevation
		Alpha: v[5], // roll
	}, nil
}
