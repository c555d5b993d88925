package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/coregnav/nav"
	"github.com/kwv/coregnav/navdb"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *nav.Config
	Tracker    nav.Tracker
	Coreg      *nav.Coregistrator
	Session    *nav.Session
	State      *nav.StateTracker
	MQTTClient *nav.MQTTClient
	Publisher  *nav.Publisher
	DB         *navdb.DB
	Recorder   *navdb.Recorder
	View       *nav.ViewRenderer

	// CLI Flags (effectively dependencies)
	ConfigFile        string
	RegistrationCache string
	DBPath            string
	SurfaceFile       string
	PointsFile        string
	OutputFile        string
	Samples           int
	HttpPort          int
	MqttMode          bool
	HttpMode          bool
	Debug             bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		State: nav.NewStateTracker(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.RegistrationCache = opts.RegistrationCache
	a.DBPath = opts.DBPath
	a.SurfaceFile = opts.SurfaceFile
	a.PointsFile = opts.PointsFile
	a.OutputFile = opts.OutputFile
	a.Samples = opts.Samples
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
	a.Debug = opts.Debug
}

// loadConfig reads the config file, falling back to defaults when it is
// missing, then applies CLI overrides.
func (a *App) loadConfig() error {
	if a.Config != nil {
		a.applyOverrides()
		return nil
	}

	var config *nav.Config
	if _, err := os.Stat(a.ConfigFile); err == nil {
		config, err = nav.LoadConfig(a.ConfigFile)
		if err != nil {
			return fmt.Errorf("failed to load config %s: %w", a.ConfigFile, err)
		}
		log.Printf("Loaded config from %s", a.ConfigFile)
	} else {
		log.Printf("Warning: config %s not found, using defaults (debug tracker)", a.ConfigFile)
		config = nav.DefaultConfig()
	}
	a.Config = config
	a.applyOverrides()
	return nil
}

func (a *App) applyOverrides() {
	if a.RegistrationCache != "" {
		a.Config.Navigation.RegistrationPath = a.RegistrationCache
	}
	if a.DBPath != "" {
		a.Config.Storage.Path = a.DBPath
	}
	if a.SurfaceFile != "" {
		a.Config.ICP.SurfacePath = a.SurfaceFile
	}
	if a.Debug {
		a.Config.Debug = true
	}
}

// needsMQTT reports whether this run needs a broker connection
func (a *App) needsMQTT() bool {
	return a.MqttMode || a.Config.Tracker.Type == nav.TrackerMQTT
}

// connectMQTT starts the MQTT client and the publisher
func (a *App) connectMQTT() error {
	client, err := nav.InitMQTT(a.Config, a.setTarget)
	if err != nil {
		return fmt.Errorf("failed to initialize MQTT: %w", err)
	}
	if client == nil {
		return errors.New("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
	}
	a.MQTTClient = client
	a.Publisher = nav.NewPublisher(client.GetClient())
	a.configurePublisher()
	fmt.Println("MQTT navigation publisher initialized")
	return nil
}

// configurePublisher applies the mqtt section to the publisher
func (a *App) configurePublisher() {
	a.Publisher.SetPrefix(a.Config.MQTT.PublishPrefix)
	a.Publisher.SetQoS(byte(a.Config.MQTT.QoS))
	if a.Config.MQTT.Retain != nil {
		a.Publisher.SetRetain(*a.Config.MQTT.Retain)
	}
}

// initNavigation builds the tracker, the coregistration loop and everything
// hanging off it. client is only needed for the mqtt tracker.
func (a *App) initNavigation(client mqtt.Client) error {
	tracker, err := nav.NewTracker(a.Config.Tracker, client)
	if err != nil {
		return err
	}
	a.Tracker = tracker
	a.Coreg = nav.NewCoregistrator(tracker, a.Config.Navigation, a.Config.Debug)
	a.Session = nav.NewSession(a.Coreg, a.Config)
	a.View = nav.NewViewRenderer(a.Config.Image)
	if a.State == nil {
		a.State = nav.NewStateTracker()
	}

	a.Session.OnRegistration(a.onRegistration)

	if a.Config.ICP.Enabled && a.Config.ICP.SurfacePath != "" {
		surface, err := nav.LoadSurfaceSTL(a.Config.ICP.SurfacePath)
		if err != nil {
			return fmt.Errorf("loading surface: %w", err)
		}
		a.Session.SetSurface(surface)
		log.Printf("[ICP] Loaded surface %s (%d vertices)", a.Config.ICP.SurfacePath, surface.Len())
	}
	return nil
}

// restoreRegistration installs the cached registration, if any
func (a *App) restoreRegistration() {
	path := a.Config.Navigation.RegistrationPath
	cache, err := nav.LoadRegistration(path)
	if err != nil {
		log.Printf("Warning: Failed to load registration cache %s: %v", path, err)
		return
	}
	if cache == nil {
		log.Printf("Warning: No registration cache found at %s. Collect fiducials and register.", path)
		return
	}
	a.Session.Restore(cache)
	log.Printf("Loaded registration cache from %s", path)
}

// setTarget applies a target from MQTT or HTTP; nil clears it
func (a *App) setTarget(p *nav.Pose) {
	a.Coreg.SetTarget(p)
	if a.Recorder != nil {
		a.Recorder.ResetTarget()
	}
	if p == nil {
		a.State.ClearTarget()
		log.Printf("[NAV] Target cleared")
		return
	}
	log.Printf("[NAV] Target set to (%.2f, %.2f, %.2f)", p.X, p.Y, p.Z)
}

// onRegistration fans a new registration out to the publisher and recorder
func (a *App) onRegistration(r *nav.Registration) {
	if a.View != nil {
		a.View.ClearTrail()
	}
	if a.Publisher != nil {
		if err := a.Publisher.PublishRegistration(r); err != nil {
			log.Printf("Error publishing registration: %v", err)
		}
	}
	if a.Recorder != nil {
		if err := a.Recorder.RecordRegistration(context.Background(), r); err != nil && !errors.Is(err, navdb.ErrNoSession) {
			log.Printf("[DB] Error recording registration: %v", err)
		}
	}
}

// handleCoordinate is the coordinate queue consumer
func (a *App) handleCoordinate(ctx context.Context, c nav.NavCoordinate) error {
	a.State.UpdateCoordinate(c)
	a.View.Record(c)

	var errs []error
	if a.Publisher != nil {
		if err := a.Publisher.PublishCoordinate(c); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Recorder != nil {
		if err := a.Recorder.RecordCoordinate(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleTarget is the target guidance consumer
func (a *App) handleTarget(ctx context.Context, t nav.TargetStatus) error {
	// A status computed before the target was cleared is stale
	if _, ok := a.Coreg.Target(); !ok {
		return nil
	}
	a.State.UpdateTarget(t)

	var errs []error
	if a.Publisher != nil {
		if err := a.Publisher.PublishTarget(t); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Recorder != nil {
		if _, err := a.Recorder.RecordTarget(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleSeed is the tractography seed consumer
func (a *App) handleSeed(s nav.TractSeed) error {
	a.State.UpdateSeed(s)
	if a.Publisher != nil {
		return a.Publisher.PublishSeed(s)
	}
	return nil
}

// startLoop runs the coregistration loop and its consumers until ctx is done.
// The returned WaitGroup completes once every goroutine has exited.
func (a *App) startLoop(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		if err := a.Coreg.Run(ctx); err != nil {
			log.Printf("[NAV] Loop error: %v", err)
		}
		a.Coreg.Close()
	}()
	go func() {
		defer wg.Done()
		nav.Consume(ctx, "coord", a.Coreg.Coords, func(c nav.NavCoordinate) error {
			return a.handleCoordinate(ctx, c)
		})
	}()
	go func() {
		defer wg.Done()
		nav.Consume(ctx, "target", a.Coreg.Targets, func(t nav.TargetStatus) error {
			return a.handleTarget(ctx, t)
		})
	}()
	go func() {
		defer wg.Done()
		nav.Consume(ctx, "seed", a.Coreg.Seeds, a.handleSeed)
	}()
	return &wg
}

// openRecorder opens the session database when storage is configured
func (a *App) openRecorder(ctx context.Context) error {
	if a.Config.Storage.Path == "" {
		return nil
	}
	db, err := navdb.Open(a.Config.Storage.Path)
	if err != nil {
		return err
	}
	a.DB = db
	a.Recorder = navdb.NewRecorder(db)
	if _, err := a.Recorder.StartSession(ctx, a.Tracker.Name(), a.Coreg.RefMode()); err != nil {
		return err
	}
	if reg := a.Coreg.Registration(); reg != nil {
		a.onRegistration(reg)
	}
	return nil
}

// RunNavigate runs the coregistration loop with MQTT and/or HTTP outputs
func (a *App) RunNavigate() error {
	fmt.Println("Starting coregnav navigation...")

	if err := a.loadConfig(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var client mqtt.Client
	if a.needsMQTT() {
		if err := a.connectMQTT(); err != nil {
			return err
		}
		client = a.MQTTClient.GetClient()
		defer a.MQTTClient.Disconnect()
	}

	if err := a.initNavigation(client); err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := a.Tracker.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting tracker %s: %w", a.Tracker.Name(), err)
	}
	defer a.Tracker.Close()
	log.Printf("[TRACKER] Connected to %s tracker", a.Tracker.Name())

	if err := a.openRecorder(ctx); err != nil {
		return fmt.Errorf("opening session database: %w", err)
	}
	if a.DB != nil {
		defer a.DB.Close()
		defer func() {
			if err := a.Recorder.EndSession(context.Background()); err != nil {
				log.Printf("[DB] Error closing session: %v", err)
			}
		}()
	}

	a.restoreRegistration()

	var server *http.Server
	if a.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
				stop()
			}
		}()
	}

	wg := a.startLoop(ctx)
	a.printServiceInfo()

	<-ctx.Done()
	fmt.Println("\nShutting down navigation...")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
		cancel()
	}
	wg.Wait()
	fmt.Println("Navigation stopped")
	return nil
}

func (a *App) printServiceInfo() {
	fmt.Println("\nNavigation Running")
	fmt.Println("==================")
	fmt.Printf("Tracker: %s, reference mode: %s, interval: %v\n",
		a.Tracker.Name(), a.Coreg.RefMode(), a.Coreg.Config().Interval)
	if a.Coreg.Registration() == nil {
		fmt.Println("No registration yet: collect fiducials and POST /registration")
	}

	if a.Publisher != nil {
		fmt.Println("\nMQTT:")
		fmt.Printf("  Coordinates: %s\n", a.Publisher.CoordTopic())
		fmt.Printf("  Target:      %s\n", a.Publisher.TargetTopic())
		fmt.Printf("  Seeds:       %s\n", a.Publisher.SeedTopic())
		fmt.Printf("  Control:     %s\n", a.MQTTClient.ControlTopic())
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET  /health                     - Health check")
		fmt.Println("  GET  /coord                      - Latest image-space coordinate")
		fmt.Println("  GET  /status                     - Loop and queue counters")
		fmt.Println("  PUT  /fiducials/image/{index}    - Set image fiducial")
		fmt.Println("  POST /fiducials/tracker/{index}  - Capture probe as tracker fiducial")
		fmt.Println("  POST /registration               - Register from fiducials")
		fmt.Println("  POST /icp/points, /icp/run       - Collect head points and refine")
		fmt.Println("  PUT  /target, DELETE /target     - Set or clear the target")
		fmt.Println("  GET  /view.svg, /view.png        - Slice cursor view")
		fmt.Println("  GET  /stream                     - WebSocket coordinate stream")
	}

	fmt.Println("\nPress Ctrl+C to stop")
}

// RunRegister registers using the fiducials in the config file and saves the cache
func (a *App) RunRegister() error {
	if err := a.loadConfig(); err != nil {
		return err
	}

	fs := nav.FiducialSetFromConfig(a.Config.Fiducials)
	reg, err := nav.Register(fs, a.Config.Navigation.Method, a.Config.Navigation.RefMode)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	fmt.Printf("Registration (%s, %s reference)\n", reg.Method, reg.RefMode)
	for i, r := range reg.Residuals {
		fmt.Printf("  %-10s residual: %.3fmm\n", nav.FiducialNames[i], r)
	}
	fmt.Printf("FRE: %.3fmm (%s)\n", reg.FRE, reg.Quality())

	if err := nav.CheckFRE(reg, a.Config.Navigation.MaxFRE); err != nil {
		return err
	}

	path := a.Config.Navigation.RegistrationPath
	if err := nav.SaveRegistration(path, &nav.RegistrationCache{Registration: reg}); err != nil {
		return fmt.Errorf("saving registration: %w", err)
	}
	fmt.Printf("Saved registration to %s\n", path)
	return nil
}

// RunRefine refines the cached registration with ICP against the surface
func (a *App) RunRefine() error {
	if err := a.loadConfig(); err != nil {
		return err
	}

	path := a.Config.Navigation.RegistrationPath
	cache, err := nav.LoadRegistration(path)
	if err != nil {
		return fmt.Errorf("loading registration cache: %w", err)
	}
	if cache == nil || cache.Registration == nil {
		return fmt.Errorf("%w: run --register first", nav.ErrNoRegistration)
	}

	surfacePath := a.Config.ICP.SurfacePath
	if surfacePath == "" {
		return errors.New("no surface given: use --surface or icp.surface")
	}
	surface, err := nav.LoadSurfaceSTL(surfacePath)
	if err != nil {
		return err
	}

	points := cache.ICPPoints
	if a.PointsFile != "" {
		points, err = loadPoints(a.PointsFile)
		if err != nil {
			return err
		}
	}

	result, err := nav.RunICP(points, surface, nav.Identity4(), nav.ICPConfigFromSettings(a.Config.ICP))
	if err != nil {
		return fmt.Errorf("ICP failed: %w", err)
	}
	fmt.Printf("ICP over %d points against %d surface vertices\n", len(points), surface.Len())
	fmt.Printf("  Error: %.3fmm -> %.3fmm\n", result.InitialError, result.Error)
	fmt.Printf("  Iterations: %d (converged=%v, inliers=%.0f%%)\n",
		result.Iterations, result.Converged, result.InlierFraction*100)

	if !nav.ValidateICP(result.Transform, nav.MaxICPShift) {
		return errors.New("ICP correction rejected: not rigid or shift too large")
	}

	cache.Registration = cache.Registration.WithICP(&result.Transform, result.Error)
	cache.ICPPoints = points
	if err := nav.SaveRegistration(path, cache); err != nil {
		return fmt.Errorf("saving registration: %w", err)
	}
	fmt.Printf("Saved refined registration to %s\n", path)
	return nil
}

// loadPoints reads a JSON array of {"x","y","z"} points
func loadPoints(path string) ([]nav.Vec3, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading points: %w", err)
	}
	var points []nav.Vec3
	if err := json.Unmarshal(data, &points); err != nil {
		return nil, fmt.Errorf("parsing points %s: %w", path, err)
	}
	return points, nil
}

// connectStandalone builds and connects the tracker for the one-shot modes
func (a *App) connectStandalone(ctx context.Context) error {
	var client mqtt.Client
	if a.Config.Tracker.Type == nav.TrackerMQTT {
		if err := a.connectMQTT(); err != nil {
			return err
		}
		client = a.MQTTClient.GetClient()
	}
	if err := a.initNavigation(client); err != nil {
		return err
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return a.Tracker.Connect(connectCtx)
}

func (a *App) closeStandalone() {
	if a.Tracker != nil {
		a.Tracker.Close()
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
}

// RunCheckTracker prints a few samples so marker visibility can be checked
func (a *App) RunCheckTracker() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	ctx := context.Background()
	if err := a.connectStandalone(ctx); err != nil {
		return fmt.Errorf("connecting tracker: %w", err)
	}
	defer a.closeStandalone()

	n := a.Samples
	if n <= 0 {
		n = 1
	}
	interval := a.Coreg.Config().Interval
	for i := 0; i < n; i++ {
		if i > 0 {
			time.Sleep(interval)
		}
		sample, err := a.Tracker.Sample(ctx)
		if err != nil {
			fmt.Printf("[%d] error: %v\n", i+1, err)
			continue
		}
		fmt.Printf("[%d] %s\n", i+1, sample.Timestamp.Format(time.RFC3339Nano))
		for _, id := range nav.AllMarkers {
			p, ok := sample.Marker(id)
			if !ok {
				fmt.Printf("  %-10s not visible\n", id)
				continue
			}
			fmt.Printf("  %-10s (%8.2f, %8.2f, %8.2f) a=%7.2f b=%7.2f g=%7.2f\n",
				id, p.X, p.Y, p.Z, p.Alpha, p.Beta, p.Gamma)
		}
		if m, err := nav.TrackerSpaceMatrix(sample, nav.MarkerProbe, nav.RefModeDynamic); err == nil {
			t := m.TranslationPart()
			fmt.Printf("  probe/ref  (%8.2f, %8.2f, %8.2f)\n", t.X, t.Y, t.Z)
		}
	}
	return nil
}

// RunRenderView renders the slice view for the current tracker pose
func (a *App) RunRenderView() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	ctx := context.Background()
	if err := a.connectStandalone(ctx); err != nil {
		return fmt.Errorf("connecting tracker: %w", err)
	}
	defer a.closeStandalone()

	a.restoreRegistration()

	snap := nav.ViewSnapshot{}
	if err := a.Coreg.Tick(ctx); err != nil {
		log.Printf("Warning: no coordinate for view: %v", err)
	} else if c, ok := a.Coreg.Coords.TryGet(); ok {
		snap.Coordinate = &c
		a.View.Record(c)
		if s, ok := a.Coreg.Seeds.TryGet(); ok {
			snap.Seed = &s
		}
	}

	f, err := os.Create(a.OutputFile)
	if err != nil {
		return fmt.Errorf("creating %s: %w", a.OutputFile, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(a.OutputFile)) {
	case ".png":
		err = a.View.RenderPNG(f, snap)
	default:
		err = a.View.RenderSVG(f, snap)
	}
	if err != nil {
		return fmt.Errorf("rendering view: %w", err)
	}
	fmt.Printf("Saved view to %s\n", a.OutputFile)
	return nil
}
