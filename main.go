package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile        string
	RegistrationCache string
	DBPath            string
	Navigate          bool
	MqttMode          bool
	HttpMode          bool
	HttpPort          int
	Register          bool
	Refine            bool
	SurfaceFile       string
	PointsFile        string
	CheckTracker      bool
	Samples           int
	RenderView        bool
	OutputFile        string
	Debug             bool
}

// Runner is the set of modes main can dispatch to
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunNavigate() error
	RunRegister() error
	RunRefine() error
	RunCheckTracker() error
	RunRenderView() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("coregnav", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.RegistrationCache, "registration-cache", "", "Path to registration cache file (overrides config)")
	fs.StringVar(&opts.DBPath, "db", "", "Path to session database (overrides config storage.path)")
	fs.BoolVar(&opts.Navigate, "navigate", false, "Run the coregistration loop")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Publish coordinates over MQTT and accept remote targets")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP control and view server")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")
	fs.BoolVar(&opts.Register, "register", false, "Register using the fiducials in the config file and exit")
	fs.BoolVar(&opts.Refine, "refine", false, "Refine the cached registration with ICP and exit")
	fs.StringVar(&opts.SurfaceFile, "surface", "", "Scalp surface STL for --refine (overrides config icp.surface)")
	fs.StringVar(&opts.PointsFile, "points", "", "JSON file of image-space head points for --refine")
	fs.BoolVar(&opts.CheckTracker, "check-tracker", false, "Connect to the tracker, print samples and exit")
	fs.IntVar(&opts.Samples, "samples", 10, "Number of samples for --check-tracker")
	fs.BoolVar(&opts.RenderView, "render-view", false, "Render the slice view for the current tracker pose and exit")
	fs.StringVar(&opts.OutputFile, "output", "view.svg", "Output file for --render-view (.svg or .png)")
	fs.BoolVar(&opts.Debug, "debug", false, "Verbose per-tick logging")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "coregnav version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.Register:
		return app.RunRegister()
	case opts.Refine:
		return app.RunRefine()
	case opts.CheckTracker:
		return app.RunCheckTracker()
	case opts.RenderView:
		return app.RunRenderView()
	case opts.Navigate || opts.MqttMode || opts.HttpMode:
		return app.RunNavigate()
	}

	fmt.Fprintln(out, "coregnav service starting...")
	fmt.Fprintln(out, "Use --navigate to run the coregistration loop")
	fmt.Fprintln(out, "Use --navigate --mqtt to publish coordinates over MQTT")
	fmt.Fprintln(out, "Use --navigate --http to serve the control API and slice view")
	fmt.Fprintln(out, "Use --register to register from configured fiducials")
	fmt.Fprintln(out, "Use --refine --points FILE to refine the registration with ICP")
	fmt.Fprintln(out, "Use --check-tracker to print tracker samples")
	fmt.Fprintln(out, "Use --render-view --output FILE to render the slice view")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - tracker, MQTT and navigation settings")
	fmt.Fprintln(out, "  .registration-cache.json - last registration and ICP points")
	return nil
}
