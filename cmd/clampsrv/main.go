package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nasa-jpl/patchclamp/board"
	"github.com/nasa-jpl/patchclamp/generichttp/clamp"
	"github.com/nasa-jpl/patchclamp/transport"
	"github.com/nasa-jpl/patchclamp/waveform"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "clampsrv.yml"

	// EnvPrefix starts environment variables that override the config file,
	// e.g. CLAMPSRV_BOARD__SAMPLERATE=10000
	EnvPrefix = "CLAMPSRV_"

	k = koanf.New(".")
)

// Config is the server configuration
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"addr" koanf:"addr"`

	// Endpoint is the URL prefix of the board's routes
	Endpoint string `yaml:"endpoint" koanf:"endpoint"`

	// Mock replaces the USB board with a simulated one
	Mock bool `yaml:"mock" koanf:"mock"`

	VendorID  uint16 `yaml:"vendorID" koanf:"vendorID"`
	ProductID uint16 `yaml:"productID" koanf:"productID"`

	Board board.Config `yaml:"board" koanf:"board"`

	// StepSize and Offset convert discrete DAC values to volts or amps
	StepSize float64 `yaml:"stepSize" koanf:"stepSize"`
	Offset   float64 `yaml:"offset" koanf:"offset"`

	// DataDir is where recordings are written
	DataDir string `yaml:"dataDir" koanf:"dataDir"`

	// ReadPackets is the number of timesteps the acquisition loop asks for
	// per read
	ReadPackets int `yaml:"readPackets" koanf:"readPackets"`

	// FIFOWarnPercent logs a warning when the FIFO is fuller than this
	FIFOWarnPercent float64 `yaml:"fifoWarnPercent" koanf:"fifoWarnPercent"`

	// Profile writes a CPU profile to ProfileDir while the server runs
	Profile    bool   `yaml:"profile" koanf:"profile"`
	ProfileDir string `yaml:"profileDir" koanf:"profileDir"`
}

func defaults() Config {
	return Config{
		Addr:            ":8000",
		Endpoint:        "/clamp",
		VendorID:        0x04B4,
		ProductID:       0x1004,
		Board:           board.DefaultConfig(),
		StepSize:        1e-3,
		DataDir:         ".",
		ReadPackets:     1024,
		FIFOWarnPercent: 75,
		ProfileDir:      ".",
	}
}

// envKey maps CLAMPSRV_BOARD__SAMPLERATE to board.sampleRate, matching
// loaded keys without regard to case
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	key = strings.Replace(key, "__", ".", -1)
	for _, known := range k.Keys() {
		if strings.ToLower(known) == key {
			return known
		}
	}
	return key
}

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		log.Fatalf("error loading environment: %v", err)
	}
}

func root() {
	str := `clampsrv drives a patch-clamp acquisition board and exposes it over HTTP.
Stimuli are compiled and uploaded, runs are started and stopped, and the
acquired data is recorded to .clp files, all through the routes under the
configured endpoint.  Prometheus metrics are served at /metrics.

Usage:
	clampsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `clampsrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

mkconf writes the defaults to clampsrv.yml.  Every value may be overridden
by an environment variable with the prefix CLAMPSRV_; nested keys are joined
with a double underscore, e.g. CLAMPSRV_BOARD__CHIPS=4.

With mock: true no hardware is needed; a simulated board answers every
command and produces data.

GET <endpoint>/endpoints lists the routes.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("clampsrv version %v\n", Version)
}

func openTransport(c Config) (transport.Transport, error) {
	if c.Mock {
		log.Println("using a simulated board")
		return transport.NewSim(), nil
	}
	log.Printf("opening USB device %04x:%04x", c.VendorID, c.ProductID)
	return transport.OpenUSB(c.VendorID, c.ProductID)
}

// BuildMux mounts the board's routes and the metrics endpoint
func BuildMux(c Config, h *clamp.HTTPBoard) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Mount(c.Endpoint, h.Router())
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	if c.Profile {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(c.ProfileDir), profile.NoShutdownHook).Stop()
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	t, err := openTransport(c)
	if err != nil {
		log.Fatalf("error opening board: %v", err)
	}
	b, err := board.New(t, c.Board)
	if err != nil {
		t.Close()
		log.Fatalf("error configuring board: %v", err)
	}
	defer b.Close()
	b.OnStats(func(s board.Stats) {
		if s.PercentageFull > c.FIFOWarnPercent {
			log.Printf("FIFO %.0f%% full, %v behind", s.PercentageFull, s.Latency)
		}
	})

	creator := waveform.Creator{SampleRate: c.Board.SampleRate, AppliedStepSize: c.StepSize, Offset: c.Offset}
	h := clamp.NewHTTPBoard(b, creator, c.DataDir)
	if err := clamp.RegisterMetrics(prometheus.DefaultRegisterer, b); err != nil {
		log.Fatal(err)
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		err := b.Pump(ctx, c.ReadPackets)
		if err != nil && ctx.Err() == nil {
			log.Printf("acquisition stopped: %v", err)
			cancel()
		}
	}()

	srv := &http.Server{Addr: c.Addr, Handler: BuildMux(c, h)}
	go func() {
		<-ctx.Done()
		shut, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shut)
	}()
	log.Println("now listening for requests at ", c.Addr+c.Endpoint)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Println(err)
	}
	cancel()
	<-pumpDone

	if status, err := h.StopRecording(); err == nil {
		log.Printf("recording closed at shutdown: %d frames in %v", status.Frames, status.Paths)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
