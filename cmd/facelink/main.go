package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/ayusman/facelink/internal/annotate"
	"github.com/ayusman/facelink/internal/capture"
	"github.com/ayusman/facelink/internal/detector"
	"github.com/ayusman/facelink/internal/link"
	"github.com/ayusman/facelink/internal/log"
	"github.com/ayusman/facelink/internal/pipeline"
	"github.com/ayusman/facelink/internal/server"
	sig "github.com/ayusman/facelink/internal/signal"
	"github.com/ayusman/facelink/internal/store"
	"github.com/ayusman/facelink/internal/tray"
)

type options struct {
	addr           string
	cameraID       int
	cameraFallback int
	synthetic      bool
	detector       string
	model          string
	tick           time.Duration
	transport      string
	baud           int
	channel        uint
	connectTimeout time.Duration
	connectTries   int
	signalFormat   string
	mapping        string
	imageFormat    string
	dbPath         string
	webDir         string
	tray           bool
	logLevel       string
	pretty         bool
	autostart      bool
	connect        string
	listPorts      bool
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.addr, "addr", ":8080", "HTTP listen address")
	flag.IntVar(&o.cameraID, "camera", capture.DefaultDeviceID, "camera device index")
	flag.IntVar(&o.cameraFallback, "camera-fallback", capture.DefaultFallbackID, "device index tried when -camera fails (-1 disables)")
	flag.BoolVar(&o.synthetic, "synthetic", false, "use a generated test pattern instead of a camera")
	flag.StringVar(&o.detector, "detector", string(detector.KindCascade), "face detector: cascade, yunet or mock")
	flag.StringVar(&o.model, "model", "", "cascade XML or ONNX model path")
	flag.DurationVar(&o.tick, "tick", 100*time.Millisecond, "pipeline cycle period (0 reads frames back to back)")
	flag.StringVar(&o.transport, "transport", "rfcomm", "actuator transport: rfcomm or serial")
	flag.IntVar(&o.baud, "baud", 9600, "serial baud rate")
	flag.UintVar(&o.channel, "channel", link.DefaultRFCOMMChannel, "RFCOMM channel")
	flag.DurationVar(&o.connectTimeout, "connect-timeout", 10*time.Second, "per-attempt connect timeout")
	flag.IntVar(&o.connectTries, "connect-attempts", 1, "connect attempts before failing")
	flag.StringVar(&o.signalFormat, "signal-format", string(sig.FormatPixel), "sent value: pixel or normalized")
	flag.StringVar(&o.mapping, "mapping", "left", "box reference point: left or center")
	flag.StringVar(&o.imageFormat, "image-format", string(annotate.FormatJPEG), "published frame encoding: jpeg or png")
	flag.StringVar(&o.dbPath, "db", "", "database path (default ~/.facelink/facelink.db)")
	flag.StringVar(&o.webDir, "web", "", "static web directory (searched when empty)")
	flag.BoolVar(&o.tray, "tray", false, "show a system tray menu")
	flag.StringVar(&o.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flag.BoolVar(&o.pretty, "pretty", false, "human readable console logs")
	flag.BoolVar(&o.autostart, "autostart", false, "start the camera at launch")
	flag.StringVar(&o.connect, "connect", "", `actuator address to connect at launch, or "last"`)
	flag.BoolVar(&o.listPorts, "list-ports", false, "list serial ports and exit")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()
	log.Init(opts.logLevel, opts.pretty)

	if opts.listPorts {
		ports, err := link.ListPorts()
		if err != nil {
			log.L().Fatal().Err(err).Msg("list serial ports")
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	if err := run(opts); err != nil {
		log.L().Fatal().Err(err).Msg("facelink")
	}
}

func run(opts options) error {
	logger := log.Component("main")

	st, err := openStore(opts.dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	cam := newCamera(opts)
	det, err := newDetector(opts)
	if err != nil {
		return err
	}

	l, err := newLink(opts)
	if err != nil {
		det.Close()
		return err
	}
	rec := st.NewLinkRecorder(opts.transport)
	defer rec.Close()
	l.OnStateChange(rec.Observe)

	pcfg, err := pipelineConfig(opts)
	if err != nil {
		det.Close()
		return err
	}
	p, err := pipeline.New(cam, det, l, pcfg)
	if err != nil {
		det.Close()
		return err
	}
	defer p.Close()

	webDir := opts.webDir
	if webDir == "" {
		webDir = findWebDir()
	}
	if webDir != "" {
		logger.Info().Str("dir", webDir).Msg("serving static files")
	}

	httpSrv := &http.Server{
		Addr: opts.addr,
		Handler: server.New(server.Config{
			StaticDir:  webDir,
			Store:      st,
			Controller: p,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", opts.addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if opts.autostart {
		if err := p.Start(); err != nil {
			logger.Warn().Err(err).Msg("autostart")
		}
	}
	if opts.connect != "" {
		go autoConnect(ctx, p, st, opts.connect)
	}

	if opts.tray {
		runTray(ctx, stop, p, viewerURL(opts.addr))
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}

func openStore(dbPath string) (*store.Store, error) {
	if dbPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("home directory: %w", err)
		}
		dbPath = filepath.Join(homeDir, ".facelink", "facelink.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return store.New(dbPath)
}

func newCamera(opts options) capture.Camera {
	if opts.synthetic {
		return capture.NewSyntheticCamera(capture.DefaultWidth, capture.DefaultHeight)
	}
	cfg := capture.DefaultConfig()
	cfg.DeviceID = opts.cameraID
	cfg.FallbackID = opts.cameraFallback
	return capture.NewCamera(cfg)
}

func newDetector(opts options) (detector.Detector, error) {
	cfg := detector.DefaultConfig()
	cfg.Kind = detector.Kind(opts.detector)
	if opts.model != "" {
		cfg.ModelPath = opts.model
	}
	return detector.New(cfg)
}

func newLink(opts options) (*link.Link, error) {
	cfg := link.DefaultConfig()
	cfg.ConnectTimeout = opts.connectTimeout
	cfg.ConnectAttempts = opts.connectTries

	switch opts.transport {
	case "rfcomm":
		return link.New(&link.RFCOMMDialer{Channel: uint8(opts.channel)}, cfg), nil
	case "serial":
		return link.New(link.NewSerialDialer(link.PortOptions{BaudRate: opts.baud}), cfg), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", opts.transport)
	}
}

func pipelineConfig(opts options) (pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()
	cfg.TickInterval = opts.tick

	format, err := sig.ParseFormat(opts.signalFormat)
	if err != nil {
		return cfg, err
	}
	cfg.SignalFormat = format

	mapping, err := sig.ParseMapping(opts.mapping)
	if err != nil {
		return cfg, err
	}
	cfg.Mapping = mapping

	imageFormat, err := annotate.ParseFormat(opts.imageFormat)
	if err != nil {
		return cfg, err
	}
	cfg.ImageFormat = imageFormat
	return cfg, nil
}

// resolveConnectAddress expands "last" to the most recently connected
// device.
func resolveConnectAddress(value string, st *store.Store) (string, error) {
	if value != "last" {
		return value, nil
	}
	d, err := st.Devices().Last()
	if err != nil {
		return "", fmt.Errorf("last device: %w", err)
	}
	return d.Address, nil
}

func autoConnect(ctx context.Context, p *pipeline.Pipeline, st *store.Store, value string) {
	logger := log.Component("main")
	address, err := resolveConnectAddress(value, st)
	if err != nil {
		logger.Warn().Err(err).Msg("auto connect")
		return
	}
	if err := p.Connect(ctx, address); err != nil {
		logger.Warn().Err(err).Str("address", address).Msg("auto connect")
	}
}

// runTray blocks on the tray's event loop until Quit or ctx ends.
func runTray(ctx context.Context, cancel context.CancelFunc, p *pipeline.Pipeline, viewer string) {
	t := tray.New(p.Running())
	t.SetLinkStatus(p.LinkStatus())
	t.OnCameraToggle(func(on bool) error {
		if on {
			return p.Start()
		}
		return p.Stop()
	})
	t.OnDisconnect(func() { p.Disconnect() })
	t.OnOpenViewer(func() {
		if err := openBrowser(viewer); err != nil {
			logger := log.Component("tray")
			logger.Warn().Err(err).Str("url", viewer).Msg("open viewer")
		}
	})
	t.OnQuit(cancel)

	sub := p.Subscribe(16)
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				t.Quit()
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				switch ev.Kind {
				case pipeline.EventStarted:
					t.SetCameraState(true)
				case pipeline.EventStopped:
					t.SetCameraState(false)
				case pipeline.EventLinkState:
					t.SetLinkStatus(*ev.Link)
				}
			}
		}
	}()

	t.Run()
}

func viewerURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://localhost:8080/"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/"
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.facelink/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	for _, p := range []string{"web", "../web", "../../web"} {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			if absPath, err := filepath.Abs(p); err == nil {
				return absPath
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	homeWebDir := filepath.Join(homeDir, ".facelink", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}
	return ""
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n\n", filepath.Base(os.Args[0]))
		fmt.Fprintln(flag.CommandLine.Output(), strings.TrimSpace(`
facelink tracks the most prominent face on a camera and streams its
horizontal position to a Bluetooth actuator.`))
		fmt.Fprintln(flag.CommandLine.Output())
		flag.PrintDefaults()
	}
}
