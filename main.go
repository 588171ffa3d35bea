package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"net/http"
	_ "net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"sentinel/alert"
	"sentinel/config"
	"sentinel/notify"
	"sentinel/serve"
	"sentinel/video"
	"sentinel/video/sink"
)

var (
	configPath = flag.String("config", "", "Path to the JSON configuration file. Defaults are used if unset.")
	port       = flag.Int("port", 0, "Port to host web frontend. Overrides ListenAddr from the config.")
	logLevel   = flag.String("log_level", "info", "Log level (debug, info, warn, error).")
)

func loadConfig(ctx context.Context) (*config.Watcher, error) {
	if *configPath == "" {
		log.Infof("No configuration file given, using defaults")
		return config.Static(config.Default()), nil
	}
	return config.Load(ctx, *configPath)
}

func main() {
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level %q: %v", *logLevel, err)
	}
	log.SetLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cw, err := loadConfig(ctx)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := cw.Get()

	addr := cfg.ListenAddr
	if *port != 0 {
		addr = fmt.Sprintf(":%d", *port)
	}

	manager := video.NewManager(cw, nil, video.YOLODetectorFactory)

	updater := serve.NewUpdater()
	listeners := []notify.NotifyListener{updater}

	mux := http.NewServeMux()

	if cfg.PushDatabaseDSN != "" {
		db, err := gorm.Open(mysql.Open(cfg.PushDatabaseDSN), &gorm.Config{})
		if err != nil {
			log.Fatalf("Failed to open push database: %v", err)
		}
		wp, err := notify.NewWebPush(db, cfg.PushSubscriber, cfg.PushMinSeverity)
		if err != nil {
			log.Fatalf("Failed to initialize web push: %v", err)
		}
		wp.RegisterHandlers(mux)
		listeners = append(listeners, wp)
	} else {
		log.Infof("Web push disabled, no database configured")
	}

	if cfg.MQTTBroker != "" {
		mq, err := notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopicPrefix)
		if err != nil {
			log.Fatalf("Failed to connect to MQTT broker: %v", err)
		}
		listeners = append(listeners, mq)
	}

	notifier := notify.NewNotifier(listeners...)
	manager.AddListener(notifier)
	manager.AddDetectionListener(notifier)

	feed, err := sink.NewMJPEGServer(manager, sink.MJPEGOptions{
		FPS:                cfg.OutputFPS,
		Quality:            cfg.JPEGQuality,
		PlaceholderQuality: cfg.PlaceholderQuality,
		PlaceholderSize:    image.Point{X: cfg.ProcessWidth, Y: cfg.ProcessHeight},
	})
	if err != nil {
		log.Fatalf("Failed to create video feed: %v", err)
	}

	alerts := &serve.AlertServer{
		Store:          alert.NewStore(),
		Listener:       notifier,
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}

	mux.Handle("GET /video_feed", feed)
	mux.HandleFunc("GET /snapshot", feed.ServeSnapshot)
	(&serve.ControlServer{Stream: manager}).RegisterHandlers(mux)
	alerts.RegisterHandlers(mux)
	mux.Handle("/eventsws", updater)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	mux.Handle("/", http.FileServer(http.Dir(cfg.WebRoot)))

	srv := &http.Server{
		Addr: addr,
		Handler: handlers.RecoveryHandler(
			handlers.RecoveryLogger(log.StandardLogger()),
			handlers.PrintRecoveryStack(true),
		)(handlers.CombinedLoggingHandler(log.StandardLogger().Writer(), mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("Hosting web frontend on %v", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("HTTP server failed: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Infof("Shutting down")

	manager.Close()
	notifier.Close()

	// Video feed clients never finish on their own; give them a moment and
	// then cut them off.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Forcing HTTP server close: %v", err)
		srv.Close()
	}
}
