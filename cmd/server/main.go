// Package main is the entry point for the LED map server.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/bbernstein/lacylights-ledmap/internal/api"
	"github.com/bbernstein/lacylights-ledmap/internal/app"
	"github.com/bbernstein/lacylights-ledmap/internal/config"
	"github.com/bbernstein/lacylights-ledmap/internal/database"
	"github.com/bbernstein/lacylights-ledmap/internal/database/repositories"
	"github.com/bbernstein/lacylights-ledmap/internal/services/broadcast"
	"github.com/bbernstein/lacylights-ledmap/internal/services/camera"
	"github.com/bbernstein/lacylights-ledmap/internal/services/network"
	"github.com/bbernstein/lacylights-ledmap/internal/services/pubsub"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Load .env file if present
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Print startup banner
	printBanner(cfg)
	if addrs, err := network.Addresses(); err != nil {
		log.Printf("Warning: failed to list network interfaces: %v", err)
	} else {
		printNetwork(os.Stdout, cfg, addrs)
	}

	// Connect to database (migrations run on connect)
	db, err := database.Connect(database.Config{
		URL:         cfg.DatabaseURL,
		MaxIdleConn: 5,
		MaxOpenConn: 10,
		Debug:       cfg.IsDevelopment(),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() { _ = database.Close() }()

	runRepo := repositories.NewRunRepository(db)
	depthRepo := repositories.NewDepthRepository(db)
	settingRepo := repositories.NewSettingRepository(db)

	if stored, err := settingRepo.FindByKey(context.Background(), repositories.SettingStereoBaseline); err != nil {
		log.Printf("Warning: failed to load settings: %v", err)
	} else if stored != nil {
		log.Printf("⚙️  Stored stereo baseline %s overrides STEREO_BASELINE", stored.Value)
	}

	calOpts, err := app.CalibrationOptions(cfg)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ps := pubsub.New()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// MQTT broadcast is optional; the server runs without a broker.
	if cfg.MQTTEnabled() {
		client, err := broadcast.Connect(broadcast.Options{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Prefix:   cfg.MQTTTopicPrefix,
		})
		if err != nil {
			log.Printf("Warning: MQTT broadcast disabled: %v", err)
		} else {
			defer client.Disconnect(250)
			go broadcast.New(client, cfg.MQTTTopicPrefix).Forward(ctx, ps)
			log.Printf("📡 Broadcasting calibration events to %s/#", cfg.MQTTTopicPrefix)
		}
	}

	server := api.NewServer(api.Deps{
		Device:      app.NewDevice(cfg),
		Detector:    app.NewDetector(cfg),
		Runs:        runRepo,
		Depths:      depthRepo,
		Settings:    settingRepo,
		PubSub:      ps,
		OpenCamera:  func() (camera.Source, error) { return app.OpenCamera(cfg) },
		Calibration: calOpts,
		Baseline:    cfg.StereoBaseline,
		Version:     Version,
	})

	router := server.Router()
	handler := newCORS(cfg).Handler(router)

	// Create HTTP server. No write timeout: /ws connections are long-lived.
	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%s\n", cfg.Port)
		log.Printf("Event stream: ws://localhost:%s/ws\n", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Stop any calibration so the partial map is stored before the database closes.
	server.Shutdown()
	stop()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

// newCORS builds the CORS middleware for the configured origin.
func newCORS(cfg *config.Config) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins:   []string{cfg.CORSOrigin, "http://localhost:3000", "http://localhost:4000"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		Debug:            cfg.IsDevelopment(),
	})
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println("============================================")
	fmt.Println("  LacyLights LED Map Server")
	fmt.Printf("  Version: %s\n", Version)
	fmt.Printf("  Build:   %s\n", BuildTime)
	fmt.Printf("  Commit:  %s\n", GitCommit)
	fmt.Println("============================================")
	fmt.Printf("  Environment: %s\n", cfg.Env)
	fmt.Printf("  Port:        %s\n", cfg.Port)
	fmt.Printf("  Database:    %s\n", cfg.DatabaseURL)
	fmt.Printf("  Device:      %s (%d LEDs)\n", cfg.DeviceURL(), cfg.LEDCount)
	if cfg.CameraDir != "" {
		fmt.Printf("  Camera:      frames from %s\n", cfg.CameraDir)
	} else {
		fmt.Printf("  Camera:      #%d %dx%d\n", cfg.CameraIndex, cfg.CameraWidth, cfg.CameraHeight)
	}
	fmt.Printf("  MQTT:        %v\n", cfg.MQTTEnabled())
	fmt.Println("============================================")
}

// printNetwork lists the URLs the server is reachable on and warns when the
// device address is outside every local subnet.
func printNetwork(w io.Writer, cfg *config.Config, addrs []network.Address) {
	for _, a := range addrs {
		_, _ = fmt.Fprintf(w, "  %s\n", a.Description(cfg.Port))
	}
	if host := network.HostOf(cfg.DeviceURL()); !network.OnLocalSubnet(addrs, host) {
		_, _ = fmt.Fprintf(w, "  ⚠️  Device %s is not on a local subnet\n", host)
	}
}
