package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kwv/texmesh/citymesh"
)

// AppOptions carries the parsed CLI flags into the application.
type AppOptions struct {
	ConfigFile     string
	DataDir        string
	ModelDir       string
	AlignmentCache string
	BuildOnly      bool
	MatchFile      string
	CoverageID     string
	TextureID      string
	LOD            int
	Method         string
	ImageSize      int
	PointLimit     string
	Site           string
	OutputFile     string
	ServeMode      bool
	HttpPort       int
}

// App encapsulates the application state and dependencies
type App struct {
	Config  *citymesh.Config
	Store   citymesh.ModelStore
	Clouds  *citymesh.CloudIndex
	Cache   *citymesh.ResultCache
	Events  *citymesh.EventPublisher
	Engine  *citymesh.Engine
	Jobs    *citymesh.JobTracker
	Metrics *Metrics

	// CLI Flags (effectively dependencies)
	ConfigFile     string
	DataDir        string
	ModelDir       string
	AlignmentCache string
	BuildOnly      bool
	MatchFile      string
	CoverageID     string
	TextureID      string
	LOD            int
	Method         string
	ImageSize      int
	PointLimit     string
	Site           string
	OutputFile     string
	ServeMode      bool
	HttpPort       int
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Metrics: NewMetrics(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DataDir = opts.DataDir
	a.ModelDir = opts.ModelDir
	a.AlignmentCache = opts.AlignmentCache
	a.BuildOnly = opts.BuildOnly
	a.MatchFile = opts.MatchFile
	a.CoverageID = opts.CoverageID
	a.TextureID = opts.TextureID
	a.LOD = opts.LOD
	a.Method = opts.Method
	a.ImageSize = opts.ImageSize
	a.PointLimit = opts.PointLimit
	a.Site = opts.Site
	a.OutputFile = opts.OutputFile
	a.ServeMode = opts.ServeMode
	a.HttpPort = opts.HttpPort
}

// loadConfig loads config.yaml when present, defaults otherwise. The
// service requires the file; one-shot commands run fine on defaults
// plus flags.
func (a *App) loadConfig(required bool) *citymesh.Config {
	resolved := a.ConfigFile
	if a.DataDir != "." && resolved == "config.yaml" {
		resolved = filepath.Join(a.DataDir, "config.yaml")
	}

	var config *citymesh.Config
	if _, err := os.Stat(resolved); err == nil {
		config, err = citymesh.LoadConfig(resolved)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		log.Printf("Loaded config from %s", resolved)
	} else if required {
		log.Fatalf("Failed to load config: %v (looked at %s)", err, resolved)
	} else {
		config = citymesh.DefaultConfig()
		config.ApplyEnv()
	}

	a.applyFlags(config)
	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	a.Config = config
	return config
}

// applyFlags folds CLI overrides into the loaded configuration.
func (a *App) applyFlags(config *citymesh.Config) {
	// Paths still at their defaults resolve relative to data-dir.
	if a.DataDir != "." {
		if config.Data.CloudDir == "./data" {
			config.Data.CloudDir = a.DataDir
		}
		if config.Data.AlignmentCache == ".alignment-cache.json" {
			config.Data.AlignmentCache = filepath.Join(a.DataDir, ".alignment-cache.json")
		}
	}
	if a.AlignmentCache != "" && a.AlignmentCache != ".alignment-cache.json" {
		config.Data.AlignmentCache = a.AlignmentCache
	}
	if a.ModelDir != "" {
		config.Data.ModelDir = a.ModelDir
	}
	if a.HttpPort > 0 {
		config.HTTP.Port = a.HttpPort
	}
	if a.Method != "" {
		config.Engine.TextureMethod = a.Method
	}
	if a.ImageSize > 0 {
		config.Engine.ImageSize = a.ImageSize
	}
	if a.PointLimit != "" {
		limit, err := citymesh.ParsePointLimit(a.PointLimit)
		if err != nil {
			log.Fatalf("Invalid --points value: %v", err)
		}
		config.Engine.PointBudget = limit
	}
}

// openStore opens Postgres when enabled, otherwise loads GeoJSON models
// into memory from the configured URL or directory.
func (a *App) openStore(config *citymesh.Config) citymesh.ModelStore {
	if config.Postgres.Enabled {
		store, err := citymesh.NewPostgresStore(config.Postgres, config.Data.SystemCode)
		if err != nil {
			log.Fatalf("Failed to open Postgres store: %v", err)
		}
		log.Printf("Building store on Postgres at %s:%d/%s",
			config.Postgres.Host, config.Postgres.Port, config.Postgres.Database)
		a.Store = store
		return store
	}

	store := citymesh.NewMemoryStore()
	if config.Data.ModelURL != "" {
		if err := store.LoadFromURL(context.Background(), config.Data.ModelURL); err != nil {
			log.Fatalf("Failed to load building models from %s: %v", config.Data.ModelURL, err)
		}
	} else {
		modelDir := config.Data.ModelDir
		if modelDir == "" {
			modelDir = a.DataDir
		}
		if err := store.LoadFromDir(modelDir); err != nil {
			log.Fatalf("Failed to load building models from %s: %v", modelDir, err)
		}
	}
	if store.Count() == 0 {
		log.Printf("Warning: no building models loaded. Put model GeoJSON next to the data or set data.modelDir.")
	}
	a.Store = store
	return store
}

// loadEngine assembles an engine for the one-shot commands. Redis and
// MQTT stay out of the picture; those only matter to the service.
func (a *App) loadEngine() *citymesh.Engine {
	config := a.loadConfig(false)
	store := a.openStore(config)

	a.Clouds = citymesh.NewCloudIndex(config.Data)
	a.Cache = citymesh.NewResultCache(nil, config.Redis)
	a.Events = citymesh.NewEventPublisher(nil, config.MQTT)
	a.Engine = citymesh.NewEngine(store, a.Clouds, a.Cache, a.Events, config)
	return a.Engine
}

// RunBuild loads the building models and prints a summary
func (a *App) RunBuild() {
	a.loadEngine()
	store, ok := a.Store.(*citymesh.MemoryStore)
	if !ok {
		log.Fatal("--build works on local GeoJSON models, not the Postgres store")
	}

	models := store.All()
	if len(models) == 0 {
		log.Fatal("No building models found")
	}

	byLOD := make(map[int]int)
	skipped := 0
	var area float64
	for _, model := range models {
		byLOD[model.LOD]++
		area += model.Area
		if _, errs := model.Solid(); len(errs) > 0 {
			skipped++
			fmt.Printf("  %s (lod %d): %d faces skipped\n", model.ID, model.LOD, len(errs))
		}
	}

	fmt.Printf("\nBuildings: %d\n", len(models))
	for lod := 1; lod <= 3; lod++ {
		if byLOD[lod] > 0 {
			fmt.Printf("  lod %d: %d\n", lod, byLOD[lod])
		}
	}
	fmt.Printf("Total footprint area: %.1f m2\n", area)
	if skipped > 0 {
		fmt.Printf("Models with skipped faces: %d\n", skipped)
	}
	fmt.Println("Done!")
}

// RunMatch matches query footprints from a GeoJSON file against the store
func (a *App) RunMatch(path string) {
	engine := a.loadEngine()

	body, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read query file: %v", err)
	}

	result, queries, err := engine.MatchFootprints(context.Background(), body)
	if err != nil {
		log.Fatalf("Match failed: %v", err)
	}

	for _, fm := range result.Features {
		name := fm.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%s: %d matches\n", name, len(fm.Matches))
		for _, match := range fm.Matches {
			fmt.Printf("  %s overlap %.1f%% confidence %s\n",
				match.BuildingID, match.Metrics.CandidateRatio*100, match.Confidence)
		}
		for _, warn := range fm.Warnings {
			fmt.Printf("  Warning: %s\n", warn)
		}
	}
	fmt.Printf("Matched %d buildings across %d query features\n", result.Total, len(queries))

	if a.Site != "" {
		if _, pairs, err := engine.AlignSite(a.Site, queries, result); err != nil {
			log.Printf("Warning: persisting alignment for site %s: %v", a.Site, err)
		} else if pairs >= 2 {
			fmt.Printf("Alignment for site %s saved (%d pairs)\n", a.Site, pairs)
		}
	}

	if a.OutputFile != "" {
		switch ext := filepath.Ext(a.OutputFile); ext {
		case ".svg", ".png":
			f, err := os.Create(a.OutputFile)
			if err != nil {
				log.Fatalf("Creating %s: %v", a.OutputFile, err)
			}
			renderErr := citymesh.RenderMatchReport(f, queries, result, ext[1:])
			if closeErr := f.Close(); renderErr == nil {
				renderErr = closeErr
			}
			if renderErr != nil {
				log.Fatalf("Rendering match report: %v", renderErr)
			}
			fmt.Printf("Created report: %s\n", a.OutputFile)
			return
		}
	}

	fc := citymesh.MatchFeatureCollection(queries, result)
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		log.Fatalf("Encoding match result: %v", err)
	}
	if a.OutputFile != "" {
		if err := os.WriteFile(a.OutputFile, data, 0644); err != nil {
			log.Fatalf("Writing %s: %v", a.OutputFile, err)
		}
		fmt.Printf("Created: %s\n", a.OutputFile)
	} else {
		fmt.Println(string(data))
	}
}

// RunCoverage computes point coverage for one building and prints it
func (a *App) RunCoverage(buildingID string) {
	engine := a.loadEngine()

	report, err := engine.Coverage(context.Background(), buildingID, a.LOD, engine.Config())
	if err != nil {
		log.Fatalf("Coverage failed: %v", err)
	}

	fmt.Printf("Building %s (lod %d):\n", report.BuildingID, report.LOD)
	fmt.Printf("  Points:     %d\n", report.Points)
	fmt.Printf("  Covered:    %.1f / %.1f m2 (%.1f%%)\n", report.Covered, report.TotalArea, report.Ratio*100)
	fmt.Printf("  Confidence: %s\n", report.Tier)
	for _, face := range report.Faces {
		pct := 0.0
		if face.Area > 0 {
			pct = face.Covered / face.Area * 100
		}
		fmt.Printf("  face %d: %d points, %.1f / %.1f m2 (%.1f%%)\n",
			face.Face, face.Points, face.Covered, face.Area, pct)
	}
	for _, warn := range report.Warnings {
		fmt.Printf("  Warning: %s\n", warn)
	}
}

// RunTexture renders a texture bundle for one building and saves it
func (a *App) RunTexture(buildingID string) {
	engine := a.loadEngine()

	bundle, err := engine.TextureBundle(context.Background(), buildingID, a.LOD, engine.Config())
	if err != nil {
		log.Fatalf("Texture bundle failed: %v", err)
	}

	dir, err := engine.SaveBundle(bundle)
	if err != nil {
		log.Fatalf("Saving bundle: %v", err)
	}

	textured := 0
	for _, tex := range bundle.Textures {
		if !tex.Empty {
			textured++
		}
	}
	fmt.Printf("Bundle %s: %d of %d faces textured\n", bundle.Prefix, textured, len(bundle.Textures))
	for _, warn := range bundle.Warnings {
		fmt.Printf("  Warning: %s\n", warn)
	}
	fmt.Printf("Created: %s\n", dir)
}

// RunService starts the HTTP service
func (a *App) RunService() {
	fmt.Println("Starting texmesh service...")

	// 1. Load configuration (required for the service)
	config := a.loadConfig(true)

	// 2. Connect Redis for response caching (optional)
	redisClient := citymesh.OpenRedis(config.Redis)
	a.Cache = citymesh.NewResultCache(redisClient, config.Redis)
	if a.Cache.Enabled() {
		log.Printf("Result cache on Redis at %s", config.Redis.Addr)
	} else {
		log.Printf("Warning: Redis not configured, every response is recomputed")
	}

	// 3. Connect MQTT for event publishing (optional)
	mqttClient := citymesh.ConnectMQTT(config.MQTT)
	a.Events = citymesh.NewEventPublisher(mqttClient, config.MQTT)

	// 4. Open the building model store
	store := a.openStore(config)
	if n := storeCount(store); n >= 0 {
		a.Metrics.Buildings.Set(float64(n))
	}

	// 5. Index point cloud tiles
	a.Clouds = citymesh.NewCloudIndex(config.Data)
	log.Printf("Point cloud tiles from %s", config.Data.CloudDir)

	// 6. Assemble the engine and job tracker
	a.Engine = citymesh.NewEngine(store, a.Clouds, a.Cache, a.Events, config)
	a.Jobs = citymesh.NewJobTracker(0)

	// 7. Start the HTTP server
	httpServer := newHTTPServer(a.Engine, a.Jobs, a.Events, a.Metrics)
	go func() {
		addr := fmt.Sprintf(":%d", config.HTTP.Port)
		fmt.Printf("HTTP server starting on %s\n", addr)
		if err := http.ListenAndServe(addr, httpServer); err != nil {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 8. Print service info
	fmt.Println("\nService Running")
	fmt.Println("===============")

	fmt.Printf("\nHTTP endpoints (port %d):\n", config.HTTP.Port)
	fmt.Println("  POST /match2d    - Match query footprints (?format=svg|png)")
	fmt.Println("  GET  /buildings  - Single building footprint")
	fmt.Println("  POST /search     - Buildings in a polygon or sheet")
	fmt.Println("  GET  /sheet      - Sheet extent")
	fmt.Println("  POST /coverage3d - Point coverage reports")
	fmt.Println("  POST /texture3d  - Texture bundles")
	fmt.Println("  GET  /jobs       - Asynchronous job states")
	fmt.Println("  GET  /health     - Health check")
	fmt.Println("  GET  /metrics    - Prometheus metrics")

	if a.Events.Enabled() {
		publishPrefix := config.MQTT.PublishPrefix
		if publishPrefix == "" {
			publishPrefix = os.Getenv("MQTT_PUBLISH_PREFIX")
		}
		if publishPrefix == "" {
			publishPrefix = "texmesh"
		}
		fmt.Println("\nMQTT topics:")
		fmt.Printf("  %s/match            - Match run summaries\n", publishPrefix)
		fmt.Printf("  %s/coverage/{bldid} - Coverage reports\n", publishPrefix)
		fmt.Printf("  %s/texture/{bldid}  - Finished texture bundles\n", publishPrefix)
		fmt.Printf("  %s/jobs/{id}        - Job state changes\n", publishPrefix)
	}

	fmt.Println("\nPress Ctrl+C to stop")

	// 9. Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	fmt.Println("\nShutting down service...")
	if mqttClient != nil {
		mqttClient.Disconnect(250)
	}
	if err := store.Close(); err != nil {
		log.Printf("Warning: closing model store: %v", err)
	}
	if err := a.Cache.Close(); err != nil {
		log.Printf("Warning: closing result cache: %v", err)
	}
	fmt.Println("Service stopped")
}
