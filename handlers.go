package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/kwv/texmesh/citymesh"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(engine *citymesh.Engine, jobs *citymesh.JobTracker, events *citymesh.EventPublisher, metrics *Metrics) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Buildings int       `json:"buildings"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Buildings: storeCount(engine.Store()),
		}
		writeJSON(w, status)
	})

	// Footprint matching endpoint. JSON by default, ?format=svg|png
	// renders the match report instead.
	mux.HandleFunc("/match2d", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST a GeoJSON query", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Reading request body", http.StatusBadRequest)
			return
		}
		format := r.URL.Query().Get("format")
		site := r.URL.Query().Get("site")

		// Only the plain JSON response is cached. Report rendering and
		// site alignment always run the engine.
		cache := engine.Cache()
		useCache := cache.Enabled() && site == "" && (format == "" || format == "json")
		key := ""
		if useCache {
			key = citymesh.MatchKey(body, engine.Config())
			if data, ok := cache.GetMatchResponse(r.Context(), key); ok {
				metrics.Matches.Inc()
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(data)
				return
			}
		}

		result, queries, err := engine.MatchFootprints(r.Context(), body)
		if err != nil {
			writeError(w, err)
			return
		}
		if site != "" {
			if _, pairs, err := engine.AlignSite(site, queries, result); err != nil {
				log.Printf("Warning: persisting alignment for site %s: %v", site, err)
			} else {
				log.Printf("[HTTP] site %s aligned from %d pairs", site, pairs)
			}
		}
		metrics.Matches.Inc()

		switch format {
		case "svg":
			w.Header().Set("Content-Type", "image/svg+xml")
			w.Header().Set("Cache-Control", "no-cache")
			if err := citymesh.RenderMatchReport(w, queries, result, "svg"); err != nil {
				log.Printf("Error rendering match report SVG: %v", err)
			}
		case "png":
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("Cache-Control", "no-cache")
			if err := citymesh.RenderMatchReport(w, queries, result, "png"); err != nil {
				log.Printf("Error rendering match report PNG: %v", err)
			}
		case "", "json":
			fc := citymesh.MatchFeatureCollection(queries, result)
			data, err := json.Marshal(fc)
			if err != nil {
				http.Error(w, "Encoding match response", http.StatusInternalServerError)
				return
			}
			if useCache {
				cache.SetMatchResponse(r.Context(), key, data)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(data)
		default:
			http.Error(w, fmt.Sprintf("Unknown format %q", format), http.StatusBadRequest)
		}
	})

	// Single building lookup
	mux.HandleFunc("/buildings", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("bldid")
		if id == "" {
			http.Error(w, "bldid parameter required", http.StatusBadRequest)
			return
		}
		lod, err := queryInt(r, "lod", -1)
		if err != nil {
			http.Error(w, "Invalid lod parameter", http.StatusBadRequest)
			return
		}
		model, err := engine.FetchModel(r.Context(), id, lod)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, citymesh.ModelFeature(model))
	})

	// Spatial search: POST a polygon or {"sheet": code}, or GET ?sheet=
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		var bound orb.Bound
		switch r.Method {
		case http.MethodGet:
			code := r.URL.Query().Get("sheet")
			if code == "" {
				http.Error(w, "sheet parameter required", http.StatusBadRequest)
				return
			}
			extent, err := citymesh.SheetExtentOf(code)
			if err != nil {
				writeError(w, err)
				return
			}
			bound = extentBound(extent)
		case http.MethodPost:
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "Reading request body", http.StatusBadRequest)
				return
			}
			var sheetReq struct {
				Sheet string `json:"sheet"`
			}
			if json.Unmarshal(body, &sheetReq) == nil && sheetReq.Sheet != "" {
				extent, err := citymesh.SheetExtentOf(sheetReq.Sheet)
				if err != nil {
					writeError(w, err)
					return
				}
				bound = extentBound(extent)
			} else {
				queries, err := citymesh.ParseQueryFeatures(body)
				if err != nil {
					writeError(w, err)
					return
				}
				bound = queries[0].Footprint.Bound()
				for _, q := range queries[1:] {
					bound = bound.Union(q.Footprint.Bound())
				}
			}
		default:
			http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
			return
		}

		models, err := engine.Store().Intersecting(r.Context(), bound)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, citymesh.ModelFeatureCollection(models))
	})

	// Sheet extent lookup
	mux.HandleFunc("/sheet", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "code parameter required", http.StatusBadRequest)
			return
		}
		extent, err := citymesh.SheetExtentOf(code)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, citymesh.SheetFeature(code, extent))
	})

	// Coverage endpoint: a posted point cloud runs against every
	// building under it, an empty body with ?bldid= runs the stored
	// tiles for those buildings.
	mux.HandleFunc("/coverage3d", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Reading request body", http.StatusBadRequest)
			return
		}
		cfg, err := requestConfig(r, engine.Config())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		lod, err := queryInt(r, "lod", -1)
		if err != nil {
			http.Error(w, "Invalid lod parameter", http.StatusBadRequest)
			return
		}

		var reports []*citymesh.CoverageReport
		var warnings []string
		if len(strings.TrimSpace(string(body))) > 0 {
			reports, warnings, err = engine.CoverageForCloud(r.Context(), body, cfg)
			if err != nil {
				writeError(w, err)
				return
			}
		} else {
			ids := splitIDs(r.URL.Query().Get("bldid"))
			if len(ids) == 0 {
				http.Error(w, "bldid parameter or point cloud payload required", http.StatusBadRequest)
				return
			}
			reports, warnings = engine.CoverageBatch(r.Context(), ids, lod, cfg)
		}
		for _, warn := range warnings {
			log.Printf("Warning: coverage: %s", warn)
		}
		for _, report := range reports {
			if report != nil {
				metrics.CoverageRuns.Inc()
			}
		}
		writeJSON(w, citymesh.CoverageFeatureCollection(reports))
	})

	// Texture endpoint: returns a zip bundle, ?format=preview returns a
	// PNG contact sheet, ?async=true queues a job writing to disk.
	mux.HandleFunc("/texture3d", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("bldid")
		if id == "" {
			http.Error(w, "bldid parameter required", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Reading request body", http.StatusBadRequest)
			return
		}
		cfg, err := requestConfig(r, engine.Config())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		lod, err := queryInt(r, "lod", -1)
		if err != nil {
			http.Error(w, "Invalid lod parameter", http.StatusBadRequest)
			return
		}

		if r.URL.Query().Get("async") == "true" {
			job := jobs.Create("texture", id)
			go runTextureJob(engine, jobs, events, metrics, job.ID, id, lod, cfg, body)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			if err := json.NewEncoder(w).Encode(job); err != nil {
				log.Printf("Error encoding job response: %v", err)
			}
			return
		}

		var bundle *citymesh.ModelBundle
		if len(strings.TrimSpace(string(body))) > 0 {
			bundle, err = engine.TextureFromCloud(r.Context(), body, id, lod, cfg)
		} else {
			bundle, err = engine.TextureBundle(r.Context(), id, lod, cfg)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		metrics.Bundles.Inc()

		if r.URL.Query().Get("format") == "preview" {
			data, err := citymesh.BundlePreview(bundle)
			if err != nil {
				writeError(w, err)
				return
			}
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("Cache-Control", "no-cache")
			_, _ = w.Write(data)
			return
		}

		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", bundle.Prefix+".zip"))
		if err := bundle.WriteZip(w); err != nil {
			log.Printf("Error writing bundle zip: %v", err)
		}
	})

	// Job listing and lookup
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, jobs.List())
	})
	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/jobs/")
		job, ok := jobs.Get(id)
		if !ok {
			http.Error(w, "Unknown job", http.StatusNotFound)
			return
		}
		writeJSON(w, job)
	})

	// Prometheus metrics
	mux.Handle("/metrics", metrics.Handler())

	// Default route serves an HTML index of the endpoints
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>texmesh</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
body{background:#1a1a1a;color:#ddd;font-family:monospace;padding:2em}
li{margin:.4em 0}
</style>
</head>
<body>
<h1>texmesh</h1>
<ul>
<li>POST /match2d : match query footprints (?format=svg|png, ?site=)</li>
<li>GET /buildings?bldid= : building footprint feature</li>
<li>POST /search : buildings in a polygon or sheet</li>
<li>GET /sheet?code= : sheet extent feature</li>
<li>POST /coverage3d : coverage reports (?bldid=, ?lod=, ?limit=)</li>
<li>POST /texture3d?bldid= : texture bundle (?format=preview, ?async=true)</li>
<li>GET /jobs : asynchronous job states</li>
<li>GET /health : service health</li>
<li>GET /metrics : Prometheus metrics</li>
</ul>
</body>
</html>`)
	})

	// Wrap mux with request id, metrics and logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		mux.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		metrics.ObserveRequest(endpointLabel(r.URL.Path), rec.status, elapsed)
		log.Printf("[HTTP] %s %s from %s status=%d elapsed=%s request=%s",
			r.Method, r.URL.Path, r.RemoteAddr, rec.status, elapsed.Round(time.Millisecond), requestID)
	})
}

// statusRecorder captures the status code written to a ResponseWriter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// runTextureJob renders and saves a bundle in the background, updating
// the job tracker as it goes. A non-empty payload textures from that
// cloud, otherwise the stored tiles are used.
func runTextureJob(engine *citymesh.Engine, jobs *citymesh.JobTracker, events *citymesh.EventPublisher, metrics *Metrics, jobID, buildingID string, lod int, cfg citymesh.EngineConfig, payload []byte) {
	jobs.SetRunning(jobID)
	publishJob(events, jobs, jobID)

	ctx := context.Background()
	var bundle *citymesh.ModelBundle
	var err error
	if len(strings.TrimSpace(string(payload))) > 0 {
		bundle, err = engine.TextureFromCloud(ctx, payload, buildingID, lod, cfg)
	} else {
		bundle, err = engine.TextureBundle(ctx, buildingID, lod, cfg)
	}
	if err == nil {
		var dir string
		dir, err = engine.SaveBundle(bundle)
		if err == nil {
			metrics.Bundles.Inc()
			jobs.Complete(jobID, dir)
		}
	}
	if err != nil {
		log.Printf("Error: texture job %s for %s: %v", jobID, buildingID, err)
		jobs.Fail(jobID, err)
	}
	publishJob(events, jobs, jobID)
}

func publishJob(events *citymesh.EventPublisher, jobs *citymesh.JobTracker, jobID string) {
	job, ok := jobs.Get(jobID)
	if !ok {
		return
	}
	if err := events.PublishJob(job); err != nil {
		log.Printf("Warning: publishing job %s: %v", jobID, err)
	}
}

// writeJSON encodes v as the JSON response body.
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// writeError maps engine errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case citymesh.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case citymesh.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case citymesh.IsResource(err):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case citymesh.IsGeometry(err):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// requestConfig copies the engine config with per-request overrides
// from query parameters.
func requestConfig(r *http.Request, cfg citymesh.EngineConfig) (citymesh.EngineConfig, error) {
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		limit, err := citymesh.ParsePointLimit(s)
		if err != nil {
			return cfg, fmt.Errorf("invalid limit parameter: %v", err)
		}
		cfg.PointBudget = limit
	}
	if s := q.Get("size"); s != "" {
		size, err := strconv.Atoi(s)
		if err != nil || size <= 0 {
			return cfg, fmt.Errorf("invalid size parameter %q", s)
		}
		if size > citymesh.MaxImageSize {
			return cfg, fmt.Errorf("size parameter %d exceeds the maximum %d", size, citymesh.MaxImageSize)
		}
		cfg.ImageSize = size
	}
	if s := q.Get("method"); s != "" {
		cfg.TextureMethod = s
	}
	return cfg, nil
}

// queryInt parses an integer query parameter, def when absent.
func queryInt(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// extentBound converts a sheet extent to an orb bound.
func extentBound(extent citymesh.SheetExtent) orb.Bound {
	return orb.Bound{
		Min: orb.Point{extent.MinX, extent.MinY},
		Max: orb.Point{extent.MaxX, extent.MaxY},
	}
}

// splitIDs splits a comma separated id list, dropping empty entries.
func splitIDs(s string) []string {
	var ids []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}

// storeCount reports how many models the store holds, when it can say.
func storeCount(store citymesh.ModelStore) int {
	if s, ok := store.(*citymesh.MemoryStore); ok {
		return s.Count()
	}
	return -1
}
