package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
)

// Version is set at build time via -ldflags
var Version = "dev"

// appRunner is the surface run dispatches to, split out so the flag
// handling can be tested against a mock.
type appRunner interface {
	ApplyOptions(opts AppOptions)
	RunBuild()
	RunMatch(path string)
	RunCoverage(buildingID string)
	RunTexture(buildingID string)
	RunService()
}

// run parses the CLI flags and dispatches to the matching app mode.
func run(args []string, out io.Writer, app appRunner) error {
	fs := flag.NewFlagSet("texmesh", flag.ContinueOnError)
	fs.SetOutput(out)

	configFile := fs.String("config", "config.yaml", "Path to configuration file")
	dataDir := fs.String("data-dir", ".", "Directory containing point cloud tiles and building models")
	modelDir := fs.String("model-dir", "", "Directory of GeoJSON building models (default: data-dir)")
	buildOnly := fs.Bool("build", false, "Load building models, print a summary and exit")
	matchFile := fs.String("match", "", "Match query footprints from a GeoJSON file and exit")
	coverageID := fs.String("coverage", "", "Compute point coverage for a building id and exit")
	textureID := fs.String("texture", "", "Render a texture bundle for a building id and exit")
	lod := fs.Int("lod", -1, "Level of detail (-1 selects the highest available)")
	method := fs.String("method", "", "Texture method: all, nearest or smart")
	imageSize := fs.Int("image-size", 0, "Texture image size in pixels")
	pointLimit := fs.String("points", "", "Point budget, e.g. 500000 or 500k (negative disables downsampling)")
	site := fs.String("site", "", "Site name for persisting the match alignment")
	outputFile := fs.String("output", "", "Output file for --match: .svg or .png renders the report, anything else gets GeoJSON")
	serveMode := fs.Bool("serve", false, "Run the HTTP service")
	httpPort := fs.Int("http-port", 0, "HTTP server port (default: from config)")
	alignmentCache := fs.String("alignment-cache", ".alignment-cache.json", "Path to the alignment cache file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "texmesh version: %s\n", Version)

	app.ApplyOptions(AppOptions{
		ConfigFile:     *configFile,
		DataDir:        *dataDir,
		ModelDir:       *modelDir,
		BuildOnly:      *buildOnly,
		MatchFile:      *matchFile,
		CoverageID:     *coverageID,
		TextureID:      *textureID,
		LOD:            *lod,
		Method:         *method,
		ImageSize:      *imageSize,
		PointLimit:     *pointLimit,
		Site:           *site,
		OutputFile:     *outputFile,
		ServeMode:      *serveMode,
		HttpPort:       *httpPort,
		AlignmentCache: *alignmentCache,
	})

	if *buildOnly {
		app.RunBuild()
		return nil
	}

	if *matchFile != "" {
		app.RunMatch(*matchFile)
		return nil
	}

	if *coverageID != "" {
		app.RunCoverage(*coverageID)
		return nil
	}

	if *textureID != "" {
		app.RunTexture(*textureID)
		return nil
	}

	if *serveMode {
		app.RunService()
		return nil
	}

	fmt.Fprintln(out, "texmesh service starting...")
	fmt.Fprintln(out, "Use --serve to run the HTTP service")
	fmt.Fprintln(out, "Use --build to load building models and print a summary")
	fmt.Fprintln(out, "Use --match=FILE to match query footprints from a GeoJSON file")
	fmt.Fprintln(out, "Use --coverage=BLDID to compute point coverage for a building")
	fmt.Fprintln(out, "Use --texture=BLDID to render a texture bundle for a building")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - engine, HTTP, MQTT, Redis and Postgres settings")
	fmt.Fprintln(out, "  .alignment-cache.json - persisted per-site alignments")
	return nil
}

func main() {
	_ = godotenv.Load(".env")

	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
}
