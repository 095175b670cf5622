package citymesh

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Engine defaults. Distances are meters in the projected CRS.
const (
	DefaultBuffer         = 1.0  // proximity buffer around faces and footprints
	DefaultOverlapCutoff  = 0.4  // either-side area ratio for the overlapped flag
	DefaultCentroidCutoff = 10.0 // centroid distance for the low-confidence rescue
	DefaultHighCoverage   = 0.40
	DefaultMediumCoverage = 0.20
	DefaultImageSize      = 512  // texture long-edge pixels
	MaxImageSize          = 1024 // largest accepted texture edge
	DefaultTextureMethod  = TextureMethodSmart
	DefaultPointBudget    = 500000 // downsample clouds above this many points
	DefaultBaseGridSize   = 0.01   // finest voxel size in meters
	DefaultFaceCutoff     = 10.0   // skip faces whose nearest point is farther
	DefaultMaxDepth       = 10.0   // interior depth clamp for smart texturing
	DefaultSheetLevel     = 50     // map sheet level of the point-cloud tiles
	DefaultSystemCode     = 8      // plane rectangular CRS zone number
	DefaultHTTPPort       = 8080
)

// Texture mapping methods.
const (
	TextureMethodAll     = "all"
	TextureMethodNearest = "nearest"
	TextureMethodSmart   = "smart"
)

// EngineConfig carries the tunable parameters of the matching and texture
// pipeline. A copy travels with every request, so concurrent requests can
// run with different settings without racing.
type EngineConfig struct {
	Buffer         float64 `yaml:"buffer" json:"buffer"`
	Dilation       float64 `yaml:"dilation" json:"dilation"` // covered-area disk radius, 0 = buffer
	MatchThreshold float64 `yaml:"matchThreshold" json:"matchThreshold"`
	OverlapCutoff  float64 `yaml:"overlapCutoff" json:"overlapCutoff"`
	CentroidCutoff float64 `yaml:"centroidCutoff" json:"centroidCutoff"`
	CentroidRescue bool    `yaml:"centroidRescue" json:"centroidRescue"`
	HighCoverage   float64 `yaml:"highCoverage" json:"highCoverage"`
	MediumCoverage float64 `yaml:"mediumCoverage" json:"mediumCoverage"`
	ImageSize      int     `yaml:"imageSize" json:"imageSize"`
	TextureMethod  string  `yaml:"textureMethod" json:"textureMethod"`
	PointBudget    int     `yaml:"pointBudget" json:"pointBudget"` // negative disables downsampling
	BaseGridSize   float64 `yaml:"baseGridSize" json:"baseGridSize"`
	FaceCutoff     float64 `yaml:"faceCutoff" json:"faceCutoff"`
	MaxDepth       float64 `yaml:"maxDepth" json:"maxDepth"`
	Workers        int     `yaml:"workers" json:"workers"` // 0 = GOMAXPROCS
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Buffer:         DefaultBuffer,
		Dilation:       DefaultBuffer,
		MatchThreshold: 0,
		OverlapCutoff:  DefaultOverlapCutoff,
		CentroidCutoff: DefaultCentroidCutoff,
		HighCoverage:   DefaultHighCoverage,
		MediumCoverage: DefaultMediumCoverage,
		ImageSize:      DefaultImageSize,
		TextureMethod:  DefaultTextureMethod,
		PointBudget:    DefaultPointBudget,
		BaseGridSize:   DefaultBaseGridSize,
		FaceCutoff:     DefaultFaceCutoff,
		MaxDepth:       DefaultMaxDepth,
	}
}

// normalized fills unset fields with defaults. MatchThreshold keeps its
// zero value: any overlap at all counts as a match by default, and
// PointBudget keeps negative values, which disable downsampling.
func (c EngineConfig) normalized() EngineConfig {
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	if c.Dilation <= 0 {
		c.Dilation = c.Buffer
	}
	if c.OverlapCutoff <= 0 {
		c.OverlapCutoff = DefaultOverlapCutoff
	}
	if c.CentroidCutoff <= 0 {
		c.CentroidCutoff = DefaultCentroidCutoff
	}
	if c.HighCoverage <= 0 {
		c.HighCoverage = DefaultHighCoverage
	}
	if c.MediumCoverage <= 0 {
		c.MediumCoverage = DefaultMediumCoverage
	}
	if c.ImageSize <= 0 {
		c.ImageSize = DefaultImageSize
	}
	if c.TextureMethod == "" {
		c.TextureMethod = DefaultTextureMethod
	}
	if c.PointBudget == 0 {
		c.PointBudget = DefaultPointBudget
	}
	if c.BaseGridSize <= 0 {
		c.BaseGridSize = DefaultBaseGridSize
	}
	if c.FaceCutoff <= 0 {
		c.FaceCutoff = DefaultFaceCutoff
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	return c
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}

// MQTTConfig holds MQTT connection settings. An empty broker disables
// event publishing entirely.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
}

// PostgresConfig holds the building store connection settings. Enabled
// selects the database store; otherwise models load from local GeoJSON.
type PostgresConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	Database string `yaml:"database" json:"database"`
	SSLMode  string `yaml:"sslMode" json:"sslMode"`
}

// DSN renders the lib/pq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig holds the result cache settings. An empty address disables
// caching.
type RedisConfig struct {
	Addr       string `yaml:"addr" json:"addr"`
	Password   string `yaml:"password,omitempty" json:"password,omitempty"`
	DB         int    `yaml:"db" json:"db"`
	TTLSeconds int    `yaml:"ttlSeconds" json:"ttlSeconds"`
}

// DataConfig locates the on-disk inputs and outputs.
type DataConfig struct {
	CloudDir       string `yaml:"cloudDir" json:"cloudDir"`   // point-cloud sheet tiles
	ModelDir       string `yaml:"modelDir" json:"modelDir"`   // GeoJSON building models for the in-memory store
	ModelURL       string `yaml:"modelUrl" json:"modelUrl"`   // model collection endpoint, overrides ModelDir
	OutputDir      string `yaml:"outputDir" json:"outputDir"` // OBJ bundle output
	SheetLevel     int    `yaml:"sheetLevel" json:"sheetLevel"`
	SystemCode     int    `yaml:"systemCode" json:"systemCode"`
	AlignmentCache string `yaml:"alignmentCache" json:"alignmentCache"`
}

// Config is the full service configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http" json:"http"`
	MQTT     MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	Data     DataConfig     `yaml:"data" json:"data"`
	Engine   EngineConfig   `yaml:"engine" json:"engine"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{Port: DefaultHTTPPort},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "pguser",
			Password: "pgpass",
			Database: "pgdb",
			SSLMode:  "disable",
		},
		Data: DataConfig{
			CloudDir:       "./data",
			ModelDir:       "",
			OutputDir:      "./out",
			SheetLevel:     DefaultSheetLevel,
			SystemCode:     DefaultSystemCode,
			AlignmentCache: ".alignment-cache.json",
		},
		Engine: DefaultEngineConfig(),
	}
}

// LoadConfig loads the service configuration from a YAML file, layered on
// top of the defaults, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides secrets and connection endpoints from the
// environment. The variable names match the ones the deployment tooling
// already exports for the database and broker containers.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("POSTGRES_ENABLED"); v != "" {
		c.Postgres.Enabled = v == "1" || v == "true"
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		c.Postgres.Host = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Postgres.Port = p
		}
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		c.Postgres.User = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		c.Postgres.Password = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		c.Postgres.Database = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("CLOUD_DIR"); v != "" {
		c.Data.CloudDir = v
	}
	if v := os.Getenv("MODEL_URL"); v != "" {
		c.Data.ModelURL = v
	}
}

// Validate checks the fields that cannot be defaulted away.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.Data.SystemCode < 0 || c.Data.SystemCode > 19 {
		return fmt.Errorf("data.systemCode must be 1 through 19, got %d", c.Data.SystemCode)
	}
	if c.Data.SheetLevel <= 0 {
		return fmt.Errorf("data.sheetLevel must be positive, got %d", c.Data.SheetLevel)
	}
	if c.Engine.ImageSize > MaxImageSize {
		return fmt.Errorf("engine.imageSize %d exceeds the maximum %d", c.Engine.ImageSize, MaxImageSize)
	}
	switch c.Engine.TextureMethod {
	case "", TextureMethodAll, TextureMethodNearest, TextureMethodSmart:
	default:
		return fmt.Errorf("engine.textureMethod %q is not one of all, nearest, smart", c.Engine.TextureMethod)
	}
	return nil
}
