package citymesh

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	_ "github.com/lib/pq" // postgres driver
)

// sridForZone maps a plane rectangular CRS zone number to its EPSG code.
// Zone 1 is EPSG:6669.
func sridForZone(zone int) int {
	return 6668 + zone
}

// PostgresStore reads building models from a PostGIS table. The table
// carries one row per building and LOD with a 2D footprint and a 3D
// solid column; geometry comes back as GeoJSON and all matching math
// stays in the engine.
type PostgresStore struct {
	db   *sql.DB
	srid int
}

// NewPostgresStore connects to the building database and verifies the
// connection with a ping.
func NewPostgresStore(cfg PostgresConfig, systemCode int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, &ResourceError{Op: "postgres open", Msg: cfg.Host, Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &ResourceError{Op: "postgres connect", Msg: cfg.Host, Err: err}
	}
	return &PostgresStore{db: db, srid: sridForZone(systemCode)}, nil
}

const modelColumns = "fid, bldid, lod, ST_AsGeoJSON(footprint), ST_AsGeoJSON(solid)"

func (s *PostgresStore) Find(ctx context.Context, id string, lod int) (*BuildingModel, error) {
	var row *sql.Row
	if lod < 0 {
		row = s.db.QueryRowContext(ctx,
			"SELECT "+modelColumns+" FROM buildings WHERE bldid = $1 ORDER BY lod DESC LIMIT 1", id)
	} else {
		row = s.db.QueryRowContext(ctx,
			"SELECT "+modelColumns+" FROM buildings WHERE bldid = $1 AND lod = $2", id, lod)
	}

	model, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "building", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("querying building %s: %w", id, err)
	}
	return model, nil
}

func (s *PostgresStore) Intersecting(ctx context.Context, bound orb.Bound) ([]*BuildingModel, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+modelColumns+" FROM buildings WHERE footprint && ST_MakeEnvelope($1, $2, $3, $4, $5) ORDER BY bldid, lod",
		bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1], s.srid)
	if err != nil {
		return nil, fmt.Errorf("querying buildings in bound: %w", err)
	}
	defer rows.Close()

	var models []*BuildingModel
	for rows.Next() {
		model, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning building row: %w", err)
		}
		models = append(models, model)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading building rows: %w", err)
	}
	return models, nil
}

// Ping reports whether the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (*BuildingModel, error) {
	var (
		fid           int64
		id            string
		lod           int
		footprintJSON []byte
		solidJSON     []byte
	)
	if err := row.Scan(&fid, &id, &lod, &footprintJSON, &solidJSON); err != nil {
		return nil, err
	}

	footprint, err := parseFootprintGeoJSON(footprintJSON)
	if err != nil {
		return nil, fmt.Errorf("building %s footprint: %w", id, err)
	}
	rings, err := ParseSolidRings(solidJSON)
	if err != nil {
		return nil, fmt.Errorf("building %s solid: %w", id, err)
	}
	return &BuildingModel{
		FID:       fid,
		ID:        id,
		LOD:       lod,
		Footprint: footprint,
		Area:      ringArea(footprint),
		Rings:     rings,
	}, nil
}

// parseFootprintGeoJSON extracts the exterior ring of a 2D GeoJSON
// polygon. Multipolygon footprints contribute their first member.
func parseFootprintGeoJSON(data []byte) (orb.Ring, error) {
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, &ValidationError{Msg: "parsing footprint GeoJSON", Err: err}
	}
	switch geom := g.Geometry().(type) {
	case orb.Polygon:
		if len(geom) == 0 {
			return nil, validationf("footprint polygon is empty")
		}
		return closeRing(geom[0]), nil
	case orb.MultiPolygon:
		if len(geom) == 0 || len(geom[0]) == 0 {
			return nil, validationf("footprint multipolygon is empty")
		}
		return closeRing(geom[0][0]), nil
	default:
		return nil, validationf("footprint geometry type %T is not a polygon", geom)
	}
}
