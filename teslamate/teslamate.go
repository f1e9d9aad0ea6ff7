// Package teslamate reads EV charging sessions from a TeslaMate Postgres
// database so they can be costed as imported outputs. Only completed or
// in-progress charging_processes rows are consumed; nothing is ever written.
package teslamate

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"time"

	_ "github.com/lib/pq"
)

const sessionQuery = `
SELECT
  cp.id,
  cp.car_id,
  cp.start_date,
  cp.end_date,
  cp.charge_energy_added,
  cp.charge_energy_used,
  g.name AS geofence_name
FROM charging_processes cp
JOIN geofences g ON g.id = cp.geofence_id
WHERE cp.start_date >= $1
  AND (NULLIF($2, '') IS NULL OR g.name ILIKE $2)
ORDER BY cp.start_date ASC`

// Session is one charging process.
type Session struct {
	ID             int64
	CarID          int64
	Start          time.Time
	End            *time.Time
	EnergyAddedKwh float64
	EnergyUsedKwh  float64
	Geofence       string
}

// Config locates the TeslaMate database. Empty fields fall back to the
// TESLAMATE_DB_* environment variables.
type Config struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	Geofence string // restrict to sessions at this geofence; empty takes all
}

// DSN builds the Postgres connection string.
func (c Config) DSN() string {
	host := fallbackEnv(c.Host, "TESLAMATE_DB_HOST")
	name := fallbackEnv(c.Name, "TESLAMATE_DB_NAME")
	user := fallbackEnv(c.User, "TESLAMATE_DB_USER")
	password := fallbackEnv(c.Password, "TESLAMATE_DB_PASSWORD")
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(user), url.QueryEscape(password), host, port, name)
}

func fallbackEnv(value, envName string) string {
	if value != "" {
		return value
	}
	return os.Getenv(envName)
}

// Reader pulls charging sessions over a lookback window.
type Reader struct {
	db       *sql.DB
	geofence string
}

// Open connects to the TeslaMate database.
func Open(config Config) (*Reader, error) {
	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("open teslamate database: %w", err)
	}
	return &Reader{db: db, geofence: config.Geofence}, nil
}

// Close releases the connection pool.
func (r *Reader) Close() error { return r.db.Close() }

// SessionsSince returns every session that started at or after since,
// earliest first.
func (r *Reader) SessionsSince(ctx context.Context, since time.Time) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, sessionQuery, since, r.geofence)
	if err != nil {
		return nil, fmt.Errorf("query charging sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			session     Session
			end         sql.NullTime
			energyAdded sql.NullFloat64
			energyUsed  sql.NullFloat64
		)
		err = rows.Scan(&session.ID, &session.CarID, &session.Start, &end,
			&energyAdded, &energyUsed, &session.Geofence)
		if err != nil {
			return nil, fmt.Errorf("scan charging session: %w", err)
		}
		if end.Valid {
			session.End = &end.Time
		}
		session.EnergyAddedKwh = energyAdded.Float64
		session.EnergyUsedKwh = energyUsed.Float64
		sessions = append(sessions, session)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate charging sessions: %w", err)
	}
	return sessions, nil
}
