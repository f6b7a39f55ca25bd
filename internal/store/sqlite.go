package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/crypto/sha3"

	"github.com/shaunagostinho/obdtrack/internal/obd"
	"github.com/shaunagostinho/obdtrack/internal/route"
)

const schema = `
CREATE TABLE IF NOT EXISTS readings (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	digest         TEXT    NOT NULL UNIQUE,
	device_id      TEXT    NOT NULL,
	protocol_id    INTEGER NOT NULL,
	ts             INTEGER NOT NULL,
	received_at    INTEGER NOT NULL,
	latitude       REAL,
	longitude      REAL,
	speed_kmh      REAL,
	fix_valid      INTEGER NOT NULL DEFAULT 0,
	checksum_valid INTEGER NOT NULL,
	partial        INTEGER NOT NULL,
	body           TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS readings_device_ts ON readings (device_id, ts, id);
`

// SQLite stores readings in a SQLite database. It implements Sink and
// route.SampleSource.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	// One writer; readers queue behind it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	log.WithField("path", path).Info("[store] sqlite ready")
	return &SQLite{db: db, path: path}, nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// Digest identifies a reading: the same frame received at the same instant
// from the same device has the same digest.
func Digest(r *obd.Reading) string {
	h := sha3.New256()
	h.Write([]byte(r.DeviceID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(r.ReceivedAt.UnixNano(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(r.RawHex))
	return hex.EncodeToString(h.Sum(nil))
}

// sampleTime is the time a reading is ordered by: the device clock when it
// reported one, otherwise the receive time.
func sampleTime(r *obd.Reading) time.Time {
	if !r.UTCTime.IsZero() {
		return r.UTCTime
	}
	return r.ReceivedAt
}

// Append stores r. A reading that is already stored is ignored.
func (s *SQLite) Append(ctx context.Context, r *obd.Reading) error {
	body, err := sonnet.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode reading")
	}

	var lat, lon, speed sql.NullFloat64
	var fix bool
	if r.GPS != nil {
		lat = sql.NullFloat64{Float64: r.GPS.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: r.GPS.Longitude, Valid: true}
		speed = sql.NullFloat64{Float64: r.GPS.SpeedKmH, Valid: true}
		fix = r.GPS.FixValid
	}

	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO readings
		(digest, device_id, protocol_id, ts, received_at, latitude, longitude, speed_kmh,
		 fix_valid, checksum_valid, partial, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Digest(r), r.DeviceID, int(r.ProtocolID), sampleTime(r).UnixNano(), r.ReceivedAt.UnixNano(),
		lat, lon, speed, fix, r.ChecksumValid, r.Partial, string(body))
	if err != nil {
		return errors.Wrapf(err, "insert reading from %s", r.DeviceID)
	}
	return nil
}

// window returns the inclusive nanosecond bounds for [from, to]; zero
// values leave that end open.
func window(from, to time.Time) (int64, int64) {
	lo, hi := int64(-1<<63), int64(1<<63-1)
	if !from.IsZero() {
		lo = from.UnixNano()
	}
	if !to.IsZero() {
		hi = to.UnixNano()
	}
	return lo, hi
}

// Samples returns the GPS samples of deviceID within [from, to], in time
// order. Readings without a valid fix are skipped.
func (s *SQLite) Samples(ctx context.Context, deviceID string, from, to time.Time) ([]route.Sample, error) {
	lo, hi := window(from, to)
	rows, err := s.db.QueryContext(ctx, `SELECT ts, latitude, longitude, speed_kmh FROM readings
		WHERE device_id = ? AND ts BETWEEN ? AND ? AND latitude IS NOT NULL AND fix_valid = 1
		ORDER BY ts, id`, deviceID, lo, hi)
	if err != nil {
		return nil, errors.Wrap(err, "query samples")
	}
	defer rows.Close()

	var out []route.Sample
	for rows.Next() {
		var ts int64
		var smp route.Sample
		if err := rows.Scan(&ts, &smp.Latitude, &smp.Longitude, &smp.SpeedKmH); err != nil {
			return nil, errors.Wrap(err, "scan sample")
		}
		smp.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, smp)
	}
	return out, errors.Wrap(rows.Err(), "iterate samples")
}

// Readings returns up to limit stored readings of deviceID within
// [from, to], newest first. limit <= 0 means no limit.
func (s *SQLite) Readings(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]*obd.Reading, error) {
	lo, hi := window(from, to)
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM readings
		WHERE device_id = ? AND ts BETWEEN ? AND ?
		ORDER BY ts DESC, id DESC LIMIT ?`, deviceID, lo, hi, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query readings")
	}
	defer rows.Close()

	var out []*obd.Reading
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, "scan reading")
		}
		r := &obd.Reading{}
		if err := sonnet.Unmarshal([]byte(body), r); err != nil {
			return nil, errors.Wrap(err, "decode reading")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate readings")
}

// Count is the number of stored readings.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings`).Scan(&n)
	return n, errors.Wrap(err, "count readings")
}
