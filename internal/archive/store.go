// Package archive stores decoded packets and decoder statistics in SQLite.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rjboer/lritrecv/internal/logging"
	"github.com/rjboer/lritrecv/internal/packetizer"
	"github.com/rjboer/lritrecv/internal/publisher"
)

const schema = `
CREATE TABLE IF NOT EXISTS packets (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	received_at INTEGER NOT NULL,
	scid        INTEGER NOT NULL,
	vcid        INTEGER NOT NULL,
	counter     INTEGER NOT NULL,
	data        BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS packets_vcid ON packets (vcid, id);
CREATE TABLE IF NOT EXISTS stats (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	received_at INTEGER NOT NULL,
	source      TEXT    NOT NULL,
	payload     TEXT    NOT NULL
);`

// maxBatch bounds how many records share one transaction.
const maxBatch = 64

type record struct {
	at     time.Time
	packet packetizer.Packet
	source string
	stats  []byte
}

// Record is one archived packet.
type Record struct {
	ID               int64
	ReceivedAt       time.Time
	SpacecraftID     int
	VirtualChannelID int
	Counter          uint32
	Data             []byte
}

// Store archives packets and statistics on a background writer. Publishing
// never waits for the disk: when the writer falls behind, records are
// dropped and counted.
type Store struct {
	publisher.Counters

	db      *sql.DB
	logger  logging.Logger
	dropLog *logging.Throttle
	stats   bool

	mu     sync.RWMutex
	closed bool
	queue  chan record
	done   chan struct{}
}

// Options tune a Store.
type Options struct {
	// Backlog is the number of records buffered for the writer.
	Backlog int
	// Stats also archives PublishStats calls.
	Stats bool
}

// Open creates or opens the archive at path.
func Open(path string, opts Options, logger logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create archive schema: %w", err)
	}
	if opts.Backlog <= 0 {
		opts.Backlog = 1024
	}
	s := &Store{
		db:      db,
		logger:  logging.OrDefault(logger).With(logging.Subsystem("archive")),
		dropLog: logging.NewThrottle(10 * time.Second),
		stats:   opts.Stats,
		queue:   make(chan record, opts.Backlog),
		done:    make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// PublishPacket implements publisher.Packets.
func (s *Store) PublishPacket(packet []byte) {
	if len(packet) < 6 {
		s.MarkDropped()
		return
	}
	s.enqueue(record{at: time.Now(), packet: append(packetizer.Packet(nil), packet...)})
}

// PublishStats implements publisher.Stats.
func (s *Store) PublishStats(source string, stats []publisher.Stat) {
	if !s.stats {
		return
	}
	data, err := publisher.EncodeStats(source, stats)
	if err != nil {
		s.MarkDropped()
		return
	}
	s.enqueue(record{at: time.Now(), source: source, stats: data})
}

func (s *Store) enqueue(r record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.MarkDropped()
		return
	}
	select {
	case s.queue <- r:
	default:
		s.MarkDropped()
		if ok, n := s.dropLog.Allow("backlog", time.Now()); ok {
			s.logger.Warn("archive backlog full, dropping records",
				logging.F("dropped", s.Dropped()), logging.F("suppressed", n))
		}
	}
}

func (s *Store) run() {
	defer close(s.done)
	batch := make([]record, 0, maxBatch)
	for r := range s.queue {
		batch = append(batch[:0], r)
	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-s.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		if err := s.write(batch); err != nil {
			s.logger.Warn("archive write failed", logging.Err(err), logging.F("records", len(batch)))
			for range batch {
				s.MarkDropped()
			}
			continue
		}
		for range batch {
			s.MarkPublished()
		}
	}
}

func (s *Store) write(batch []record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, r := range batch {
		if r.packet != nil {
			_, err = tx.Exec(`INSERT INTO packets (received_at, scid, vcid, counter, data) VALUES (?, ?, ?, ?, ?)`,
				r.at.UnixNano(), r.packet.SpacecraftID(), r.packet.VirtualChannelID(), r.packet.Counter(), []byte(r.packet))
		} else {
			_, err = tx.Exec(`INSERT INTO stats (received_at, source, payload) VALUES (?, ?, ?)`,
				r.at.UnixNano(), r.source, string(r.stats))
		}
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Close flushes pending records and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("archive already closed")
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
	return s.db.Close()
}

// Recent returns up to limit of the newest packets, newest first. A vcid of
// -1 matches every virtual channel.
func (s *Store) Recent(ctx context.Context, vcid, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, received_at, scid, vcid, counter, data FROM packets
		 WHERE ? < 0 OR vcid = ? ORDER BY id DESC LIMIT ?`, vcid, vcid, limit)
	if err != nil {
		return nil, fmt.Errorf("query packets: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var at int64
		if err := rows.Scan(&r.ID, &at, &r.SpacecraftID, &r.VirtualChannelID, &r.Counter, &r.Data); err != nil {
			return nil, fmt.Errorf("scan packet: %w", err)
		}
		r.ReceivedAt = time.Unix(0, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// StatsCount returns the number of archived stats messages for source.
func (s *Store) StatsCount(ctx context.Context, source string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stats WHERE source = ?`, source).Scan(&n)
	return n, err
}
