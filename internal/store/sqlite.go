package store

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"agproxy/internal/monitor"
)

const (
	defaultQueueSize = 1024
	batchSize        = 100
	flushInterval    = 5 * time.Second
)

// SQLiteSink persists request-log summaries. Writes are batched in a single
// worker so Append never blocks the monitor.
type SQLiteSink struct {
	db    *sql.DB
	queue chan monitor.RequestLog
	wg    sync.WaitGroup
	done  chan struct{}
	once  sync.Once
}

// NewSQLiteSink opens (and migrates) the log database at path
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000")
	if err != nil {
		return nil, err
	}

	s := &SQLiteSink{
		db:    db,
		queue: make(chan monitor.RequestLog, defaultQueueSize),
		done:  make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.worker()
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS logs (
			id TEXT PRIMARY KEY,
			started_at INTEGER NOT NULL,
			payload JSON NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_started_at ON logs(started_at DESC)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// Append enqueues one summary for persistence, dropping on overflow
func (s *SQLiteSink) Append(l monitor.RequestLog) {
	select {
	case s.queue <- l:
	default:
		log.Warn().Str("log_id", l.ID).Msg("log sink queue full, dropping entry")
	}
}

func (s *SQLiteSink) worker() {
	defer s.wg.Done()

	batch := make([]monitor.RequestLog, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case l := <-s.queue:
			batch = append(batch, l)
			if len(batch) >= batchSize {
				s.writeBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.writeBatch(batch)
				batch = batch[:0]
			}
		case <-s.done:
			for {
				select {
				case l := <-s.queue:
					batch = append(batch, l)
				default:
					if len(batch) > 0 {
						s.writeBatch(batch)
					}
					return
				}
			}
		}
	}
}

func (s *SQLiteSink) writeBatch(batch []monitor.RequestLog) {
	start := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		log.Error().Err(err).Msg("failed to begin log batch")
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO logs (id, started_at, payload) VALUES (?, ?, ?)`)
	if err != nil {
		log.Error().Err(err).Msg("failed to prepare log insert")
		return
	}
	defer stmt.Close()

	for _, l := range batch {
		payload, err := json.Marshal(l)
		if err != nil {
			log.Error().Err(err).Str("log_id", l.ID).Msg("failed to marshal log")
			continue
		}
		if _, err := stmt.Exec(l.ID, l.StartedAt.Unix(), payload); err != nil {
			log.Error().Err(err).Str("log_id", l.ID).Msg("failed to insert log")
		}
	}

	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Msg("failed to commit log batch")
		return
	}
	log.Debug().Int("count", len(batch)).Dur("duration", time.Since(start)).Msg("persisted log batch")
}

// GetLog loads one persisted summary by id
func (s *SQLiteSink) GetLog(id string) (monitor.RequestLog, bool, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM logs WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return monitor.RequestLog{}, false, nil
	}
	if err != nil {
		return monitor.RequestLog{}, false, err
	}
	var l monitor.RequestLog
	if err := json.Unmarshal(payload, &l); err != nil {
		return monitor.RequestLog{}, false, err
	}
	return l, true, nil
}

// Close flushes pending batches and closes the database
func (s *SQLiteSink) Close() error {
	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return s.db.Close()
}
