// Package storage provides SQLite-backed persistence for finalized sessions:
// per-frequency results, trials, responses, risk history and the decision log.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/audiometer/internal/models"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session ID is not stored.
var ErrNotFound = errors.New("session not found")

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db          *sql.DB
	maxSessions int
}

// SessionSummary is one row of ListSessions.
type SessionSummary struct {
	ID           string
	Status       models.SessionStatus
	Seed         int64
	StartedAt    time.Time
	EndedAt      time.Time
	RiskScore    float64
	RiskCategory string
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/audiometer/sessions.db. maxSessions <= 0
// keeps every session.
func New(maxSessions int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "audiometer", "sessions.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db, maxSessions: maxSessions}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			seed          INTEGER NOT NULL,
			status        TEXT NOT NULL,
			started_at    INTEGER NOT NULL,
			ended_at      INTEGER NOT NULL,
			familiarized  INTEGER NOT NULL DEFAULT 0,
			catch_summary TEXT NOT NULL DEFAULT '{}',
			reliability   TEXT NOT NULL DEFAULT '{}',
			risk_score    REAL NOT NULL DEFAULT 0,
			risk_category TEXT NOT NULL DEFAULT '',
			updated_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS frequency_results (
			session_id       TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			position         INTEGER NOT NULL,
			ear              TEXT NOT NULL,
			frequency_hz     INTEGER NOT NULL,
			status           TEXT NOT NULL,
			current_level    INTEGER NOT NULL,
			direction        TEXT NOT NULL,
			reversal_count   INTEGER NOT NULL,
			threshold        INTEGER,
			confidence       REAL,
			retest_threshold INTEGER,
			note             TEXT NOT NULL DEFAULT '',
			history          TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (session_id, ear, frequency_hz)
		)`,
		`CREATE TABLE IF NOT EXISTS trials (
			session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			id           INTEGER NOT NULL,
			ear          TEXT NOT NULL,
			frequency_hz INTEGER NOT NULL,
			level_db_hl  INTEGER NOT NULL,
			kind         TEXT NOT NULL,
			is_catch     INTEGER NOT NULL,
			presented_at INTEGER NOT NULL,
			aborted      INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS responses (
			session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			position    INTEGER NOT NULL,
			trial_id    INTEGER NOT NULL,
			responded   INTEGER NOT NULL,
			latency_ms  REAL NOT NULL,
			observed_at INTEGER NOT NULL,
			timed_out   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS risk_assessments (
			session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			position      INTEGER NOT NULL,
			score         REAL NOT NULL,
			category      TEXT NOT NULL,
			base_category TEXT NOT NULL,
			after_pairs   INTEGER NOT NULL,
			ear           TEXT NOT NULL DEFAULT '',
			frequency_hz  INTEGER NOT NULL DEFAULT 0,
			factors       TEXT NOT NULL,
			escalations   TEXT NOT NULL DEFAULT 'null',
			PRIMARY KEY (session_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS decision_log (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq        INTEGER NOT NULL,
			timestamp  INTEGER NOT NULL,
			source     TEXT NOT NULL,
			kind       TEXT NOT NULL,
			payload    TEXT NOT NULL,
			rationale  TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_log_kind ON decision_log(session_id, kind)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSession upserts a finalized session in one transaction. Child rows are
// replaced wholesale so a resumed session overwrites its interrupted copy.
func (s *Storage) SaveSession(session *models.SessionState) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	catchJSON, err := json.Marshal(session.CatchSummary)
	if err != nil {
		return fmt.Errorf("failed to marshal catch summary: %w", err)
	}
	reliabilityJSON, err := json.Marshal(session.Reliability)
	if err != nil {
		return fmt.Errorf("failed to marshal reliability: %w", err)
	}
	var riskScore float64
	var riskCategory string
	if latest, ok := session.LatestRisk(); ok {
		riskScore, riskCategory = latest.Score, latest.Category.String()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO sessions
			(id, seed, status, started_at, ended_at, familiarized, catch_summary,
			 reliability, risk_score, risk_category, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			seed=excluded.seed, status=excluded.status, started_at=excluded.started_at,
			ended_at=excluded.ended_at, familiarized=excluded.familiarized,
			catch_summary=excluded.catch_summary, reliability=excluded.reliability,
			risk_score=excluded.risk_score, risk_category=excluded.risk_category,
			updated_at=excluded.updated_at`,
		session.ID, session.Seed, string(session.Status),
		toNano(session.StartedAt), toNano(session.EndedAt), boolToInt(session.Familiarized),
		string(catchJSON), string(reliabilityJSON), riskScore, riskCategory,
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	for _, table := range []string{"frequency_results", "trials", "responses", "risk_assessments", "decision_log"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE session_id = ?`, session.ID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for i, f := range session.Frequencies {
		history, err := json.Marshal(f.TrialHistory)
		if err != nil {
			return fmt.Errorf("failed to marshal history for %s: %w", f.Key(), err)
		}
		_, err = tx.Exec(`
			INSERT INTO frequency_results
				(session_id, position, ear, frequency_hz, status, current_level, direction,
				 reversal_count, threshold, confidence, retest_threshold, note, history)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			session.ID, i, string(f.Ear), f.FrequencyHz, string(f.Status), f.CurrentLevel,
			string(f.Direction), f.ReversalCount, nullInt(f.Threshold), nullFloat(f.Confidence),
			nullInt(f.RetestThreshold), f.Note, string(history),
		)
		if err != nil {
			return fmt.Errorf("failed to insert result for %s: %w", f.Key(), err)
		}
	}

	for _, t := range session.Trials {
		_, err := tx.Exec(`
			INSERT INTO trials
				(session_id, id, ear, frequency_hz, level_db_hl, kind, is_catch, presented_at, aborted)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			session.ID, t.ID, string(t.Ear), t.FrequencyHz, t.LevelDbHL, string(t.Kind),
			boolToInt(t.IsCatchTrial), toNano(t.PresentedAt), boolToInt(t.Aborted),
		)
		if err != nil {
			return fmt.Errorf("failed to insert trial %d: %w", t.ID, err)
		}
	}

	for i, r := range session.Responses {
		_, err := tx.Exec(`
			INSERT INTO responses
				(session_id, position, trial_id, responded, latency_ms, observed_at, timed_out)
			VALUES (?,?,?,?,?,?,?)`,
			session.ID, i, r.TrialID, boolToInt(r.Responded), r.LatencyMs,
			toNano(r.ObservedAt), boolToInt(r.TimedOut),
		)
		if err != nil {
			return fmt.Errorf("failed to insert response to trial %d: %w", r.TrialID, err)
		}
	}

	for i, a := range session.RiskHistory {
		factors, err := json.Marshal(a.ContributingFactors)
		if err != nil {
			return fmt.Errorf("failed to marshal risk factors: %w", err)
		}
		escalations, err := json.Marshal(a.Escalations)
		if err != nil {
			return fmt.Errorf("failed to marshal escalations: %w", err)
		}
		_, err = tx.Exec(`
			INSERT INTO risk_assessments
				(session_id, position, score, category, base_category, after_pairs,
				 ear, frequency_hz, factors, escalations)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			session.ID, i, a.Score, a.Category.String(), a.BaseCategory.String(), a.AfterPairs,
			string(a.Ear), a.FrequencyHz, string(factors), string(escalations),
		)
		if err != nil {
			return fmt.Errorf("failed to insert risk assessment %d: %w", i, err)
		}
	}

	for _, e := range session.DecisionLog {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal decision %d: %w", e.Seq, err)
		}
		_, err = tx.Exec(`
			INSERT INTO decision_log
				(session_id, seq, timestamp, source, kind, payload, rationale)
			VALUES (?,?,?,?,?,?,?)`,
			session.ID, e.Seq, toNano(e.Timestamp), e.Source, string(e.Kind),
			string(payload), e.Rationale,
		)
		if err != nil {
			return fmt.Errorf("failed to insert decision %d: %w", e.Seq, err)
		}
	}

	if s.maxSessions > 0 {
		if _, err := tx.Exec(`
			DELETE FROM sessions WHERE id NOT IN (
				SELECT id FROM sessions ORDER BY started_at DESC LIMIT ?
			)`, s.maxSessions); err != nil {
			return fmt.Errorf("failed to enforce session cap: %w", err)
		}
	}

	return tx.Commit()
}

// LoadSession restores a stored session, decoding every decision payload back
// to its typed form.
func (s *Storage) LoadSession(id string) (*models.SessionState, error) {
	var session models.SessionState
	var status, catchJSON, reliabilityJSON string
	var startedNano, endedNano int64
	var familiarized int

	err := s.db.QueryRow(`
		SELECT id, seed, status, started_at, ended_at, familiarized, catch_summary, reliability
		FROM sessions WHERE id = ?`, id).Scan(
		&session.ID, &session.Seed, &status, &startedNano, &endedNano, &familiarized,
		&catchJSON, &reliabilityJSON,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	session.Status = models.SessionStatus(status)
	session.StartedAt = fromNano(startedNano)
	session.EndedAt = fromNano(endedNano)
	session.Familiarized = familiarized != 0
	if err := json.Unmarshal([]byte(catchJSON), &session.CatchSummary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal catch summary: %w", err)
	}
	if err := json.Unmarshal([]byte(reliabilityJSON), &session.Reliability); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reliability: %w", err)
	}

	loaders := []func(*models.SessionState) error{
		s.loadFrequencies, s.loadTrials, s.loadResponses, s.loadRisk, s.loadDecisions,
	}
	for _, load := range loaders {
		if err := load(&session); err != nil {
			return nil, err
		}
	}
	return &session, nil
}

func (s *Storage) loadFrequencies(session *models.SessionState) error {
	rows, err := s.db.Query(`
		SELECT ear, frequency_hz, status, current_level, direction, reversal_count,
		       threshold, confidence, retest_threshold, note, history
		FROM frequency_results WHERE session_id = ? ORDER BY position`, session.ID)
	if err != nil {
		return fmt.Errorf("failed to query frequency results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var f models.PerFrequencyState
		var ear, status, direction, history string
		var threshold, retest sql.NullInt64
		var confidence sql.NullFloat64
		err := rows.Scan(
			&ear, &f.FrequencyHz, &status, &f.CurrentLevel, &direction, &f.ReversalCount,
			&threshold, &confidence, &retest, &f.Note, &history,
		)
		if err != nil {
			return fmt.Errorf("failed to scan frequency result: %w", err)
		}
		f.Ear = models.Ear(ear)
		f.Status = models.FrequencyStatus(status)
		f.Direction = models.Direction(direction)
		f.Threshold = intPtr(threshold)
		f.RetestThreshold = intPtr(retest)
		if confidence.Valid {
			v := confidence.Float64
			f.Confidence = &v
		}
		if err := json.Unmarshal([]byte(history), &f.TrialHistory); err != nil {
			return fmt.Errorf("failed to unmarshal history for %s: %w", f.Key(), err)
		}
		session.Frequencies = append(session.Frequencies, f)
	}
	return rows.Err()
}

func (s *Storage) loadTrials(session *models.SessionState) error {
	rows, err := s.db.Query(`
		SELECT id, ear, frequency_hz, level_db_hl, kind, is_catch, presented_at, aborted
		FROM trials WHERE session_id = ? ORDER BY id`, session.ID)
	if err != nil {
		return fmt.Errorf("failed to query trials: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t models.Trial
		var ear, kind string
		var isCatch, aborted int
		var presentedNano int64
		if err := rows.Scan(&t.ID, &ear, &t.FrequencyHz, &t.LevelDbHL, &kind, &isCatch, &presentedNano, &aborted); err != nil {
			return fmt.Errorf("failed to scan trial: %w", err)
		}
		t.Ear = models.Ear(ear)
		t.Kind = models.TrialKind(kind)
		t.IsCatchTrial = isCatch != 0
		t.PresentedAt = fromNano(presentedNano)
		t.Aborted = aborted != 0
		session.Trials = append(session.Trials, t)
	}
	return rows.Err()
}

func (s *Storage) loadResponses(session *models.SessionState) error {
	rows, err := s.db.Query(`
		SELECT trial_id, responded, latency_ms, observed_at, timed_out
		FROM responses WHERE session_id = ? ORDER BY position`, session.ID)
	if err != nil {
		return fmt.Errorf("failed to query responses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r models.ResponseEvent
		var responded, timedOut int
		var observedNano int64
		if err := rows.Scan(&r.TrialID, &responded, &r.LatencyMs, &observedNano, &timedOut); err != nil {
			return fmt.Errorf("failed to scan response: %w", err)
		}
		r.Responded = responded != 0
		r.TimedOut = timedOut != 0
		r.ObservedAt = fromNano(observedNano)
		session.Responses = append(session.Responses, r)
	}
	return rows.Err()
}

func (s *Storage) loadRisk(session *models.SessionState) error {
	rows, err := s.db.Query(`
		SELECT score, category, base_category, after_pairs, ear, frequency_hz, factors, escalations
		FROM risk_assessments WHERE session_id = ? ORDER BY position`, session.ID)
	if err != nil {
		return fmt.Errorf("failed to query risk assessments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a models.RiskAssessment
		var category, base, ear, factors, escalations string
		if err := rows.Scan(&a.Score, &category, &base, &a.AfterPairs, &ear, &a.FrequencyHz, &factors, &escalations); err != nil {
			return fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		if err := a.Category.UnmarshalText([]byte(category)); err != nil {
			return err
		}
		if err := a.BaseCategory.UnmarshalText([]byte(base)); err != nil {
			return err
		}
		a.Ear = models.Ear(ear)
		if err := json.Unmarshal([]byte(factors), &a.ContributingFactors); err != nil {
			return fmt.Errorf("failed to unmarshal risk factors: %w", err)
		}
		if err := json.Unmarshal([]byte(escalations), &a.Escalations); err != nil {
			return fmt.Errorf("failed to unmarshal escalations: %w", err)
		}
		session.RiskHistory = append(session.RiskHistory, a)
	}
	return rows.Err()
}

func (s *Storage) loadDecisions(session *models.SessionState) error {
	rows, err := s.db.Query(`
		SELECT seq, timestamp, source, kind, payload, rationale
		FROM decision_log WHERE session_id = ? ORDER BY seq`, session.ID)
	if err != nil {
		return fmt.Errorf("failed to query decision log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e models.DecisionLogEntry
		var kind, payload string
		var tsNano int64
		if err := rows.Scan(&e.Seq, &tsNano, &e.Source, &kind, &payload, &e.Rationale); err != nil {
			return fmt.Errorf("failed to scan decision: %w", err)
		}
		e.Timestamp = fromNano(tsNano)
		e.Kind = models.DecisionKind(kind)
		e.Payload, err = models.DecodePayload(e.Kind, json.RawMessage(payload))
		if err != nil {
			return fmt.Errorf("decision %d: %w", e.Seq, err)
		}
		session.DecisionLog = append(session.DecisionLog, e)
	}
	return rows.Err()
}

// ListSessions returns the newest sessions first. limit <= 0 lists all.
func (s *Storage) ListSessions(limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT id, status, seed, started_at, ended_at, risk_score, risk_category
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	summaries := []SessionSummary{}
	for rows.Next() {
		var sum SessionSummary
		var status string
		var startedNano, endedNano int64
		if err := rows.Scan(&sum.ID, &status, &sum.Seed, &startedNano, &endedNano, &sum.RiskScore, &sum.RiskCategory); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sum.Status = models.SessionStatus(status)
		sum.StartedAt = fromNano(startedNano)
		sum.EndedAt = fromNano(endedNano)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// DeleteSession removes a session; cascading deletes remove its child rows.
func (s *Storage) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func toNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
