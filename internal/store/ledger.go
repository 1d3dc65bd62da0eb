// Package store provides the SQLite audit ledger for safety events: threat
// signals, resolved quorum proposals and collusion findings. The core
// detectors never require it; it is attached as a sink by the caller.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"guidance/internal/collusion"
	"guidance/internal/logging"
	"guidance/internal/quorum"
	"guidance/internal/threat"
)

// MemoryPath opens a private in-memory ledger.
const MemoryPath = ":memory:"

// Ledger is an append-mostly SQLite audit log.
// It implements threat.Sink and quorum.Sink.
type Ledger struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

var (
	_ threat.Sink = (*Ledger)(nil)
	_ quorum.Sink = (*Ledger)(nil)
)

// Open opens or creates the ledger at path.
func Open(path string) (*Ledger, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: an in-memory database is per-connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db, dbPath: path}
	if err := l.ensureSchema(); err != nil {
		db.Close()
		logging.Get(logging.CategoryStore).Error("Failed to ensure ledger schema: %v", err)
		return nil, fmt.Errorf("failed to ensure ledger schema: %w", err)
	}

	logging.Store("Audit ledger opened at %s", path)
	return l, nil
}

func (l *Ledger) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threat_signals (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		description TEXT NOT NULL,
		evidence TEXT NOT NULL DEFAULT '[]',
		severity REAL NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_threat_signals_agent ON threat_signals(agent_id, created_at);

	CREATE TABLE IF NOT EXISTS quorum_results (
		proposal_id TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		proposer_id TEXT NOT NULL,
		approved INTEGER NOT NULL,
		votes_for INTEGER NOT NULL,
		votes_against INTEGER NOT NULL,
		ratio REAL NOT NULL,
		threshold REAL NOT NULL,
		votes TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		resolved_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS collusion_patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id TEXT NOT NULL,
		pattern_type TEXT NOT NULL,
		agents TEXT NOT NULL DEFAULT '[]',
		evidence TEXT NOT NULL,
		confidence REAL NOT NULL,
		analyzed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_collusion_patterns_report ON collusion_patterns(report_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close closes the database.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// Path returns the database location.
func (l *Ledger) Path() string { return l.dbPath }

// RecordSignal stores one threat signal. Re-recording the same id is a no-op.
func (l *Ledger) RecordSignal(s threat.Signal) error {
	evidence, err := json.Marshal(nonNilStrings(s.Evidence))
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}
	metadata, err := json.Marshal(nonNilMap(s.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.db.Exec(`
		INSERT OR IGNORE INTO threat_signals
			(id, category, agent_id, description, evidence, severity, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, string(s.Category), s.AgentID, s.Description, string(evidence), s.Severity, string(metadata), s.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert signal %s: %w", s.ID, err)
	}
	logging.StoreDebug("Recorded signal %s (%s)", s.ID, s.Category)
	return nil
}

// RecordResolution stores a resolved proposal with its tally and ballots.
func (l *Ledger) RecordResolution(p quorum.Proposal) error {
	if !p.Resolved || p.Result == nil {
		return fmt.Errorf("proposal %s is not resolved", p.ID)
	}
	votes, err := json.Marshal(p.Votes)
	if err != nil {
		return fmt.Errorf("failed to marshal votes: %w", err)
	}

	r := p.Result
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.db.Exec(`
		INSERT OR REPLACE INTO quorum_results
			(proposal_id, key, value, proposer_id, approved, votes_for, votes_against, ratio, threshold, votes, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Key, p.Value, p.ProposerID, r.Approved, r.For, r.Against, r.Ratio, r.Threshold, string(votes),
		p.CreatedAt.UnixNano(), r.ResolvedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert quorum result %s: %w", p.ID, err)
	}
	logging.StoreDebug("Recorded quorum result %s approved=%t", p.ID, r.Approved)
	return nil
}

// RecordCollusion stores every pattern of a report under a fresh report id
// and returns that id. A report without patterns is not stored.
func (l *Ledger) RecordCollusion(r collusion.Report) (string, error) {
	if len(r.Patterns) == 0 {
		return "", nil
	}
	reportID := uuid.New().String()

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO collusion_patterns (report_id, pattern_type, agents, evidence, confidence, analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range r.Patterns {
		agents, err := json.Marshal(nonNilStrings(p.Agents))
		if err != nil {
			return "", fmt.Errorf("failed to marshal agents: %w", err)
		}
		if _, err := stmt.Exec(reportID, string(p.Type), string(agents), p.Evidence, p.Confidence, r.AnalyzedAt.UnixNano()); err != nil {
			return "", fmt.Errorf("failed to insert collusion pattern: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit collusion report: %w", err)
	}

	logging.Store("Recorded collusion report %s with %d pattern(s)", reportID, len(r.Patterns))
	return reportID, nil
}

// SignalsForAgent returns an agent's signals, newest first. limit <= 0 means no limit.
func (l *Ledger) SignalsForAgent(agentID string, limit int) ([]threat.Signal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT id, category, agent_id, description, evidence, severity, metadata, created_at
		FROM threat_signals WHERE agent_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?`, agentID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var out []threat.Signal
	for rows.Next() {
		var (
			s                  threat.Signal
			category           string
			evidence, metadata string
			created            int64
		)
		if err := rows.Scan(&s.ID, &category, &s.AgentID, &s.Description, &evidence, &s.Severity, &metadata, &created); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		s.Category = threat.Category(category)
		s.Timestamp = time.Unix(0, created).UTC()
		if err := json.Unmarshal([]byte(evidence), &s.Evidence); err != nil {
			return nil, fmt.Errorf("signal %s: bad evidence: %w", s.ID, err)
		}
		if err := json.Unmarshal([]byte(metadata), &s.Metadata); err != nil {
			return nil, fmt.Errorf("signal %s: bad metadata: %w", s.ID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// QuorumResults returns resolved proposals, most recently resolved first.
func (l *Ledger) QuorumResults(limit int) ([]quorum.Proposal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT proposal_id, key, value, proposer_id, approved, votes_for, votes_against, ratio, threshold, votes, created_at, resolved_at
		FROM quorum_results
		ORDER BY resolved_at DESC, proposal_id
		LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query quorum results: %w", err)
	}
	defer rows.Close()

	var out []quorum.Proposal
	for rows.Next() {
		var (
			p                 quorum.Proposal
			r                 quorum.Result
			votes             string
			created, resolved int64
		)
		if err := rows.Scan(&p.ID, &p.Key, &p.Value, &p.ProposerID, &r.Approved, &r.For, &r.Against,
			&r.Ratio, &r.Threshold, &votes, &created, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan quorum result: %w", err)
		}
		if err := json.Unmarshal([]byte(votes), &p.Votes); err != nil {
			return nil, fmt.Errorf("proposal %s: bad votes: %w", p.ID, err)
		}
		r.Total = r.For + r.Against
		r.ResolvedAt = time.Unix(0, resolved).UTC()
		p.CreatedAt = time.Unix(0, created).UTC()
		p.Resolved = true
		p.Result = &r
		out = append(out, p)
	}
	return out, rows.Err()
}

// CollusionRecord is a stored collusion pattern.
type CollusionRecord struct {
	ReportID   string
	AnalyzedAt time.Time
	collusion.Pattern
}

// CollusionPatterns returns stored patterns, newest report first.
func (l *Ledger) CollusionPatterns(limit int) ([]CollusionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT report_id, pattern_type, agents, evidence, confidence, analyzed_at
		FROM collusion_patterns
		ORDER BY analyzed_at DESC, id
		LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query collusion patterns: %w", err)
	}
	defer rows.Close()

	var out []CollusionRecord
	for rows.Next() {
		var (
			rec      CollusionRecord
			typ      string
			agents   string
			analyzed int64
		)
		if err := rows.Scan(&rec.ReportID, &typ, &agents, &rec.Evidence, &rec.Confidence, &analyzed); err != nil {
			return nil, fmt.Errorf("failed to scan collusion pattern: %w", err)
		}
		if err := json.Unmarshal([]byte(agents), &rec.Agents); err != nil {
			return nil, fmt.Errorf("report %s: bad agents: %w", rec.ReportID, err)
		}
		rec.Type = collusion.PatternType(typ)
		rec.AnalyzedAt = time.Unix(0, analyzed).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats holds row counts per table.
type Stats struct {
	Signals           int
	QuorumResults     int
	CollusionPatterns int
}

// Stats counts stored rows.
func (l *Ledger) Stats() (Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var st Stats
	for _, q := range []struct {
		table string
		dst   *int
	}{
		{"threat_signals", &st.Signals},
		{"quorum_results", &st.QuorumResults},
		{"collusion_patterns", &st.CollusionPatterns},
	} {
		if err := l.db.QueryRow("SELECT COUNT(*) FROM " + q.table).Scan(q.dst); err != nil {
			return Stats{}, fmt.Errorf("failed to count %s: %w", q.table, err)
		}
	}
	return st, nil
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1 // SQLite: no limit
	}
	return limit
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
