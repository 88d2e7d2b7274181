// Package cdr implements the Call Detail Record manager (C5): creation,
// rollover-without-disconnect, JSON persistence under an active/archive
// directory pair, and retention-based archival. It is a near-direct
// translation of the original MAGIC CDR module's structure into Go idiom:
// manager-level lock guarding the table, per-record lock guarding a
// record's own mutable fields, and a snapshot-archive-create sequence for
// rollover so a CDR is never lost between the old record closing and the
// new one opening.
package cdr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is a CDR's lifecycle stage.
type Status string

const (
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
	StatusArchived Status = "archived"
	StatusRollover Status = "rollover"
)

// defaultRetention matches the original module's default archive
// retention of one day.
const defaultRetention = 24 * time.Hour

// Record is one CDR. BaseOffsetIn/Out let a rolled-over CDR report only
// the traffic it itself carried, even though the underlying traffic
// counters it reads from (internal/meter) never reset across a rollover.
// OverflowCountIn/Out and LastSampleIn/Out record how many times the raw
// 64-bit counter has wrapped and its most recent raw value, so the
// record's history of wraparound survives a rollover or restart even
// though the live meter reader's own wrap tracking does not.
type Record struct {
	CDRID     uint32 `json:"cdr_id"`
	UUID      string `json:"cdr_uuid"`
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
	DLMName   string `json:"dlm_name"`
	BearerID  uint8  `json:"bearer_id"`

	Status      Status    `json:"status"`
	StartTime   time.Time `json:"start_time"`
	StopTime    time.Time `json:"stop_time,omitempty"`
	ArchiveTime time.Time `json:"archive_time,omitempty"`

	BytesIn       uint64 `json:"-"`
	BytesOut      uint64 `json:"-"`
	PktsIn        uint64 `json:"-"`
	PktsOut       uint64 `json:"-"`
	BaseOffsetIn  uint64 `json:"-"`
	BaseOffsetOut uint64 `json:"-"`

	OverflowCountIn  uint64 `json:"-"`
	OverflowCountOut uint64 `json:"-"`
	LastSampleIn     uint64 `json:"-"`
	LastSampleOut    uint64 `json:"-"`

	mu sync.Mutex
}

// recordTraffic is the persisted shape of a Record's traffic sub-object.
type recordTraffic struct {
	BytesIn       uint64 `json:"bytes_in"`
	BytesOut      uint64 `json:"bytes_out"`
	PacketsIn     uint64 `json:"packets_in"`
	PacketsOut    uint64 `json:"packets_out"`
	BaseOffsetIn  uint64 `json:"base_offset_in"`
	BaseOffsetOut uint64 `json:"base_offset_out"`
}

// recordOverflow is the persisted shape of a Record's overflow sub-object.
type recordOverflow struct {
	OverflowCountIn  uint64 `json:"overflow_count_in"`
	OverflowCountOut uint64 `json:"overflow_count_out"`
	LastSampleIn     uint64 `json:"last_sample_in"`
	LastSampleOut    uint64 `json:"last_sample_out"`
}

// recordWire is the on-disk JSON shape (§4.6): flat scalars for
// identity/status/times, nested traffic and overflow objects.
type recordWire struct {
	CDRID       uint32         `json:"cdr_id"`
	UUID        string         `json:"cdr_uuid"`
	SessionID   string         `json:"session_id"`
	ClientID    string         `json:"client_id"`
	DLMName     string         `json:"dlm_name"`
	BearerID    uint8          `json:"bearer_id"`
	Status      Status         `json:"status"`
	StartTime   time.Time      `json:"start_time"`
	StopTime    time.Time      `json:"stop_time,omitempty"`
	ArchiveTime time.Time      `json:"archive_time,omitempty"`
	Traffic     recordTraffic  `json:"traffic"`
	Overflow    recordOverflow `json:"overflow"`
}

// MarshalJSON nests the traffic and overflow fields per §4.6's schema.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordWire{
		CDRID: r.CDRID, UUID: r.UUID, SessionID: r.SessionID, ClientID: r.ClientID,
		DLMName: r.DLMName, BearerID: r.BearerID, Status: r.Status,
		StartTime: r.StartTime, StopTime: r.StopTime, ArchiveTime: r.ArchiveTime,
		Traffic: recordTraffic{
			BytesIn: r.BytesIn, BytesOut: r.BytesOut,
			PacketsIn: r.PktsIn, PacketsOut: r.PktsOut,
			BaseOffsetIn: r.BaseOffsetIn, BaseOffsetOut: r.BaseOffsetOut,
		},
		Overflow: recordOverflow{
			OverflowCountIn: r.OverflowCountIn, OverflowCountOut: r.OverflowCountOut,
			LastSampleIn: r.LastSampleIn, LastSampleOut: r.LastSampleOut,
		},
	})
}

// UnmarshalJSON reverses MarshalJSON's nesting.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w recordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.CDRID, r.UUID, r.SessionID, r.ClientID = w.CDRID, w.UUID, w.SessionID, w.ClientID
	r.DLMName, r.BearerID, r.Status = w.DLMName, w.BearerID, w.Status
	r.StartTime, r.StopTime, r.ArchiveTime = w.StartTime, w.StopTime, w.ArchiveTime
	r.BytesIn, r.BytesOut = w.Traffic.BytesIn, w.Traffic.BytesOut
	r.PktsIn, r.PktsOut = w.Traffic.PacketsIn, w.Traffic.PacketsOut
	r.BaseOffsetIn, r.BaseOffsetOut = w.Traffic.BaseOffsetIn, w.Traffic.BaseOffsetOut
	r.OverflowCountIn, r.OverflowCountOut = w.Overflow.OverflowCountIn, w.Overflow.OverflowCountOut
	r.LastSampleIn, r.LastSampleOut = w.Overflow.LastSampleIn, w.Overflow.LastSampleOut
	return nil
}

// AddTraffic accumulates overflow-corrected deltas (the caller has
// already resolved wraparound via internal/meter) into the record's
// running totals.
func (r *Record) AddTraffic(deltaBytesIn, deltaBytesOut, deltaPktsIn, deltaPktsOut uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.BytesIn += deltaBytesIn
	r.BytesOut += deltaBytesOut
	r.PktsIn += deltaPktsIn
	r.PktsOut += deltaPktsOut
}

// RecordSample persists the meter's raw cumulative sample and wrap flags
// alongside the record, tracking overflow continuity independently of the
// live meter reader (which keys its own state off the session's firewall
// mark and is never reseeded from a CDR file across a restart).
func (r *Record) RecordSample(rawIn, rawOut uint64, wrappedIn, wrappedOut bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wrappedIn {
		r.OverflowCountIn++
	}
	if wrappedOut {
		r.OverflowCountOut++
	}
	r.LastSampleIn = rawIn
	r.LastSampleOut = rawOut
}

// Snapshot returns a copy of the record's current counters without its
// internal mutex, safe to serialize or hand to a caller.
func (r *Record) Snapshot() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r
	cp.mu = sync.Mutex{}
	return cp
}

// RolloverResult is the outcome of Manager.Rollover, mirroring the
// original module's CDRRolloverResult (used to answer an ACR asking the
// gateway to split the current bill without closing the session).
type RolloverResult struct {
	OldCDRID      uint32
	OldCDRUUID    string
	NewCDRID      uint32
	NewCDRUUID    string
	FinalBytesIn  uint64
	FinalBytesOut uint64
}

// Manager owns the CDR table and persists records to disk. The manager
// lock guards record_count/next id/the map itself; a record's own lock
// guards its counters. Lock ordering is always manager-then-record, never
// the reverse, to avoid deadlock with concurrent meter-driven updates.
type Manager struct {
	mu         sync.Mutex
	records    map[string]*Record // sessionID -> active record
	nextID     uint32
	baseDir    string
	activeDir  string
	archiveDir string
	retention  time.Duration
	logger     *zap.Logger

	totalCreated  uint64
	totalArchived uint64
	totalDeleted  uint64
}

// NewManager creates directories under baseDir if needed, reloads any
// still-active CDR left behind by a previous process from the active
// directory, and returns the resulting Manager (§4.6: "on startup, records
// still in the active directory are reloaded into memory only if their
// status is Active"). A zero retention uses the default one-day policy.
func NewManager(baseDir string, retention time.Duration, logger *zap.Logger) (*Manager, error) {
	if retention <= 0 {
		retention = defaultRetention
	}
	m := &Manager{
		records:    make(map[string]*Record),
		nextID:     1,
		baseDir:    baseDir,
		activeDir:  filepath.Join(baseDir, "active"),
		archiveDir: filepath.Join(baseDir, "archive"),
		retention:  retention,
		logger:     logger,
	}
	for _, dir := range []string{m.baseDir, m.activeDir, m.archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cdr directory %s: %w", dir, err)
		}
	}
	if err := m.reload(); err != nil {
		return nil, fmt.Errorf("reload active cdrs: %w", err)
	}
	return m, nil
}

// reload scans the active directory for CDR files left over from a
// previous process and loads the ones still marked Active back into the
// table. It advances nextID past every id found on disk (in active files,
// whatever their status, and in archive file names) so a restart never
// reissues an id already on disk.
func (m *Manager) reload() error {
	entries, err := os.ReadDir(m.activeDir)
	if err != nil {
		return fmt.Errorf("read active dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(m.activeDir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			m.logger.Warn("failed to read active cdr file", zap.String("path", path), zap.Error(err))
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			m.logger.Warn("failed to parse active cdr file", zap.String("path", path), zap.Error(err))
			continue
		}
		if rec.CDRID >= m.nextID {
			m.nextID = rec.CDRID + 1
		}
		if rec.Status != StatusActive {
			continue
		}
		loaded := rec
		m.records[loaded.SessionID] = &loaded
		m.totalCreated++
		m.logger.Info("cdr reloaded from active directory",
			zap.String("session_id", loaded.SessionID),
			zap.Uint32("cdr_id", loaded.CDRID),
		)
	}
	if archived, err := os.ReadDir(m.archiveDir); err == nil {
		for _, entry := range archived {
			var id uint32
			if _, err := fmt.Sscanf(entry.Name(), "cdr_%d_", &id); err == nil && id >= m.nextID {
				m.nextID = id + 1
			}
		}
	}
	return nil
}

// Open creates a new active CDR for a session, persisting it immediately
// so a crash right after Open never loses the record's existence.
func (m *Manager) Open(sessionID, clientID, dlmName string, bearerID uint8) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[sessionID]; ok {
		return existing, fmt.Errorf("session %s already has an active cdr (%d)", sessionID, existing.CDRID)
	}

	id := m.nextID
	m.nextID++
	rec := &Record{
		CDRID:     id,
		UUID:      uuid.NewString(),
		SessionID: sessionID,
		ClientID:  clientID,
		DLMName:   dlmName,
		BearerID:  bearerID,
		Status:    StatusActive,
		StartTime: time.Now(),
	}
	m.records[sessionID] = rec
	m.totalCreated++

	if err := m.persist(rec); err != nil {
		return nil, err
	}
	m.logger.Info("cdr opened",
		zap.String("session_id", sessionID),
		zap.Uint32("cdr_id", id),
	)
	return rec, nil
}

// Get returns the active CDR for a session, or nil.
func (m *Manager) Get(sessionID string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[sessionID]
}

// Active returns a snapshot of every currently active CDR, used by ADR's
// "active" CDR group.
func (m *Manager) Active() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Snapshot())
	}
	return out
}

// Finished returns every record in the archive directory, used by ADR's
// "finished" CDR group: records finalized by Close and records split off
// by Rollover alike, since both are billable, closed-out records. Records
// still tracked in the live table are never in the archive, since a
// record is archived only by Close or Rollover.
func (m *Manager) Finished() ([]Record, error) {
	entries, err := os.ReadDir(m.archiveDir)
	if err != nil {
		return nil, fmt.Errorf("read archive dir: %w", err)
	}
	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(m.archiveDir, entry.Name()))
		if err != nil {
			m.logger.Warn("failed to read archived cdr file", zap.String("path", entry.Name()), zap.Error(err))
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			m.logger.Warn("failed to parse archived cdr file", zap.String("path", entry.Name()), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close finalizes a session's active CDR as finished and moves it to the
// archive directory immediately (a normal session termination, not a
// rollover).
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[sessionID]
	if !ok {
		return fmt.Errorf("no active cdr for session %s", sessionID)
	}
	rec.mu.Lock()
	rec.Status = StatusFinished
	rec.StopTime = time.Now()
	rec.mu.Unlock()

	if err := m.archive(rec); err != nil {
		return err
	}
	delete(m.records, sessionID)
	return nil
}

// Rollover implements "bill splitting without disconnect" (MACR/MACA in
// the original protocol, ADR/ACR in this spec's naming): the current CDR
// is snapshotted, archived as StatusRollover, and a fresh CDR is opened
// for the same session with its base offsets set to the old record's
// final cumulative totals, so the next meter sample's delta attributes
// correctly to the new record alone.
func (m *Manager) Rollover(sessionID string) (*RolloverResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.records[sessionID]
	if !ok {
		return nil, fmt.Errorf("no active cdr for session %s", sessionID)
	}

	old.mu.Lock()
	old.Status = StatusRollover
	old.StopTime = time.Now()
	finalIn, finalOut := old.BytesIn, old.BytesOut
	old.mu.Unlock()

	if err := m.archive(old); err != nil {
		return nil, fmt.Errorf("archive old cdr during rollover: %w", err)
	}

	newID := m.nextID
	m.nextID++
	newRec := &Record{
		CDRID:         newID,
		UUID:          uuid.NewString(),
		SessionID:     sessionID,
		ClientID:      old.ClientID,
		DLMName:       old.DLMName,
		BearerID:      old.BearerID,
		Status:        StatusActive,
		StartTime:     time.Now(),
		BaseOffsetIn:  finalIn,
		BaseOffsetOut: finalOut,
		// The new record's own counters start at the old record's final
		// cumulative totals, matching internal/meter's running counter
		// (which never resets): actual traffic (bytes-base_offset) is then
		// zero until the next sample, not a negative/garbage value.
		BytesIn:  finalIn,
		BytesOut: finalOut,
	}
	m.records[sessionID] = newRec
	m.totalCreated++

	if err := m.persist(newRec); err != nil {
		return nil, fmt.Errorf("persist new cdr during rollover: %w", err)
	}

	m.logger.Info("cdr rolled over",
		zap.String("session_id", sessionID),
		zap.Uint32("old_cdr_id", old.CDRID),
		zap.Uint32("new_cdr_id", newID),
	)
	return &RolloverResult{
		OldCDRID:      old.CDRID,
		OldCDRUUID:    old.UUID,
		NewCDRID:      newID,
		NewCDRUUID:    newRec.UUID,
		FinalBytesIn:  finalIn,
		FinalBytesOut: finalOut,
	}, nil
}

// Persist writes the active CDR's current state back to its file; callers
// invoke this periodically (e.g. after every meter sample) so a process
// crash loses at most one sampling interval of accounting.
func (m *Manager) Persist(sessionID string) error {
	m.mu.Lock()
	rec, ok := m.records[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active cdr for session %s", sessionID)
	}
	return m.persist(rec)
}

// fileName builds the §6 file-naming convention: cdr_<cdr-id>_<uuid>.json.
func fileName(rec *Record) string {
	return fmt.Sprintf("cdr_%d_%s.json", rec.CDRID, rec.UUID)
}

func (m *Manager) activeFilePath(rec *Record) string {
	return filepath.Join(m.activeDir, fileName(rec))
}

func (m *Manager) archiveFilePath(rec *Record) string {
	return filepath.Join(m.archiveDir, fileName(rec))
}

func (m *Manager) persist(rec *Record) error {
	snap := rec.Snapshot()
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cdr %s: %w", snap.UUID, err)
	}
	tmp := m.activeFilePath(rec) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write cdr %s: %w", snap.UUID, err)
	}
	if err := os.Rename(tmp, m.activeFilePath(rec)); err != nil {
		return fmt.Errorf("rename cdr %s: %w", snap.UUID, err)
	}
	return nil
}

// archive moves a closed/rolled-over CDR's file from active to archive
// and records its archive time, without holding the record's lock across
// the filesystem operations.
func (m *Manager) archive(rec *Record) error {
	rec.mu.Lock()
	rec.ArchiveTime = time.Now()
	if rec.Status == StatusFinished {
		rec.Status = StatusArchived
	}
	rec.mu.Unlock()

	if err := m.persist(rec); err != nil {
		return err
	}
	if err := os.Rename(m.activeFilePath(rec), m.archiveFilePath(rec)); err != nil {
		return fmt.Errorf("archive cdr %s: %w", rec.UUID, err)
	}
	m.totalArchived++
	return nil
}

// Sweep deletes archived CDR files older than the manager's retention
// policy. Intended to be called periodically by the orchestrator on a
// ticker, mirroring the original module's hourly cleanup interval.
func (m *Manager) Sweep() (deleted int, err error) {
	cutoff := time.Now().Add(-m.retention)
	entries, err := os.ReadDir(m.archiveDir)
	if err != nil {
		return 0, fmt.Errorf("read archive dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(m.archiveDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				m.logger.Warn("failed to remove expired cdr", zap.String("path", path), zap.Error(err))
				continue
			}
			deleted++
		}
	}
	m.mu.Lock()
	m.totalDeleted += uint64(deleted)
	m.mu.Unlock()
	if deleted > 0 {
		m.logger.Info("cdr sweep complete", zap.Int("deleted", deleted))
	}
	return deleted, nil
}

// Stats reports the manager's lifetime counters.
func (m *Manager) Stats() (created, archived, deleted uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalCreated, m.totalArchived, m.totalDeleted
}
