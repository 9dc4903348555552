package storage

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

const createIncidentsTable = `
CREATE TABLE IF NOT EXISTS security_incidents (
    ID         String,
    Severity   String,
    AttackType String,
    State      String,
    SourceIP   String,
    TargetIP   String,
    Title      String,
    CreatedAt  DateTime,
    UpdatedAt  DateTime,
    MaxScore   Float64,
    NumScores  UInt32,
    ActionIDs  String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(UpdatedAt)
ORDER BY (UpdatedAt, ID);
`

const createActionsTable = `
CREATE TABLE IF NOT EXISTS security_actions (
    ID         String,
    IncidentID String,
    Type       String,
    Status     String,
    TargetIP   String,
    TargetPort UInt16,
    DryRun     UInt8,
    Executed   UInt8,
    RolledBack UInt8,
    Attempts   UInt32,
    StartedAt  DateTime,
    FinishedAt DateTime,
    ExpiresAt  DateTime,
    Error      String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(StartedAt)
ORDER BY (StartedAt, ID);
`

// ClickHouseStore writes the audit trail to ClickHouse for analytics.
// It implements model.Store; restart reopening usually reads from the
// local JSONL log instead, but the query path works here too.
type ClickHouseStore struct {
	conn driver.Conn
}

func NewClickHouseStore(cfg config.ClickHouseConfig) (*ClickHouseStore, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	for _, stmt := range []string{createIncidentsTable, createActionsTable} {
		if err := conn.Exec(context.Background(), stmt); err != nil {
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}
	log.Println("Successfully connected to ClickHouse and ensured tables exist.")
	return &ClickHouseStore{conn: conn}, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

func (s *ClickHouseStore) RecordIncident(inc *model.Incident) error {
	batch, err := s.conn.PrepareBatch(context.Background(), "INSERT INTO security_incidents")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	var maxScore float64
	for _, sc := range inc.Scores {
		if sc.Score > maxScore {
			maxScore = sc.Score
		}
	}
	if err := batch.Append(
		inc.ID,
		inc.Severity.String(),
		string(inc.AttackType),
		string(inc.State),
		inc.SourceIP,
		inc.TargetIP,
		inc.Title,
		inc.CreatedAt,
		inc.UpdatedAt,
		maxScore,
		uint32(len(inc.Scores)),
		strings.Join(inc.ActionIDs, ","),
	); err != nil {
		return fmt.Errorf("failed to append incident: %w", err)
	}
	return batch.Send()
}

func (s *ClickHouseStore) RecordAction(rec *model.ActionRecord) error {
	batch, err := s.conn.PrepareBatch(context.Background(), "INSERT INTO security_actions")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	if err := batch.Append(
		rec.ID,
		rec.Request.IncidentID,
		string(rec.Request.Type),
		string(rec.Status),
		rec.Request.TargetIP,
		rec.Request.TargetPort,
		boolToUInt8(rec.Request.DryRun),
		boolToUInt8(rec.Executed),
		boolToUInt8(rec.RolledBack),
		uint32(rec.Attempts),
		rec.StartedAt,
		rec.FinishedAt,
		rec.ExpiresAt,
		rec.Error,
	); err != nil {
		return fmt.Errorf("failed to append action: %w", err)
	}
	return batch.Send()
}

// LoadRecentIncidents returns one row per recorded transition; callers
// dedupe by taking the latest UpdatedAt per ID.
func (s *ClickHouseStore) LoadRecentIncidents(since time.Time) ([]*model.Incident, error) {
	rows, err := s.conn.Query(context.Background(),
		`SELECT ID, Severity, AttackType, State, SourceIP, TargetIP, Title, CreatedAt, UpdatedAt
		   FROM security_incidents WHERE UpdatedAt >= ? ORDER BY UpdatedAt`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var out []*model.Incident
	for rows.Next() {
		var (
			inc                     model.Incident
			severity, attack, state string
		)
		if err := rows.Scan(&inc.ID, &severity, &attack, &state, &inc.SourceIP, &inc.TargetIP,
			&inc.Title, &inc.CreatedAt, &inc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		sev, err := model.ParseSeverity(severity)
		if err != nil {
			return nil, err
		}
		inc.Severity = sev
		inc.AttackType = model.AttackType(attack)
		inc.State = model.IncidentState(state)
		out = append(out, &inc)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
