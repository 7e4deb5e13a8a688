package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/nerrad567/meshlink-core/internal/processor"
)

const (
	defaultMessageLimit = 100
	maxMessageLimit     = 10000

	// timeFormat is fixed-width so stored timestamps sort as text.
	timeFormat = "2006-01-02T15:04:05.000000000Z"
)

// SQLiteStore implements processor.Store on the mesh_nodes and
// mesh_messages tables.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a store on an open, migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// SaveNode inserts or replaces one directory entry.
func (s *SQLiteStore) SaveNode(ctx context.Context, n processor.Node) error {
	if n.Num == 0 {
		return fmt.Errorf("node number is required")
	}

	var lastSeen sql.NullString
	if !n.LastSeen.IsZero() {
		lastSeen = sql.NullString{String: formatTime(n.LastSeen), Valid: true}
	}
	var battery sql.NullInt64
	if n.BatteryLevel != nil {
		battery = sql.NullInt64{Int64: int64(*n.BatteryLevel), Valid: true}
	}
	var voltage sql.NullFloat64
	if n.Voltage != nil {
		voltage = sql.NullFloat64{Float64: float64(*n.Voltage), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mesh_nodes (node_num, node_id, long_name, short_name, hw_model, role, is_licensed,
		                         last_seen, battery_level, voltage, snr, rssi, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(node_num) DO UPDATE SET
		     node_id = excluded.node_id,
		     long_name = excluded.long_name,
		     short_name = excluded.short_name,
		     hw_model = excluded.hw_model,
		     role = excluded.role,
		     is_licensed = excluded.is_licensed,
		     last_seen = excluded.last_seen,
		     battery_level = excluded.battery_level,
		     voltage = excluded.voltage,
		     snr = excluded.snr,
		     rssi = excluded.rssi,
		     updated_at = excluded.updated_at`,
		n.Num, n.ID, n.LongName, n.ShortName, n.HWModel, n.Role, n.IsLicensed,
		lastSeen, battery, voltage, n.SNR, n.RSSI, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("saving node %d: %w", n.Num, err)
	}
	return nil
}

// ListNodes returns every stored node ordered by node number. Online is
// left false; the processor recomputes it.
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]processor.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_num, node_id, long_name, short_name, hw_model, role, is_licensed,
		        last_seen, battery_level, voltage, snr, rssi
		 FROM mesh_nodes
		 ORDER BY node_num`)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var nodes []processor.Node
	for rows.Next() {
		var (
			n        processor.Node
			lastSeen sql.NullString
			battery  sql.NullInt64
			voltage  sql.NullFloat64
			snr      sql.NullFloat64
			rssi     sql.NullInt64
		)
		if err := rows.Scan(&n.Num, &n.ID, &n.LongName, &n.ShortName, &n.HWModel, &n.Role, &n.IsLicensed,
			&lastSeen, &battery, &voltage, &snr, &rssi); err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}

		if lastSeen.Valid {
			t, err := parseTime(lastSeen.String)
			if err != nil {
				return nil, fmt.Errorf("node %d last_seen: %w", n.Num, err)
			}
			n.LastSeen = t
		}
		if battery.Valid {
			b := uint32(battery.Int64)
			n.BatteryLevel = &b
		}
		if voltage.Valid {
			v := float32(voltage.Float64)
			n.Voltage = &v
		}
		n.SNR = float32(snr.Float64)
		n.RSSI = int32(rssi.Int64)

		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nodes: %w", err)
	}
	return nodes, nil
}

// SaveMessage inserts a message, replacing any row with the same id.
func (s *SQLiteStore) SaveMessage(ctx context.Context, m processor.Message) error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO mesh_messages
		     (id, packet_id, from_node, to_node, text, message_type, channel, hop_limit, want_ack, is_from_me, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PacketID, m.From, m.To, m.Text, int(m.Type), m.Channel, m.HopLimit, m.WantAck, m.IsFromMe,
		formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("saving message %s: %w", m.ID, err)
	}
	return nil
}

// ListMessages returns up to limit of the newest messages, oldest first.
// limit defaults to 100 and is capped at 10000.
func (s *SQLiteStore) ListMessages(ctx context.Context, limit int) ([]processor.Message, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	limit = min(limit, maxMessageLimit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, packet_id, from_node, to_node, text, message_type, channel, hop_limit, want_ack, is_from_me, timestamp
		 FROM mesh_messages
		 ORDER BY timestamp DESC, rowid DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := make([]processor.Message, 0, limit)
	for rows.Next() {
		var (
			m   processor.Message
			typ int
			ts  string
		)
		if err := rows.Scan(&m.ID, &m.PacketID, &m.From, &m.To, &m.Text, &typ, &m.Channel, &m.HopLimit,
			&m.WantAck, &m.IsFromMe, &ts); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Type = processor.MessageType(typ)
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("message %s timestamp: %w", m.ID, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}

// ClearMessages deletes the whole message history.
func (s *SQLiteStore) ClearMessages(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM mesh_messages")
	if err != nil {
		return 0, fmt.Errorf("deleting messages: %w", err)
	}
	return rowsAffected(result)
}

// ClearNodes deletes the persisted node directory.
func (s *SQLiteStore) ClearNodes(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM mesh_nodes")
	if err != nil {
		return 0, fmt.Errorf("deleting nodes: %w", err)
	}
	return rowsAffected(result)
}

// PruneMessages keeps only the newest keep messages.
func (s *SQLiteStore) PruneMessages(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, fmt.Errorf("keep must be positive")
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM mesh_messages
		 WHERE id NOT IN (
		     SELECT id FROM mesh_messages ORDER BY timestamp DESC, rowid DESC LIMIT ?
		 )`,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning messages: %w", err)
	}
	return rowsAffected(result)
}

// Load reads what processor.Restore needs: every node and the newest
// historyLimit messages.
func (s *SQLiteStore) Load(ctx context.Context, historyLimit int) ([]processor.Node, []processor.Message, error) {
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.ListMessages(ctx, historyLimit)
	if err != nil {
		return nil, nil, err
	}
	return nodes, messages, nil
}

func rowsAffected(result sql.Result) (int64, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	return t, nil
}
