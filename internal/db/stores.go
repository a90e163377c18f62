package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound reports a missing row for a get/update by id.
var ErrNotFound = errors.New("db: not found")

// --- Nodes ---

// ListNodes returns every persisted node.
func (db *DB) ListNodes() ([]Node, error) {
	rows, err := db.Query(`SELECT id, name, type, category, enabled, config_json, x, y FROM nodes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// GetNode returns a single node by id.
func (db *DB) GetNode(id string) (Node, error) {
	row := db.QueryRow(`SELECT id, name, type, category, enabled, config_json, x, y FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return Node{}, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(r rowScanner) (Node, error) {
	var n Node
	var configJSON string
	if err := r.Scan(&n.ID, &n.Name, &n.Type, &n.Category, &n.Enabled, &configJSON, &n.X, &n.Y); err != nil {
		return Node{}, err
	}
	if err := json.Unmarshal([]byte(configJSON), &n.Config); err != nil {
		return Node{}, fmt.Errorf("node %s: bad config_json: %w", n.ID, err)
	}
	if n.Config == nil {
		n.Config = NodeConfig{}
	}
	return n, nil
}

// UpsertNode inserts or replaces a node row.
func (db *DB) UpsertNode(n Node) error {
	configJSON, err := json.Marshal(n.Config)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO nodes (id, name, type, category, enabled, config_json, x, y)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, type = excluded.type, category = excluded.category,
			enabled = excluded.enabled, config_json = excluded.config_json,
			x = excluded.x, y = excluded.y`,
		n.ID, n.Name, n.Type, n.Category, n.Enabled, string(configJSON), n.X, n.Y)
	return err
}

// UpdateNodeConfig merges the given keys into a node's persisted config.
func (db *DB) UpdateNodeConfig(id string, patch map[string]any) error {
	n, err := db.GetNode(id)
	if err != nil {
		return err
	}
	for k, v := range patch {
		n.Config[k] = v
	}
	return db.UpsertNode(n)
}

// SetNodeEnabled toggles a node's enabled flag.
func (db *DB) SetNodeEnabled(id string, enabled bool) error {
	res, err := db.Exec(`UPDATE nodes SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteNode removes a node and purges all incident edges.
func (db *DB) DeleteNode(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM edges WHERE source_node = ? OR target_node = ?`, id, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM nodes WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Edges ---

// ListEdges returns every persisted edge.
func (db *DB) ListEdges() ([]Edge, error) {
	rows, err := db.Query(`SELECT id, source_node, source_port, target_node, target_port FROM edges ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.ID, &e.SourceNode, &e.SourcePort, &e.TargetNode, &e.TargetPort); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ReplaceEdges swaps the whole edge set atomically. The canvas always saves
// edges wholesale; there are no partial mutation semantics.
func (db *DB) ReplaceEdges(edges []Edge) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM edges`); err != nil {
		return err
	}
	for _, e := range edges {
		if _, err := tx.Exec(
			`INSERT INTO edges (id, source_node, source_port, target_node, target_port) VALUES (?, ?, ?, ?, ?)`,
			e.ID, e.SourceNode, e.SourcePort, e.TargetNode, e.TargetPort); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReplaceGraph swaps the entire persisted graph in one transaction.
func (db *DB) ReplaceGraph(nodes []Node, edges []Edge) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM edges`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM nodes`); err != nil {
		return err
	}
	for _, n := range nodes {
		configJSON, err := json.Marshal(n.Config)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO nodes (id, name, type, category, enabled, config_json, x, y) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.Name, n.Type, n.Category, n.Enabled, string(configJSON), n.X, n.Y); err != nil {
			return err
		}
	}
	for _, e := range edges {
		if _, err := tx.Exec(
			`INSERT INTO edges (id, source_node, source_port, target_node, target_port) VALUES (?, ?, ?, ?, ?)`,
			e.ID, e.SourceNode, e.SourcePort, e.TargetNode, e.TargetPort); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- Recordings ---

// InsertRecording persists a finalized recording row.
func (db *DB) InsertRecording(r Recording) error {
	metadataJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO recordings (id, name, node_id, sensor_id, file_path, file_size_bytes,
			frame_count, duration_seconds, recording_timestamp, metadata_json, thumbnail_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.NodeID, nullable(r.SensorID), r.FilePath, r.FileSizeBytes,
		r.FrameCount, r.DurationSeconds, r.RecordingTimestamp, string(metadataJSON), nullable(r.ThumbnailPath))
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetRecording returns a recording row by id.
func (db *DB) GetRecording(id string) (Recording, error) {
	row := db.QueryRow(`
		SELECT id, name, node_id, sensor_id, file_path, file_size_bytes, frame_count,
			duration_seconds, recording_timestamp, metadata_json, thumbnail_path, created_at
		FROM recordings WHERE id = ?`, id)
	r, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return Recording{}, fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	return r, err
}

// ListRecordings returns recordings, optionally filtered by node id,
// newest first.
func (db *DB) ListRecordings(nodeID string) ([]Recording, error) {
	q := `
		SELECT id, name, node_id, sensor_id, file_path, file_size_bytes, frame_count,
			duration_seconds, recording_timestamp, metadata_json, thumbnail_path, created_at
		FROM recordings`
	args := []any{}
	if nodeID != "" {
		q += ` WHERE node_id = ?`
		args = append(args, nodeID)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecording(r rowScanner) (Recording, error) {
	var rec Recording
	var sensorID, thumbnail sql.NullString
	var metadataJSON string
	if err := r.Scan(&rec.ID, &rec.Name, &rec.NodeID, &sensorID, &rec.FilePath, &rec.FileSizeBytes,
		&rec.FrameCount, &rec.DurationSeconds, &rec.RecordingTimestamp, &metadataJSON,
		&thumbnail, &rec.CreatedAt); err != nil {
		return Recording{}, err
	}
	rec.SensorID = sensorID.String
	rec.ThumbnailPath = thumbnail.String
	if err := json.Unmarshal([]byte(metadataJSON), &rec.Metadata); err != nil {
		return Recording{}, fmt.Errorf("recording %s: bad metadata_json: %w", rec.ID, err)
	}
	return rec, nil
}

// DeleteRecording removes a recording row.
func (db *DB) DeleteRecording(id string) error {
	res, err := db.Exec(`DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Calibration history ---

// InsertCalibration persists a calibration attempt.
func (db *DB) InsertCalibration(c CalibrationRow) error {
	stages, err := json.Marshal(c.StagesUsed)
	if err != nil {
		return err
	}
	before, err := json.Marshal(c.PoseBefore)
	if err != nil {
		return err
	}
	after, err := json.Marshal(c.PoseAfter)
	if err != nil {
		return err
	}
	matrix, err := json.Marshal(c.TransformationMatrix)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO calibration_history (id, sensor_id, reference_sensor_id, timestamp, fitness,
			rmse, quality, stages_used_json, pose_before_json, pose_after_json,
			transformation_matrix_json, accepted, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SensorID, c.ReferenceSensorID, c.Timestamp, c.Fitness, c.RMSE, c.Quality,
		string(stages), string(before), string(after), string(matrix), c.Accepted, c.Notes)
	return err
}

// ListCalibrations returns calibration rows for a sensor, newest first.
// limit <= 0 returns all rows.
func (db *DB) ListCalibrations(sensorID string, limit int) ([]CalibrationRow, error) {
	q := `
		SELECT id, sensor_id, reference_sensor_id, timestamp, fitness, rmse, quality,
			stages_used_json, pose_before_json, pose_after_json, transformation_matrix_json,
			accepted, notes
		FROM calibration_history WHERE sensor_id = ? ORDER BY timestamp DESC`
	args := []any{sensorID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CalibrationRow
	for rows.Next() {
		var c CalibrationRow
		var stages, before, after, matrix string
		if err := rows.Scan(&c.ID, &c.SensorID, &c.ReferenceSensorID, &c.Timestamp, &c.Fitness,
			&c.RMSE, &c.Quality, &stages, &before, &after, &matrix, &c.Accepted, &c.Notes); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(stages), &c.StagesUsed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(before), &c.PoseBefore); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(after), &c.PoseAfter); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(matrix), &c.TransformationMatrix); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCalibrationByTimestamp returns the calibration row for a sensor with
// the exact timestamp identity.
func (db *DB) GetCalibrationByTimestamp(sensorID, timestamp string) (CalibrationRow, error) {
	all, err := db.ListCalibrations(sensorID, 0)
	if err != nil {
		return CalibrationRow{}, err
	}
	for _, c := range all {
		if c.Timestamp == timestamp {
			return c, nil
		}
	}
	return CalibrationRow{}, fmt.Errorf("calibration %s@%s: %w", sensorID, timestamp, ErrNotFound)
}
