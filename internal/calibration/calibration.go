// Package calibration implements the ICP calibration node: it buffers the
// latest frame per contributing sensor, runs two-stage registration on
// demand and manages the pending/accept/reject/rollback history.
package calibration

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/huykuka/lidargraph/internal/calibration/registration"
	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/engine"
	"github.com/huykuka/lidargraph/internal/pointcloud"
)

// ErrNoPending reports accept/reject without a pending calibration.
var ErrNoPending = errors.New("calibration: no pending calibration")

// Node is a calibration node. It is a passthrough for data flow and keeps
// only the latest frame per contributing source. The first observed source
// becomes the reference; later distinct sources become calibration targets.
type Node struct {
	id     string
	name   string
	fwd    engine.Forwarder
	store  *db.DB
	reload func()
	log    zerolog.Logger

	cfg              registration.Config
	autoSave         bool
	minFitnessToSave float64

	enabled atomic.Bool

	mu          sync.Mutex
	latest      map[string]*pointcloud.Cloud
	referenceID string
	sourceIDs   []string
	pending     map[string]*db.CalibrationRow
	lastRun     string
}

// Register binds the calibration builder to the manager.
func Register(m *engine.Manager) {
	m.RegisterBuilder("calibration", Build)
}

// Build constructs a calibration node from its persisted row.
func Build(node db.Node, ctx *engine.BuildContext) (engine.Node, error) {
	n := &Node{
		id:               node.ID,
		name:             node.Name,
		fwd:              ctx.Forwarder,
		store:            ctx.Store,
		reload:           ctx.RequestReload,
		log:              ctx.Log,
		cfg:              registration.ConfigFromNode(node.Config),
		autoSave:         node.Config.Bool("auto_save", false),
		minFitnessToSave: node.Config.Float("min_fitness_to_save", 0.8),
		latest:           make(map[string]*pointcloud.Cloud),
		pending:          make(map[string]*db.CalibrationRow),
	}
	n.enabled.Store(true)
	return n, nil
}

// ID returns the node id.
func (n *Node) ID() string { return n.id }

// Name returns the display name.
func (n *Node) Name() string { return n.name }

// Type returns "calibration".
func (n *Node) Type() string { return "calibration" }

// Enable activates the node.
func (n *Node) Enable() { n.enabled.Store(true) }

// Disable deactivates the node.
func (n *Node) Disable() { n.enabled.Store(false) }

// OnInput buffers the incoming frame per source and forwards it unchanged.
func (n *Node) OnInput(frame *engine.Frame) {
	if !n.enabled.Load() {
		return
	}
	if frame.Points != nil && frame.Points.Len() > 0 && frame.SourceID != "" {
		n.mu.Lock()
		n.latest[frame.SourceID] = frame.Points
		if n.referenceID == "" {
			n.referenceID = frame.SourceID
			n.log.Info().Str("sensor", frame.SourceID).Msg("set reference sensor")
		} else if frame.SourceID != n.referenceID && !contains(n.sourceIDs, frame.SourceID) {
			n.sourceIDs = append(n.sourceIDs, frame.SourceID)
			n.log.Info().Str("sensor", frame.SourceID).Msg("added source sensor")
		}
		n.mu.Unlock()
	}
	n.fwd.Forward(n.id, frame.WithSource(n.id))
}

// TriggerParams carries optional overrides for a calibration run.
type TriggerParams struct {
	ReferenceSensorID string   `json:"reference_sensor_id"`
	SourceSensorIDs   []string `json:"source_sensor_ids"`
}

// SensorResult is one sensor's slice of a trigger outcome.
type SensorResult struct {
	Fitness    float64            `json:"fitness"`
	RMSE       float64            `json:"rmse"`
	Quality    string             `json:"quality"`
	StagesUsed []string           `json:"stages_used"`
	PoseBefore map[string]float64 `json:"pose_before"`
	PoseAfter  map[string]float64 `json:"pose_after"`
	AutoSaved  bool               `json:"auto_saved"`
}

// Trigger runs the two-stage registration for every selected source against
// the reference and holds the records as pending. With auto-save enabled,
// results above the fitness gate are applied immediately.
func (n *Node) Trigger(params TriggerParams) (map[string]SensorResult, error) {
	n.mu.Lock()
	refID := params.ReferenceSensorID
	if refID == "" {
		refID = n.referenceID
	}
	refPoints, haveRef := n.latest[refID]
	sourceIDs := params.SourceSensorIDs
	if len(sourceIDs) == 0 {
		sourceIDs = append([]string(nil), n.sourceIDs...)
	}
	frames := make(map[string]*pointcloud.Cloud, len(sourceIDs))
	for _, id := range sourceIDs {
		if c, ok := n.latest[id]; ok {
			frames[id] = c
		}
	}
	n.mu.Unlock()

	if refID == "" || !haveRef {
		return nil, fmt.Errorf("calibration: reference sensor %q has no buffered data", refID)
	}
	if len(sourceIDs) == 0 {
		return nil, errors.New("calibration: no source sensors to calibrate")
	}

	results := make(map[string]SensorResult)
	records := make(map[string]*db.CalibrationRow)

	for _, sourceID := range sourceIDs {
		sourcePoints, ok := frames[sourceID]
		if !ok {
			continue
		}
		sensorNode, err := n.store.GetNode(sourceID)
		if err != nil {
			n.log.Warn().Err(err).Str("sensor", sourceID).Msg("skipping unknown sensor")
			continue
		}
		currentPose := pointcloud.Pose{
			X:     sensorNode.Config.Float("x", 0),
			Y:     sensorNode.Config.Float("y", 0),
			Z:     sensorNode.Config.Float("z", 0),
			Roll:  sensorNode.Config.Float("roll", 0),
			Pitch: sensorNode.Config.Float("pitch", 0),
			Yaw:   sensorNode.Config.Float("yaw", 0),
		}
		tCurrent := currentPose.Matrix()

		reg := registration.Register(sourcePoints, refPoints, tCurrent, n.cfg)
		tNew := reg.Transformation.Mul(tCurrent)
		newPose := pointcloud.PoseFromMatrix(tNew)

		record := &db.CalibrationRow{
			ID:                   uuid.NewString(),
			SensorID:             sourceID,
			ReferenceSensorID:    refID,
			Timestamp:            time.Now().UTC().Format(time.RFC3339Nano),
			Fitness:              reg.Fitness,
			RMSE:                 reg.RMSE,
			Quality:              reg.Quality,
			StagesUsed:           reg.StagesUsed,
			PoseBefore:           poseMap(currentPose),
			PoseAfter:            poseMap(newPose),
			TransformationMatrix: matrixRows(tNew),
			Accepted:             false,
		}
		records[sourceID] = record

		autoSaved := false
		if n.autoSave && reg.Fitness >= n.minFitnessToSave {
			if err := n.apply(record); err != nil {
				n.log.Error().Err(err).Str("sensor", sourceID).Msg("auto-save failed")
			} else {
				record.Accepted = true
				autoSaved = true
			}
		}

		results[sourceID] = SensorResult{
			Fitness:    reg.Fitness,
			RMSE:       reg.RMSE,
			Quality:    reg.Quality,
			StagesUsed: reg.StagesUsed,
			PoseBefore: record.PoseBefore,
			PoseAfter:  record.PoseAfter,
			AutoSaved:  autoSaved,
		}
	}

	n.mu.Lock()
	n.pending = records
	n.lastRun = time.Now().UTC().Format(time.RFC3339)
	n.mu.Unlock()

	return results, nil
}

// Accept persists the pending records for the selected sensors (all when
// empty), applies the new poses and triggers a graph reload so the sensors
// re-read them.
func (n *Node) Accept(sensorIDs []string) ([]string, error) {
	n.mu.Lock()
	if len(n.pending) == 0 {
		n.mu.Unlock()
		return nil, ErrNoPending
	}
	if len(sensorIDs) == 0 {
		for id := range n.pending {
			sensorIDs = append(sensorIDs, id)
		}
	}
	records := make([]*db.CalibrationRow, 0, len(sensorIDs))
	var accepted []string
	for _, id := range sensorIDs {
		if record, ok := n.pending[id]; ok {
			records = append(records, record)
			accepted = append(accepted, id)
			delete(n.pending, id)
		}
	}
	n.mu.Unlock()

	for _, record := range records {
		record.Accepted = true
		if err := n.apply(record); err != nil {
			return accepted, err
		}
	}
	return accepted, nil
}

// apply persists the record row, updates the sensor's pose config and
// requests a graph reload.
func (n *Node) apply(record *db.CalibrationRow) error {
	row := *record
	row.Accepted = true
	if err := n.store.InsertCalibration(row); err != nil {
		return fmt.Errorf("could not persist calibration: %w", err)
	}
	patch := make(map[string]any, len(record.PoseAfter))
	for k, v := range record.PoseAfter {
		patch[k] = v
	}
	if err := n.store.UpdateNodeConfig(record.SensorID, patch); err != nil {
		return fmt.Errorf("could not update sensor pose: %w", err)
	}
	if n.reload != nil {
		n.reload()
	}
	return nil
}

// Reject discards the pending calibration entirely.
func (n *Node) Reject() {
	n.mu.Lock()
	n.pending = make(map[string]*db.CalibrationRow)
	n.mu.Unlock()
}

// Rollback restores a sensor's pose from the accepted record with the
// given timestamp and reloads the graph.
func (n *Node) Rollback(sensorID, timestamp string) error {
	record, err := n.store.GetCalibrationByTimestamp(sensorID, timestamp)
	if err != nil {
		return err
	}
	patch := make(map[string]any, len(record.PoseAfter))
	for k, v := range record.PoseAfter {
		patch[k] = v
	}
	if err := n.store.UpdateNodeConfig(sensorID, patch); err != nil {
		return fmt.Errorf("could not restore sensor pose: %w", err)
	}
	if n.reload != nil {
		n.reload()
	}
	return nil
}

// History returns a sensor's calibration rows, newest first.
func (n *Node) History(sensorID string, limit int) ([]db.CalibrationRow, error) {
	return n.store.ListCalibrations(sensorID, limit)
}

// Statistics summarises a sensor's calibration history.
func (n *Node) Statistics(sensorID string) (map[string]any, error) {
	rows, err := n.store.ListCalibrations(sensorID, 0)
	if err != nil {
		return nil, err
	}
	stats := map[string]any{
		"sensor_id": sensorID,
		"total":     len(rows),
	}
	if len(rows) == 0 {
		return stats, nil
	}
	var accepted int
	var sumFitness, sumRMSE float64
	quality := map[string]int{}
	for _, r := range rows {
		if r.Accepted {
			accepted++
		}
		sumFitness += r.Fitness
		sumRMSE += r.RMSE
		quality[r.Quality]++
	}
	stats["accepted"] = accepted
	stats["mean_fitness"] = sumFitness / float64(len(rows))
	stats["mean_rmse"] = sumRMSE / float64(len(rows))
	stats["quality_counts"] = quality
	stats["latest"] = rows[0].Timestamp
	return stats, nil
}

// Status reports the node health dict including pending results.
func (n *Node) Status() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()

	buffered := make([]string, 0, len(n.latest))
	for id := range n.latest {
		buffered = append(buffered, id)
	}
	pending := make(map[string]any, len(n.pending))
	for id, record := range n.pending {
		pending[id] = map[string]any{
			"fitness": record.Fitness,
			"rmse":    record.RMSE,
			"quality": record.Quality,
		}
	}
	return map[string]any{
		"id":               n.id,
		"name":             n.name,
		"type":             "calibration",
		"running":          n.enabled.Load(),
		"reference_sensor": n.referenceID,
		"source_sensors":   append([]string(nil), n.sourceIDs...),
		"buffered_frames":  buffered,
		"last_run":         n.lastRun,
		"has_pending":      len(n.pending) > 0,
		"pending_results":  pending,
	}
}

func poseMap(p pointcloud.Pose) map[string]float64 {
	return map[string]float64{
		"x": p.X, "y": p.Y, "z": p.Z,
		"roll": p.Roll, "pitch": p.Pitch, "yaw": p.Yaw,
	}
}

func matrixRows(m pointcloud.Matrix4) [][]float64 {
	out := make([][]float64, 4)
	for r := 0; r < 4; r++ {
		out[r] = []float64{m[r*4], m[r*4+1], m[r*4+2], m[r*4+3]}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
