// Package sensor implements the sensor graph node: a world-space pose plus
// an isolated worker subprocess producing timestamped frames into the
// engine's bounded ingress queue. Subprocess isolation keeps a crashing
// driver from taking the engine with it.
package sensor

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/engine"
	"github.com/huykuka/lidargraph/internal/pointcloud"
	"github.com/huykuka/lidargraph/internal/sensor/proto"
)

// joinTimeout is how long Stop waits after signalling before killing the
// worker process.
const joinTimeout = time.Second

// Node is a sensor node. On each worker frame it applies its pose transform
// to the positions (non-positional columns pass through) and forwards the
// result into the graph.
type Node struct {
	id     string
	name   string
	mode   string
	source string
	baud   int

	workerBin string
	ingest    engine.IngestFunc
	fwd       engine.Forwarder
	log       zerolog.Logger

	poseMu sync.Mutex
	pose   pointcloud.Pose
	matrix pointcloud.Matrix4

	running atomic.Bool

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	waitCh    chan struct{}
	lastError string
	lastEvent string
	lastFrame time.Time
	frames    int64
}

// Register binds the sensor builder to the manager.
func Register(m *engine.Manager) {
	m.RegisterBuilder("lidar", Build)
}

// Build constructs a sensor node from its persisted row. The worker mode
// and source come from the node config; the pose is read from the same
// config so calibration updates take effect on reload.
func Build(node db.Node, ctx *engine.BuildContext) (engine.Node, error) {
	mode := node.Config.String("mode", "replay")
	switch mode {
	case "replay", "pcap", "serial":
	default:
		return nil, fmt.Errorf("sensor %s: unknown mode %q", node.ID, mode)
	}
	n := &Node{
		id:        node.ID,
		name:      node.Name,
		mode:      mode,
		source:    node.Config.String("source", ""),
		baud:      node.Config.Int("baud", 115200),
		workerBin: ctx.WorkerBinary,
		ingest:    ctx.Ingest,
		fwd:       ctx.Forwarder,
		log:       ctx.Log,
	}
	n.setPose(pointcloud.Pose{
		X:     node.Config.Float("x", 0),
		Y:     node.Config.Float("y", 0),
		Z:     node.Config.Float("z", 0),
		Roll:  node.Config.Float("roll", 0),
		Pitch: node.Config.Float("pitch", 0),
		Yaw:   node.Config.Float("yaw", 0),
	})
	return n, nil
}

// ID returns the node id.
func (n *Node) ID() string { return n.id }

// Name returns the display name.
func (n *Node) Name() string { return n.name }

// Type returns "lidar".
func (n *Node) Type() string { return "lidar" }

// SetPose replaces the sensor's world-space pose.
func (n *Node) SetPose(p pointcloud.Pose) { n.setPose(p) }

func (n *Node) setPose(p pointcloud.Pose) {
	n.poseMu.Lock()
	defer n.poseMu.Unlock()
	n.pose = p
	n.matrix = p.Matrix()
}

// Pose returns the sensor's current pose.
func (n *Node) Pose() pointcloud.Pose {
	n.poseMu.Lock()
	defer n.poseMu.Unlock()
	return n.pose
}

// Start spawns the worker subprocess and begins draining its envelopes.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cmd != nil {
		return nil
	}

	args := []string{
		"--node-id", n.id,
		"--mode", n.mode,
		"--source", n.source,
	}
	if n.mode == "serial" {
		args = append(args, "--baud", strconv.Itoa(n.baud))
	}
	cmd := exec.Command(n.workerBin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("sensor %s: stdout pipe: %w", n.id, err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("sensor %s: stdin pipe: %w", n.id, err)
	}
	if err := cmd.Start(); err != nil {
		n.lastError = err.Error()
		return fmt.Errorf("sensor %s: could not spawn worker: %w", n.id, err)
	}

	n.cmd = cmd
	n.stdin = stdin
	n.waitCh = make(chan struct{})
	n.running.Store(true)
	n.log.Info().Int("pid", cmd.Process.Pid).Str("mode", n.mode).Msg("spawned sensor worker")

	go n.drain(stdout)
	go n.watch(cmd, n.waitCh)
	return nil
}

// drain reads worker envelopes and pushes frames into the ingress queue.
// Queue-full drops are intentional backpressure and only counted.
func (n *Node) drain(stdout io.Reader) {
	for {
		env, err := proto.Read(stdout)
		if err != nil {
			if err != io.EOF {
				n.noteError(fmt.Sprintf("worker stream error: %v", err))
			}
			return
		}
		switch env.Kind {
		case proto.KindFrame:
			points, err := proto.DecodePoints(env.Points, env.Cols)
			if err != nil {
				n.noteError(fmt.Sprintf("bad frame payload: %v", err))
				continue
			}
			n.ingest(&engine.Frame{
				SourceID:  n.id,
				Points:    points,
				Fields:    env.Fields,
				Timestamp: env.Timestamp,
			})
		case proto.KindStatus:
			n.mu.Lock()
			n.lastEvent = env.Event
			if env.Event == proto.EventError {
				n.lastError = env.Message
			}
			n.mu.Unlock()
			n.log.Info().Str("event", env.Event).Str("message", env.Message).Msg("sensor status")
		}
	}
}

// watch observes worker liveness. Death does not propagate; the node just
// reflects it in its status until an explicit remove or reload.
func (n *Node) watch(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	close(done)
	if n.running.Swap(false) && err != nil {
		n.noteError(fmt.Sprintf("worker exited: %v", err))
	}
}

func (n *Node) noteError(msg string) {
	n.mu.Lock()
	n.lastError = msg
	n.mu.Unlock()
	n.log.Error().Str("node", n.id).Msg(msg)
}

// Stop signals the worker by closing its stdin, joins it with a one-second
// deadline and then force-terminates.
func (n *Node) Stop() {
	n.mu.Lock()
	cmd := n.cmd
	stdin := n.stdin
	waitCh := n.waitCh
	n.cmd = nil
	n.stdin = nil
	n.mu.Unlock()

	if cmd == nil {
		return
	}
	n.running.Store(false)
	if stdin != nil {
		stdin.Close()
	}
	select {
	case <-waitCh:
	case <-time.After(joinTimeout):
		n.log.Warn().Str("node", n.id).Msg("worker did not exit in time, terminating")
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-waitCh
	}
}

// OnInput receives the sensor's own worker frames from the dispatcher,
// applies the pose transform and forwards into the graph. Sensors have no
// inbound edges; nothing else routes to them.
func (n *Node) OnInput(frame *engine.Frame) {
	n.poseMu.Lock()
	matrix := n.matrix
	n.poseMu.Unlock()

	if frame.Points != nil {
		pointcloud.ApplyTransform(frame.Points, matrix)
	}

	n.mu.Lock()
	n.frames++
	n.lastFrame = time.Now()
	if frame.Points != nil && frame.Points.Len() > 0 {
		// A successful frame clears a stale fatal error.
		n.lastError = ""
	}
	n.mu.Unlock()

	n.fwd.Forward(n.id, frame.WithSource(n.id))
}

// Status reports the node health dict.
func (n *Node) Status() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()

	status := map[string]any{
		"id":           n.id,
		"name":         n.name,
		"type":         "lidar",
		"mode":         n.mode,
		"running":      n.running.Load(),
		"frames_total": n.frames,
		"pose":         n.Pose(),
	}
	if n.lastEvent != "" {
		status["last_event"] = n.lastEvent
	}
	if n.lastError != "" {
		status["last_error"] = n.lastError
	}
	if !n.lastFrame.IsZero() {
		status["last_frame_at"] = float64(n.lastFrame.UnixNano()) / 1e9
		status["frame_age_seconds"] = time.Since(n.lastFrame).Seconds()
	}
	return status
}
