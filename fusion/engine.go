// Package fusion incrementally registers an ordered sequence of point clouds into one running
// model, consolidates it as it grows, and corrects drift with a best effort loop closure.
package fusion

import (
	"context"
	"fmt"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/reconstruct/logging"
	"go.viam.com/reconstruct/pointcloud"
	"go.viam.com/reconstruct/registration"
	"go.viam.com/reconstruct/spatialmath"
)

var (
	// ErrNoValidFrames is returned when no frame of a sequence could seed the model.
	ErrNoValidFrames = errors.New("no valid frames to fuse")
	// ErrFinalized is returned when an engine is used after Finalize.
	ErrFinalized = errors.New("fusion engine is already finalized")
)

// State is the lifecycle phase of an Engine.
type State int

// The states an Engine moves through, in order.
const (
	StateEmpty State = iota
	StateSeeded
	StateAccumulating
	StateLoopClosing
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateSeeded:
		return "seeded"
	case StateAccumulating:
		return "accumulating"
	case StateLoopClosing:
		return "loop_closing"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// FusedModel is a snapshot of an Engine's running model.
type FusedModel struct {
	Cloud *pointcloud.PointCloud
	// FrameCount is the number of frames handed to the engine, fused or not.
	FrameCount int
	// Transforms maps the input index of every fused frame to the transform taking it into the
	// shared frame of the first valid cloud.
	Transforms map[int]spatialmath.RigidTransform
	VoxelSize  float64
	State      State
	LoopClosed bool
}

// fusedFrame is a frame that made it into the model.
type fusedFrame struct {
	index     int
	cloud     *pointcloud.PointCloud
	transform spatialmath.RigidTransform
}

// Engine owns the running model. It is not safe for concurrent use.
type Engine struct {
	cfg    Config
	logger logging.Logger

	state       State
	voxelSize   float64
	model       *pointcloud.PointCloud
	frames      []fusedFrame
	frameCount  int
	validClouds int
	loopClosed  bool
}

// NewEngine returns an empty engine. A zero cfg.VoxelSize is resolved from the seed cloud.
func NewEngine(cfg Config, logger logging.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid fusion config")
	}
	return &Engine{cfg: cfg, logger: logger, voxelSize: cfg.VoxelSize}, nil
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	return e.state
}

// VoxelSize returns the resolution of the running model, or zero before it is seeded.
func (e *Engine) VoxelSize() float64 {
	return e.voxelSize
}

// Add registers cloud against the running model and fuses it when the registration passes the
// quality gate. The first non-empty cloud seeds the model verbatim with the identity transform.
// Frames that are empty or fail the gate are skipped and leave the model unchanged; the returned
// Result always reports the gate's verdict in Success. The only error is ErrFinalized.
func (e *Engine) Add(cloud *pointcloud.PointCloud) (registration.Result, error) {
	if e.state == StateFinalized {
		return registration.Result{}, ErrFinalized
	}
	index := e.frameCount
	e.frameCount++
	if cloud == nil || cloud.Size() == 0 {
		e.logger.Warnw("skipping frame", "index", index, "error", pointcloud.ErrInsufficientGeometry)
		return registration.Result{Transform: spatialmath.NewIdentityTransform()}, nil
	}
	e.validClouds++

	if e.state == StateEmpty {
		e.seed(index, cloud)
		return registration.Result{
			Transform:           spatialmath.NewIdentityTransform(),
			Fitness:             1,
			CorrespondenceCount: cloud.Size(),
			Success:             true,
		}, nil
	}

	t, res := registration.RegisterWithResult(cloud, e.model, e.schedule(), spatialmath.NewIdentityTransform(),
		e.cfg.Registration, e.logger.Sublogger("registration"))
	if !res.Success {
		e.logger.Warnw("skipping frame with poor registration quality",
			"index", index, "result", res.String(), "error", registration.ErrAlignmentQualityTooLow)
		return res, nil
	}

	e.frames = append(e.frames, fusedFrame{index: index, cloud: cloud, transform: t})
	e.model = pointcloud.Merge(e.model, cloud.Transform(t))
	e.state = StateAccumulating
	e.logger.Debugw("fused frame", "index", index, "result", res.String(), "model_points", e.model.Size())

	if (len(e.frames)-1)%e.cfg.BatchSize == 0 {
		if err := e.consolidate(); err != nil {
			e.logger.Warnw("consolidation failed, keeping the unconsolidated model", "error", err)
		}
	}
	return res, nil
}

func (e *Engine) seed(index int, cloud *pointcloud.PointCloud) {
	if e.voxelSize == 0 {
		e.voxelSize = AutoVoxelSize([]*pointcloud.PointCloud{cloud}, e.cfg.VoxelFraction)
	}
	e.frames = append(e.frames, fusedFrame{index: index, cloud: cloud, transform: spatialmath.NewIdentityTransform()})
	e.model = cloud
	e.state = StateSeeded
	e.logger.Debugw("seeded model", "index", index, "points", cloud.Size(), "voxel_size", e.voxelSize)
}

func (e *Engine) schedule() []float64 {
	return e.cfg.Registration.ScheduleFromBase(e.voxelSize)
}

// consolidate downsamples the running model back to the engine resolution and drops statistical
// outliers.
func (e *Engine) consolidate() error {
	cleaned, err := e.clean(e.model)
	if err != nil {
		return err
	}
	e.logger.Debugw("consolidated model", "before", e.model.Size(), "after", cleaned.Size())
	e.model = cleaned
	return nil
}

func (e *Engine) clean(pc *pointcloud.PointCloud) (*pointcloud.PointCloud, error) {
	down, err := pointcloud.VoxelDownsample(pc, e.voxelSize)
	if err != nil {
		return nil, err
	}
	return pointcloud.RemoveStatisticalOutliers(down, e.cfg.OutlierNeighbors, e.cfg.OutlierStdRatio)
}

// Model returns a snapshot of the running model.
func (e *Engine) Model() *FusedModel {
	transforms := make(map[int]spatialmath.RigidTransform, len(e.frames))
	for _, f := range e.frames {
		transforms[f.index] = f.transform
	}
	return &FusedModel{
		Cloud:      e.model,
		FrameCount: e.frameCount,
		Transforms: transforms,
		VoxelSize:  e.voxelSize,
		State:      e.state,
		LoopClosed: e.loopClosed,
	}
}

// Finalize attempts loop closure when more than cfg.LoopClosureMinClouds valid clouds were added,
// then cleans the model once more, estimates normals and orients them consistently. The engine
// accepts no frames afterwards.
func (e *Engine) Finalize() (*FusedModel, error) {
	switch e.state {
	case StateFinalized:
		return nil, ErrFinalized
	case StateEmpty:
		return nil, ErrNoValidFrames
	default:
	}

	if !e.cfg.DisableLoopClosure && e.validClouds > e.cfg.LoopClosureMinClouds && len(e.frames) > 1 {
		prev := e.state
		e.state = StateLoopClosing
		if err := e.closeLoop(); err != nil {
			e.logger.Infow("loop closure not applied", "error", err)
		}
		e.state = prev
	}

	final, err := e.clean(e.model)
	if err != nil {
		return nil, errors.Wrap(err, "cleaning fused model")
	}
	if final.Size() == 0 {
		return nil, errors.Wrap(pointcloud.ErrInsufficientGeometry, "fused model is empty after cleaning")
	}
	final, err = pointcloud.EstimateNormals(final, e.cfg.NormalRadiusFactor*e.voxelSize, e.cfg.NormalMaxNN)
	if err != nil {
		return nil, errors.Wrap(err, "estimating fused model normals")
	}
	final, err = pointcloud.OrientNormalsConsistentTangentPlane(final, e.cfg.OrientNeighbors)
	if err != nil {
		return nil, errors.Wrap(err, "orienting fused model normals")
	}
	e.model = final
	e.state = StateFinalized
	e.logger.Infow("finalized fused model", "points", final.Size(), "frames", e.frameCount,
		"fused", len(e.frames), "loop_closed", e.loopClosed)
	return e.Model(), nil
}

// AutoVoxelSize returns fraction times the median diameter of the non-empty clouds, or
// DefaultVoxelSize when none has any extent.
func AutoVoxelSize(clouds []*pointcloud.PointCloud, fraction float64) float64 {
	diameters := lo.FilterMap(clouds, func(c *pointcloud.PointCloud, _ int) (float64, bool) {
		if c == nil || c.Size() == 0 {
			return 0, false
		}
		d := c.Diameter()
		return d, d > 0
	})
	median, err := stats.Median(diameters)
	if err != nil || !(median > 0) {
		return DefaultVoxelSize
	}
	return fraction * median
}

// FuseSequence fuses clouds in order and finalizes the result. Nil or empty clouds are skipped.
// A zero cfg.VoxelSize is resolved from the median diameter of the whole sequence. ctx is only
// checked between frames.
func FuseSequence(
	ctx context.Context,
	clouds []*pointcloud.PointCloud,
	cfg Config,
	logger logging.Logger,
) (*FusedModel, error) {
	if cfg.VoxelSize == 0 {
		cfg.VoxelSize = AutoVoxelSize(clouds, cfg.VoxelFraction)
	}
	engine, err := NewEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	for i, cloud := range clouds {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "fusion stopped before frame %d", i)
		}
		if _, err := engine.Add(cloud); err != nil {
			return nil, err
		}
	}
	return engine.Finalize()
}
