package fusion

import (
	"github.com/pkg/errors"

	"go.viam.com/reconstruct/pointcloud"
	"go.viam.com/reconstruct/registration"
	"go.viam.com/reconstruct/spatialmath"
)

// closeLoop registers the last fused frame, already placed in the shared frame, against the seed
// cloud. When that passes the quality gate the residual D is treated as drift accumulated evenly
// along the sequence: the k-th of m fused frames is corrected by Interpolate(I, D, k/(m-1)) and the
// model is rebuilt from the corrected frames.
func (e *Engine) closeLoop() error {
	first := e.frames[0]
	last := e.frames[len(e.frames)-1]
	placed := last.cloud.Transform(last.transform)

	drift, res := registration.RegisterWithResult(placed, first.cloud, e.schedule(), spatialmath.NewIdentityTransform(),
		e.cfg.Registration, e.logger.Sublogger("loop_closure"))
	if !res.Success {
		return errors.Wrapf(registration.ErrAlignmentQualityTooLow, "loop closure %s", res.String())
	}

	identity := spatialmath.NewIdentityTransform()
	steps := float64(len(e.frames) - 1)
	corrected := make([]fusedFrame, len(e.frames))
	clouds := make([]*pointcloud.PointCloud, len(e.frames))
	for k, f := range e.frames {
		t := spatialmath.Interpolate(identity, drift, float64(k)/steps).Compose(f.transform)
		if !t.IsValid() {
			return errors.Wrapf(registration.ErrNumericalInvalidity, "corrected transform of frame %d", f.index)
		}
		corrected[k] = fusedFrame{index: f.index, cloud: f.cloud, transform: t}
		clouds[k] = f.cloud.Transform(t)
	}

	e.frames = corrected
	e.model = pointcloud.Merge(clouds...)
	e.loopClosed = true
	e.logger.Infow("closed loop", "drift_angle", drift.RotationAngle(), "drift_translation", drift.Translation().Norm(),
		"result", res.String())
	return nil
}
