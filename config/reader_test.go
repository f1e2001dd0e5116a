package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.viam.com/test"

	"go.viam.com/reconstruct/logging"
	"go.viam.com/reconstruct/utils"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	fn := filepath.Join(t.TempDir(), name)
	test.That(t, os.WriteFile(fn, []byte(contents), 0o600), test.ShouldBeNil)
	return fn
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.WorkerCount(), test.ShouldEqual, utils.ParallelFactor)
	level, err := cfg.Level()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, logging.INFO)
	test.That(t, cfg.FusionConfig().Registration, test.ShouldResemble, cfg.Registration)
}

func TestFromReaderValidate(t *testing.T) {
	_, err := FromReader("somepath", strings.NewReader(""))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "EOF")

	_, err = FromReader("somepath", strings.NewReader(`[1, 2]`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "json")

	conf, err := FromReader("somepath", strings.NewReader(`{}`))
	test.That(t, err, test.ShouldBeNil)
	want := Default()
	test.That(t, conf, test.ShouldResemble, &want)

	_, err = FromReader("somepath", strings.NewReader(`{"surface": {"max_depht": 10}}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "max_depht")

	_, err = FromReader("somepath", strings.NewReader(`{"registration": "fast"}`))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = FromReader("somepath", strings.NewReader(`{"fusion": {"batch_size": 0}, "log_level": "loud"}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "batch_size")
	test.That(t, err.Error(), test.ShouldContainSubstring, "loud")
}

func TestFromReaderOverridesDefaults(t *testing.T) {
	conf, err := FromReader("somepath", strings.NewReader(`{
		"build": {"depth_scale": 5000},
		"intrinsics": {"width_px": 640, "height_px": 480, "fx": 525, "fy": 525, "ppx": 319.5, "ppy": 239.5},
		"registration": {"scale_factors": [2, 1], "gate": {"min_fitness": 0.5}},
		"fusion": {"voxel_size": "0.01"},
		"surface": {"max_resolution": 128, "simplify_triangles": 0},
		"workers": 3,
		"log_level": "DEBUG"
	}`))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, conf.Build.DepthScale, test.ShouldEqual, 5000.)
	test.That(t, conf.Build.DepthTrunc, test.ShouldEqual, Default().Build.DepthTrunc)
	test.That(t, conf.Intrinsics, test.ShouldNotBeNil)
	test.That(t, conf.Intrinsics.Width, test.ShouldEqual, 640)
	test.That(t, conf.Intrinsics.Ppy, test.ShouldEqual, 239.5)

	test.That(t, conf.Registration.ScaleFactors, test.ShouldResemble, []float64{2, 1})
	test.That(t, conf.Registration.Gate.MinFitness, test.ShouldEqual, 0.5)
	test.That(t, conf.Registration.Gate.RMSEFactor, test.ShouldEqual, Default().Registration.Gate.RMSEFactor)

	fusionCfg := conf.FusionConfig()
	// weakly typed input accepts numbers written as strings
	test.That(t, fusionCfg.VoxelSize, test.ShouldEqual, 0.01)
	test.That(t, fusionCfg.BatchSize, test.ShouldEqual, 4)
	test.That(t, fusionCfg.Registration.ScaleFactors, test.ShouldResemble, []float64{2, 1})

	test.That(t, conf.Surface.MaxResolution, test.ShouldEqual, 128)
	test.That(t, conf.Surface.SimplifyTriangles, test.ShouldEqual, 0)
	test.That(t, conf.Surface.MinDepth, test.ShouldEqual, 8)
	test.That(t, conf.WorkerCount(), test.ShouldEqual, 3)

	level, err := conf.Level()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, logging.DEBUG)
	logger, closeLog := conf.NewLogger("test")
	test.That(t, logger.GetLevel(), test.ShouldEqual, logging.DEBUG)
	test.That(t, closeLog(), test.ShouldBeNil)
}

func TestNewLoggerWritesLogFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "reconstruct.log")
	conf, err := FromReader("somepath", strings.NewReader(`{"log_level": "warn", "log_file": "`+logFile+`"}`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.LogFile, test.ShouldEqual, logFile)

	logger, closeLog := conf.NewLogger("run")
	logger.Info("not written")
	logger.Warnw("frame skipped", "index", 3)
	test.That(t, closeLog(), test.ShouldBeNil)

	contents, err := os.ReadFile(logFile)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(contents), test.ShouldContainSubstring, "frame skipped")
	test.That(t, string(contents), test.ShouldNotContainSubstring, "not written")
}

func TestFromReaderRejectsBadIntrinsics(t *testing.T) {
	_, err := FromReader("somepath", strings.NewReader(`{"intrinsics": {"width_px": 0, "height_px": 480, "fx": 525, "fy": 525}}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "intrinsics")
}

func TestRead(t *testing.T) {
	t.Setenv("RECONSTRUCT_TEST_WORKERS", "7")
	fn := writeConfig(t, "run.json", `{"workers": ${RECONSTRUCT_TEST_WORKERS}, "surface": {"trim_quantile": 0.2}}`)
	conf, err := Read(fn)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.Workers, test.ShouldEqual, 7)
	test.That(t, conf.Surface.TrimQuantile, test.ShouldEqual, 0.2)

	_, err = Read(writeConfig(t, "run.yaml", `{}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, ".json")

	_, err = Read(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	big := `{"log_level": "info"` + strings.Repeat(" ", MaxFileSize) + `}`
	_, err = Read(writeConfig(t, "big.json", big))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "larger")
}
