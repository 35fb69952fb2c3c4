package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtask/worker/internal/config"
	"github.com/fluxtask/worker/internal/registry"
)

func noop(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return nil, nil
}

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.BrokerURL = "memory://"
	cfg.BeatScheduleFilename = filepath.Join(t.TempDir(), "beat-schedule")
	return cfg
}

func TestBuildOpensBeatScheduleDBWithDotDBSuffix(t *testing.T) {
	cfg := baseConfig(t)
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Entry{
		Name:     "tick",
		Handler:  noop,
		Schedule: &registry.ScheduleSpec{Every: time.Minute},
	}))

	ctrl, err := Build(cfg, reg)
	require.NoError(t, err)
	defer ctrl.Close()

	require.NotNil(t, ctrl.beat, "beat must auto-enable when a periodic task is registered")
	require.NotNil(t, ctrl.beatDB)

	_, statErr := os.Stat(cfg.BeatScheduleFilename + ".db")
	assert.NoError(t, statErr, "beat schedule file should be created with a .db suffix")
}

func TestBuildRespectsExplicitBeatDisable(t *testing.T) {
	cfg := baseConfig(t)
	disabled := false
	cfg.BeatEnabled = &disabled
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Entry{
		Name:     "tick",
		Handler:  noop,
		Schedule: &registry.ScheduleSpec{Every: time.Minute},
	}))

	ctrl, err := Build(cfg, reg)
	require.NoError(t, err)
	defer ctrl.Close()

	assert.Nil(t, ctrl.beat, "--beat=false must force beat off even with periodic tasks registered")
}

func TestBuildRespectsExplicitBeatEnable(t *testing.T) {
	cfg := baseConfig(t)
	enabled := true
	cfg.BeatEnabled = &enabled
	reg := registry.New() // no periodic tasks at all

	ctrl, err := Build(cfg, reg)
	require.NoError(t, err)
	defer ctrl.Close()

	assert.NotNil(t, ctrl.beat, "--beat=true must force beat on even with no periodic tasks registered")
}

func TestBuildOpensSeparateStateDBFromBeatSchedule(t *testing.T) {
	cfg := baseConfig(t)
	cfg.StateDB = filepath.Join(t.TempDir(), "worker-state")
	reg := registry.New()

	ctrl, err := Build(cfg, reg)
	require.NoError(t, err)
	defer ctrl.Close()

	require.NotNil(t, ctrl.stateDB)
	_, err = os.Stat(cfg.StateDB + ".db")
	assert.NoError(t, err, "state db file should be created with a .db suffix, separate from the beat schedule file")
	_, err = os.Stat(cfg.BeatScheduleFilename + ".db")
	assert.NoError(t, err, "beat schedule file is independent of state_db")
}
