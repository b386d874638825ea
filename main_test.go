package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoProctorStream/internal/config"
	"GoProctorStream/internal/media"
	"GoProctorStream/internal/proctor"
	"GoProctorStream/internal/testserver"
	"GoProctorStream/internal/testutil"
)

func TestClientFlagsApply(t *testing.T) {
	base := config.Default()

	cfg := clientFlags{endpoint: "ws://backend:9000", subject: "s-1", retries: 3}.apply(base)
	assert.Equal(t, "ws://backend:9000", cfg.Endpoint)
	assert.Equal(t, "s-1", cfg.SubjectID)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)

	// 原配置不受影响
	assert.Equal(t, "ws://127.0.0.1:8000", base.Endpoint)

	same := clientFlags{retries: -1}.apply(base)
	assert.Equal(t, base.Endpoint, same.Endpoint)
	assert.Equal(t, base.Retry.MaxAttempts, same.Retry.MaxAttempts)
}

func TestNewDriver(t *testing.T) {
	d, err := newDriver("synthetic")
	require.NoError(t, err)
	assert.Equal(t, "synthetic", d.Name())

	_, err = newDriver("webcam")
	assert.Error(t, err)

	if !cameraBuild {
		_, err = newDriver("camera")
		assert.Error(t, err)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		snap proctor.Snapshot
		want bool
	}{
		{"closed", proctor.Snapshot{State: proctor.StateClosed}, false},
		{"terminated", proctor.Snapshot{State: proctor.StateTerminated}, false},
		{"lost", proctor.Snapshot{State: proctor.StateErrored, LastError: &proctor.SessionError{Kind: proctor.ConnectionLost}}, true},
		{"connect failed", proctor.Snapshot{State: proctor.StateErrored, LastError: &proctor.SessionError{Kind: proctor.ConnectFailed}}, true},
		{"connect timeout", proctor.Snapshot{State: proctor.StateErrored, LastError: &proctor.SessionError{Kind: proctor.Timeout, Err: proctor.ErrConnectTimeout}}, true},
		{"acquire timeout", proctor.Snapshot{State: proctor.StateErrored, LastError: &proctor.SessionError{Kind: proctor.Timeout, Err: context.DeadlineExceeded}}, false},
		{"device", proctor.Snapshot{State: proctor.StateErrored, LastError: &proctor.SessionError{Kind: proctor.DeviceUnavailable, Err: errors.New("denied")}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.snap))
		})
	}
}

func TestRunSessionsRetriesConnectivityFailures(t *testing.T) {
	backend := testutil.StartBackend(t, nil)
	endpoint := backend.URL()
	backend.Stop()

	cfg := config.Default()
	cfg.Endpoint = endpoint
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.InitialInterval = 10 * time.Millisecond
	cfg.Retry.MaxInterval = 20 * time.Millisecond

	driver := media.NewSyntheticDriver()
	ctrl := proctor.NewController(media.NewManager(driver), proctor.OptionsFromConfig(cfg))
	defer ctrl.Shutdown()

	snap, err := runSessions(context.Background(), ctrl, cfg)
	require.NoError(t, err)
	assert.Equal(t, proctor.StateErrored, snap.State)
	assert.True(t, proctor.IsKind(snap.LastError, proctor.ConnectFailed))
	assert.Equal(t, 3, driver.TotalOpened(), "one attempt plus two retries")
}

func TestRunSessionsDoesNotRetryTermination(t *testing.T) {
	backend := testutil.StartBackend(t, func(cfg *testserver.ServerConfig) {
		cfg.TerminateAfterFrames = 2
	})

	cfg := config.Default()
	cfg.Endpoint = backend.URL()
	cfg.Retry.MaxAttempts = 5

	driver := media.NewSyntheticDriver()
	ctrl := proctor.NewController(media.NewManager(driver), proctor.OptionsFromConfig(cfg))
	defer ctrl.Shutdown()

	snap, err := runSessions(context.Background(), ctrl, cfg)
	require.NoError(t, err)
	assert.Equal(t, proctor.StateTerminated, snap.State)
	assert.Equal(t, "Multiple persons detected", snap.TerminationReason)
	assert.Equal(t, 1, driver.TotalOpened())
}
