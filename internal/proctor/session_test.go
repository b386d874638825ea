package proctor

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoProctorStream/internal/database"
	"GoProctorStream/internal/media"
	"GoProctorStream/internal/protocol"
	"GoProctorStream/internal/testserver"
	"GoProctorStream/internal/testutil"
)

func testOptions(endpoint string) Options {
	opts := DefaultOptions(endpoint)
	opts.Constraints = media.Constraints{Width: 160, Height: 120, FrameRate: 30}
	opts.AcquireTimeout = 2 * time.Second
	opts.ConnectTimeout = 2 * time.Second
	return opts
}

func newTestSession(t *testing.T, devices *media.Manager, subject string, opts Options) *Session {
	t.Helper()
	s, err := NewSession(devices, subject, opts)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.State() == want
	}, 3*time.Second, 5*time.Millisecond, "expected state %s, got %s", want, s.State())
}

func waitDone(t *testing.T, s *Session) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	snap, err := s.Wait(ctx)
	require.NoError(t, err, "session did not end, state %s", snap.State)
	return snap
}

func teardownCount(s *Session) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.teardowns
}

func TestSessionStreamsAndStops(t *testing.T) {
	backend := testutil.StartBackend(t, nil)
	driver := media.NewSyntheticDriver()
	devices := media.NewManager(driver)

	s := newTestSession(t, devices, "cand-1", testOptions(backend.URL()))
	require.NoError(t, s.Start())
	waitState(t, s, StateStreaming)

	// 每个会话最多一个摄像头句柄和一个连接
	assert.Equal(t, 1, driver.OpenStreams())
	assert.Equal(t, 1, devices.Active())
	backend.WaitForConnections(1, 2*time.Second)
	assert.Equal(t, "cand-1", backend.Connections()[0].SubjectID)

	backend.WaitForFrames(3, 3*time.Second)

	s.Stop()
	snap := s.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, ReasonCallerInitiated, snap.TerminationReason)
	assert.Nil(t, snap.LastError)
	assert.Equal(t, "Proctoring stopped", snap.Message())
	assert.GreaterOrEqual(t, snap.Frames.Sent, uint64(3))
	assert.False(t, snap.EndedAt.IsZero())

	assert.False(t, devices.Busy())
	testutil.AssertNoLeaks(t, driver, backend)

	recs, err := backend.Journal().Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, database.OutcomeClientClosed, recs[0].Outcome)
}

func TestSessionTerminatedByServer(t *testing.T) {
	backend := testutil.StartBackend(t, func(cfg *testserver.ServerConfig) {
		cfg.TerminateAfterFrames = 3
		cfg.TerminateReason = "Multiple persons detected"
	})
	driver := media.NewSyntheticDriver()
	devices := media.NewManager(driver)

	var mu sync.Mutex
	var states []State
	opts := testOptions(backend.URL())
	opts.OnStateChange = func(old, new State) {
		mu.Lock()
		states = append(states, new)
		mu.Unlock()
	}

	s := newTestSession(t, devices, "cand-2", opts)
	require.NoError(t, s.Start())

	snap := waitDone(t, s)
	assert.Equal(t, StateTerminated, snap.State)
	assert.Equal(t, "Multiple persons detected", snap.TerminationReason)
	assert.Nil(t, snap.LastError)
	assert.Equal(t, "Interview terminated: Multiple persons detected", snap.Message())

	// 抽帧已停止，句柄已释放
	assert.Equal(t, 0, driver.OpenStreams())
	ticks := s.Snapshot().Frames.Ticks
	time.Sleep(3 * opts.Sampler.Interval)
	assert.Equal(t, ticks, s.Snapshot().Frames.Ticks)
	testutil.AssertNoLeaks(t, driver, backend)

	mu.Lock()
	assert.Equal(t, []State{StateAcquiring, StateStreaming, StateTerminated}, states)
	mu.Unlock()

	// 终态之后的停止不会重复执行释放
	s.Stop()
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, 1, teardownCount(s))
}

func TestSessionTerminateWithoutReason(t *testing.T) {
	backend := testutil.StartBackend(t, nil)
	devices := media.NewManager(media.NewSyntheticDriver())

	s := newTestSession(t, devices, "quiet", testOptions(backend.URL()))
	require.NoError(t, s.Start())
	waitState(t, s, StateStreaming)
	backend.WaitForConnections(1, 2*time.Second)

	backend.SendControl("quiet", &protocol.ControlMessage{Action: protocol.ActionTerminateInterview})

	snap := waitDone(t, s)
	assert.Equal(t, StateTerminated, snap.State)
	assert.Equal(t, DefaultTerminateReason, snap.TerminationReason)
}

func TestSessionTerminateWithMalformedReason(t *testing.T) {
	backend := testutil.StartBackend(t, nil)
	devices := media.NewManager(media.NewSyntheticDriver())

	s := newTestSession(t, devices, "odd", testOptions(backend.URL()))
	require.NoError(t, s.Start())
	waitState(t, s, StateStreaming)
	backend.WaitForConnections(1, 2*time.Second)

	require.Equal(t, 1, backend.SendRaw("odd", []byte(`{"action":"TERMINATE_INTERVIEW","reason":42}`)))

	snap := waitDone(t, s)
	assert.Equal(t, StateTerminated, snap.State)
	assert.Equal(t, DefaultTerminateReason, snap.TerminationReason)
}

func TestSessionIgnoresUnknownActions(t *testing.T) {
	backend := testutil.StartBackend(t, nil)
	devices := media.NewManager(media.NewSyntheticDriver())

	s := newTestSession(t, devices, "fwd", testOptions(backend.URL()))
	require.NoError(t, s.Start())
	waitState(t, s, StateStreaming)
	backend.WaitForConnections(1, 2*time.Second)

	require.Equal(t, 1, backend.SendControl("fwd", &protocol.ControlMessage{Action: "PAUSE_INTERVIEW"}))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateStreaming, s.State())

	require.Equal(t, 1, backend.Terminate("fwd", "Phone detected"))
	snap := waitDone(t, s)
	assert.Equal(t, StateTerminated, snap.State)
	assert.Equal(t, "Phone detected", snap.TerminationReason)
}

func TestSessionAcquireFailureNeverConnects(t *testing.T) {
	backend := testutil.StartBackend(t, nil)
	driver := media.NewSyntheticDriver()
	driver.Err = errors.New("permission denied")
	devices := media.NewManager(driver)

	s := newTestSession(t, devices, "", testOptions(backend.URL()))
	require.NoError(t, s.Start())

	snap := waitDone(t, s)
	assert.Equal(t, StateErrored, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, DeviceUnavailable, snap.LastError.Kind)
	assert.ErrorIs(t, snap.LastError, media.ErrDeviceUnavailable)
	assert.Equal(t, "Camera unavailable, check camera permissions", snap.Message())

	assert.Equal(t, uint64(0), backend.TotalConnections())
	assert.Equal(t, uint64(0), snap.Frames.Ticks)
}

func TestSessionDeviceBusy(t *testing.T) {
	backend := testutil.StartBackend(t, nil)
	driver := media.NewSyntheticDriver()
	devices := media.NewManager(driver)

	h, err := devices.Acquire(context.Background(), media.Constraints{})
	require.NoError(t, err)
	defer h.Release()

	s := newTestSession(t, devices, "", testOptions(backend.URL()))
	require.NoError(t, s.Start())

	snap := waitDone(t, s)
	assert.True(t, IsKind(snap.LastError, DeviceUnavailable))
	assert.ErrorIs(t, snap.LastError, media.ErrDeviceBusy)
	assert.Equal(t, uint64(0), backend.TotalConnections())
}

func TestSessionAcquireTimeout(t *testing.T) {
	backend := testutil.StartBackend(t, nil)
	driver := media.NewSyntheticDriver()
	driver.OpenDelay = 5 * time.Second
	devices := media.NewManager(driver)

	opts := testOptions(backend.URL())
	opts.AcquireTimeout = 100 * time.Millisecond

	s := newTestSession(t, devices, "", opts)
	require.NoError(t, s.Start())

	snap := waitDone(t, s)
	assert.Equal(t, StateErrored, snap.State)
	assert.True(t, IsKind(snap.LastError, Timeout))
	assert.ErrorIs(t, snap.LastError, context.DeadlineExceeded)
	assert.Equal(t, uint64(0), backend.TotalConnections())
	assert.Equal(t, 0, driver.OpenStreams())
}

func TestSessionStopDuringAcquiring(t *testing.T) {
	backend := testutil.StartBackend(t, nil)
	driver := media.NewSyntheticDriver()
	driver.OpenDelay = 5 * time.Second
	devices := media.NewManager(driver)

	s := newTestSession(t, devices, "", testOptions(backend.URL()))
	require.NoError(t, s.Start())
	waitState(t, s, StateAcquiring)

	start := time.Now()
	s.Stop()
	assert.Less(t, time.Since(start), time.Second, "stop must cancel the pending acquisition")

	snap := s.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.True(t, IsKind(snap.LastError, Cancelled))
	assert.Equal(t, ReasonCallerInitiated, snap.TerminationReason)

	assert.Equal(t, uint64(0), backend.TotalConnections())
	assert.Equal(t, 0, driver.OpenStreams())
	assert.Eventually(t, func() bool { return !devices.Busy() }, time.Second, 5*time.Millisecond)
}

func TestSessionConnectionClosedByServer(t *testing.T) {
	backend := testutil.StartBackend(t, nil)
	driver := media.NewSyntheticDriver()
	devices := media.NewManager(driver)

	s := newTestSession(t, devices, "", testOptions(backend.URL()))
	require.NoError(t, s.Start())
	waitState(t, s, StateStreaming)
	backend.WaitForFrames(2, 3*time.Second)

	backend.ForceDisconnectAll()

	snap := waitDone(t, s)
	assert.Equal(t, StateErrored, snap.State)
	assert.True(t, IsKind(snap.LastError, ConnectionLost))
	assert.Equal(t, "Connection to the monitoring service failed", snap.Message())
	testutil.AssertNoLeaks(t, driver, backend)
}

func TestSessionConnectionDropped(t *testing.T) {
	backend := testutil.StartBackend(t, nil)
	driver := media.NewSyntheticDriver()
	devices := media.NewManager(driver)

	opts := testOptions(backend.URL())
	s := newTestSession(t, devices, "", opts)
	require.NoError(t, s.Start())
	waitState(t, s, StateStreaming)
	backend.WaitForFrames(2, 3*time.Second)

	backend.DropAll()

	snap := waitDone(t, s)
	assert.Equal(t, StateErrored, snap.State)
	assert.True(t, IsKind(snap.LastError, ConnectionLost))

	// 连接关闭之后不再发送
	sent := s.Snapshot().Frames.Sent
	time.Sleep(3 * opts.Sampler.Interval)
	assert.Equal(t, sent, s.Snapshot().Frames.Sent)
	testutil.AssertNoLeaks(t, driver, backend)
}

func TestSessionConnectFailed(t *testing.T) {
	backend := testutil.StartBackend(t, nil)
	endpoint := backend.URL()
	backend.Stop()

	driver := media.NewSyntheticDriver()
	devices := media.NewManager(driver)

	s := newTestSession(t, devices, "", testOptions(endpoint))
	require.NoError(t, s.Start())

	snap := waitDone(t, s)
	assert.Equal(t, StateErrored, snap.State)
	assert.True(t, IsKind(snap.LastError, ConnectFailed))
	assert.Equal(t, 0, driver.OpenStreams())
	assert.Equal(t, 1, driver.TotalOpened())
}

func TestSessionConnectTimeout(t *testing.T) {
	// 接受TCP连接但从不完成握手
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var held []net.Conn
	var heldMu sync.Mutex
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			heldMu.Lock()
			held = append(held, c)
			heldMu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		heldMu.Lock()
		for _, c := range held {
			c.Close()
		}
		heldMu.Unlock()
	})

	driver := media.NewSyntheticDriver()
	devices := media.NewManager(driver)

	opts := testOptions("ws://" + ln.Addr().String())
	opts.ConnectTimeout = 200 * time.Millisecond

	s := newTestSession(t, devices, "", opts)
	require.NoError(t, s.Start())

	snap := waitDone(t, s)
	assert.Equal(t, StateErrored, snap.State)
	assert.True(t, IsKind(snap.LastError, Timeout))
	assert.ErrorIs(t, snap.LastError, ErrConnectTimeout)
	assert.Equal(t, 0, driver.OpenStreams())
}

func TestSessionStopIdempotent(t *testing.T) {
	backend := testutil.StartBackend(t, nil)
	driver := media.NewSyntheticDriver()
	devices := media.NewManager(driver)

	s := newTestSession(t, devices, "", testOptions(backend.URL()))
	require.NoError(t, s.Start())
	waitState(t, s, StateStreaming)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()
	s.Stop()

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, teardownCount(s))
	testutil.AssertNoLeaks(t, driver, backend)
}

func TestSessionStopBeforeStart(t *testing.T) {
	devices := media.NewManager(media.NewSyntheticDriver())

	s := newTestSession(t, devices, "", testOptions("ws://127.0.0.1:1"))
	s.Stop()

	assert.Equal(t, StateClosed, s.State())
	assert.Nil(t, s.LastError())
	assert.ErrorIs(t, s.Start(), ErrSessionEnded)
	assert.False(t, devices.Busy())
}

func TestQueuedTerminateWinsOverStop(t *testing.T) {
	backend := testutil.StartBackend(t, nil)
	driver := media.NewSyntheticDriver()
	devices := media.NewManager(driver)

	var s *Session
	opts := testOptions(backend.URL())
	opts.OnStateChange = func(old, new State) {
		if new != StateStreaming {
			return
		}
		// 在会话协程中：先排入停止，再排入已到达的强制结束
		s.events <- evStop{}
		s.events <- evMessage{conn: s.conn, msg: protocol.NewTerminateMessage("Left the room")}
	}

	var err error
	s, err = NewSession(devices, "", opts)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	require.NoError(t, s.Start())

	snap := waitDone(t, s)
	assert.Equal(t, StateTerminated, snap.State)
	assert.Equal(t, "Left the room", snap.TerminationReason)
	assert.Equal(t, 1, teardownCount(s))
	testutil.AssertNoLeaks(t, driver, backend)
}

func TestSessionStartStopCycles(t *testing.T) {
	backend := testutil.StartBackend(t, nil)
	driver := media.NewSyntheticDriver()
	devices := media.NewManager(driver)
	opts := testOptions(backend.URL())

	const cycles = 100
	for i := 0; i < cycles; i++ {
		require.Eventually(t, func() bool { return !devices.Busy() }, time.Second, time.Millisecond)
		backend.WaitForConnections(0, 2*time.Second)

		s, err := NewSession(devices, "cycle", opts)
		require.NoError(t, err)
		require.NoError(t, s.Start())

		if i%2 == 0 {
			waitState(t, s, StateStreaming)
		}
		assert.LessOrEqual(t, driver.OpenStreams(), 1)
		assert.LessOrEqual(t, backend.ActiveConnections(), 1)

		s.Stop()
		require.True(t, s.State().IsTerminal())
		require.Eventually(t, func() bool { return driver.OpenStreams() == 0 },
			time.Second, time.Millisecond, "cycle %d leaked a camera stream", i)
	}

	testutil.AssertNoLeaks(t, driver, backend)
	assert.Equal(t, 0, devices.Active())
}

func TestNewSessionValidation(t *testing.T) {
	devices := media.NewManager(media.NewSyntheticDriver())

	_, err := NewSession(nil, "", DefaultOptions("ws://x"))
	assert.Error(t, err)

	_, err = NewSession(devices, "", DefaultOptions(""))
	assert.Error(t, err)

	opts := DefaultOptions("ws://x")
	opts.Sampler.Quality = 0
	_, err = NewSession(devices, "", opts)
	assert.Error(t, err)

	opts = DefaultOptions("ws://x")
	opts.ConnectTimeout = -time.Second
	_, err = NewSession(devices, "", opts)
	assert.Error(t, err)
}
