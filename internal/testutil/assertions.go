package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"GoProctorStream/internal/media"
)

// AssertNoLeaks 断言摄像头句柄与视频流连接都已释放
func AssertNoLeaks(t *testing.T, driver *media.SyntheticDriver, backend *TestServer) {
	t.Helper()

	require.Eventually(t, func() bool {
		return driver.OpenStreams() == 0
	}, 2*time.Second, 10*time.Millisecond, "camera streams still open: %d", driver.OpenStreams())

	if backend != nil {
		backend.WaitForConnections(0, 2*time.Second)
	}
}
