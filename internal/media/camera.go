package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"golang.org/x/image/draw"

	"GoProctorStream/internal/logger"
)

// CameraDriver 基于 pion/mediadevices 的真实摄像头驱动
// 需要在 main 包中注册平台驱动（见 camera 构建标签）
type CameraDriver struct{}

// NewCameraDriver 创建摄像头驱动
func NewCameraDriver() *CameraDriver {
	return &CameraDriver{}
}

// Name 实现 Driver
func (d *CameraDriver) Name() string {
	return "camera"
}

// Open 实现 Driver
// GetUserMedia 不支持 ctx，超时由 Manager 负责
func (d *CameraDriver) Open(ctx context.Context, c Constraints) (Stream, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			mc.Width = prop.Int(c.Width)
			mc.Height = prop.Int(c.Height)
			mc.FrameRate = prop.Float(float32(c.FrameRate))
			if c.DeviceID != "" {
				mc.DeviceID = prop.String(c.DeviceID)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get user media failed: %w", err)
	}

	tracks := stream.GetTracks()
	closeAll := func() {
		for _, t := range tracks {
			t.Close()
		}
	}

	videoTracks := stream.GetVideoTracks()
	if len(videoTracks) == 0 {
		closeAll()
		return nil, ErrNoVideoTrack
	}

	videoTrack, ok := videoTracks[0].(*mediadevices.VideoTrack)
	if !ok {
		closeAll()
		return nil, fmt.Errorf("unexpected video track type %T", videoTracks[0])
	}

	s := &cameraStream{
		tracks:  tracks,
		reader:  videoTrack.NewReader(false),
		surface: NewLiveSurface(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go s.pump()

	return s, nil
}

type cameraStream struct {
	tracks  []mediadevices.Track
	reader  video.Reader
	surface *LiveSurface

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

func (s *cameraStream) Surface() Surface {
	return s.surface
}

// Close 停止所有轨道，等待读帧协程退出
func (s *cameraStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)

		var errs []error
		for _, t := range s.tracks {
			if cerr := t.Close(); cerr != nil {
				errs = append(errs, cerr)
			}
		}
		s.surface.Detach()

		select {
		case <-s.doneCh:
		case <-time.After(2 * time.Second):
			errs = append(errs, errors.New("camera reader did not stop"))
		}
		err = errors.Join(errs...)
	})
	return err
}

// pump 持续读取摄像头帧到画面
// 驱动会回收帧缓冲区，所以必须拷贝后再发布
func (s *cameraStream) pump() {
	defer close(s.doneCh)
	log := logger.WithComponent("media")

	for {
		img, release, err := s.reader.Read()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				log.WithError(err).Warn("Camera read failed")
			}
			return
		}

		frame := copyFrame(img)
		release()
		s.surface.Publish(frame)

		select {
		case <-s.stopCh:
			return
		default:
		}
	}
}

func copyFrame(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Copy(dst, image.Point{}, src, b, draw.Src, nil)
	return dst
}
