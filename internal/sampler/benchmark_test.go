package sampler

import (
	"image"
	"testing"
)

type discardSender struct{}

func (discardSender) IsOpen() bool             { return true }
func (discardSender) SendFrame(_ []byte) error { return nil }

// BenchmarkTick 基准测试单次抽帧（640x480 缩放到 320x240 并编码）
func BenchmarkTick(b *testing.B) {
	surface := readySurface(640, 480)
	opts := DefaultOptions()

	s := New()
	s.scaled = image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height))

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		s.tick(surface, discardSender{}, opts.Quality)
	}

	b.StopTimer()
	if s.Stats().Sent != uint64(b.N) {
		b.Fatalf("expected %d frames sent, got %d", b.N, s.Stats().Sent)
	}
	b.ReportMetric(float64(s.Stats().LastFrameSize), "bytes/frame")
}

// BenchmarkEncodeQuality 不同JPEG质量下的编码开销
func BenchmarkEncodeQuality(b *testing.B) {
	surface := readySurface(640, 480)
	img, _ := surface.Frame()

	for _, quality := range []int{30, 70, 95} {
		b.Run(qualityName(quality), func(b *testing.B) {
			s := New()
			s.scaled = image.NewRGBA(image.Rect(0, 0, 320, 240))
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := s.encode(img, quality); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func qualityName(q int) string {
	switch {
	case q < 50:
		return "low"
	case q < 90:
		return "default"
	default:
		return "high"
	}
}
