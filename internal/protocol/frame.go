package protocol

import (
	"errors"
	"fmt"
)

const (
	// 最大帧大小限制（320x240 的JPEG远小于此值）
	MaxFrameSize = 1024 * 1024 // 1MB
	// 最小帧大小：SOI(2字节) + EOI(2字节)
	MinFrameSize = 4
)

var (
	ErrFrameTooSmall = errors.New("frame too small")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInvalidFrame  = errors.New("invalid frame format")
)

// JPEG 标记
var (
	jpegSOI = [2]byte{0xFF, 0xD8}
	jpegEOI = [2]byte{0xFF, 0xD9}
)

// ValidateFrame 检查一条二进制消息是否为完整的JPEG帧
// 帧格式: | SOI(FFD8) | ... | EOI(FFD9) |，没有额外的应用层头部
func ValidateFrame(raw []byte) error {
	if len(raw) < MinFrameSize {
		return ErrFrameTooSmall
	}

	if len(raw) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	if raw[0] != jpegSOI[0] || raw[1] != jpegSOI[1] {
		return fmt.Errorf("%w: missing SOI marker", ErrInvalidFrame)
	}

	n := len(raw)
	if raw[n-2] != jpegEOI[0] || raw[n-1] != jpegEOI[1] {
		return fmt.Errorf("%w: missing EOI marker", ErrInvalidFrame)
	}

	return nil
}

// IsJPEGFrame 快速判断是否以JPEG SOI开头
func IsJPEGFrame(raw []byte) bool {
	return len(raw) >= 2 && raw[0] == jpegSOI[0] && raw[1] == jpegSOI[1]
}
