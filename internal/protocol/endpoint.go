package protocol

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// VideoPath 视频流端点路径
const VideoPath = "/video"

var ErrInvalidEndpoint = errors.New("invalid endpoint")

// VideoURL 根据基础地址和可选的受试者ID构建视频流URL
//
//	ws://host          -> ws://host/video
//	ws://host + "abc"  -> ws://host/video/abc
//
// http/https 会被转换为 ws/wss。
func VideoURL(endpoint, subjectID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}

	rawPath := strings.TrimRight(u.EscapedPath(), "/") + VideoPath
	if subjectID != "" {
		rawPath += "/" + url.PathEscape(subjectID)
	}

	path, err := url.PathUnescape(rawPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	u.Path = path
	u.RawPath = rawPath
	u.Fragment = ""

	return u.String(), nil
}
