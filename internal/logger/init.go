package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Init 初始化日志器
// format 支持 text / json
func Init(level, format string) error {
	return InitWithOutput(level, format, os.Stderr)
}

// InitWithOutput 初始化日志器并指定输出
func InitWithOutput(level, format string, out io.Writer) error {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	switch strings.ToLower(format) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	log.SetLevel(lvl)
	log.SetOutput(out)
	log.WithField("level", lvl.String()).Debug("Logger initialized")
	return nil
}

// WithComponent 返回带组件字段的日志条目
func WithComponent(name string) *log.Entry {
	return log.WithField("component", name)
}
