package logrecorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RotateInterval 日志文件轮换周期
const RotateInterval = 5 * time.Minute

// NowString 返回当前时间格式为 "20060102_1504" 的字符串
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// MakeDir 在 root 下创建以日期命名的目录（如：2025_04_25）
func MakeDir(root string) (string, error) {
	now := time.Now()
	dirName := fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day())
	fullPath := filepath.Join(root, dirName)

	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return "", errors.Wrap(err, "创建文件夹失败")
	}
	return fullPath, nil
}

// Recorder points a logrus logger at a dated log file and can swap files.
type Recorder struct {
	root   string
	logger *logrus.Logger

	mu   sync.Mutex
	file *os.File
	path string
}

// New creates a recorder writing below root.
func New(logger *logrus.Logger, root string) *Recorder {
	return &Recorder{root: root, logger: logger}
}

// Open switches the logger to root/YYYY_MM_DD/<prefix><now>.log and closes
// the previous file.
func (r *Recorder) Open(prefix string) error {
	dir, err := MakeDir(r.root)
	if err != nil {
		return err
	}
	logPath := filepath.Join(dir, fmt.Sprintf("%s%s.log", prefix, NowString()))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return errors.Wrap(err, "打开日志文件失败")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.SetOutput(f)
	if r.file != nil {
		r.file.Close() // nolint: errcheck
	}
	r.file = f
	r.path = logPath
	return nil
}

// Path returns the file currently written to.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Rotate reopens a fresh file every interval until ctx is done.
func (r *Recorder) Rotate(ctx context.Context, prefix string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Open(prefix); err != nil {
				// 轮换失败时继续写旧文件
				r.logger.WithError(err).Error("日志轮换失败")
			}
		}
	}
}

// Close restores stderr output and closes the current file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.SetOutput(os.Stderr)
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func configure(logger *logrus.Logger) {
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
		DisableColors:   true,
	})
}

// Init 初始化标准 logrus 日志记录器，prefix 为日志文件前缀名
func Init(prefix string) (*Recorder, error) {
	logger := logrus.StandardLogger()
	configure(logger)
	r := New(logger, ".")
	if err := r.Open(prefix); err != nil {
		return nil, err
	}
	return r, nil
}

// InitAndRotate 初始化日志记录器，并每5分钟轮换一次日志文件，直到 ctx 结束
func InitAndRotate(ctx context.Context, prefix string) (*Recorder, error) {
	r, err := Init(prefix)
	if err != nil {
		return nil, err
	}
	go r.Rotate(ctx, prefix, RotateInterval)
	return r, nil
}
