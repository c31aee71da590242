package logrecorder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeDir(t *testing.T) {
	root := t.TempDir()
	dir, err := MakeDir(root)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, time.Now().Format("2006_01_02"), filepath.Base(dir))

	// 已存在时不报错
	_, err = MakeDir(root)
	assert.NoError(t, err)
}

func TestRecorder(t *testing.T) {
	logger := logrus.New()
	r := New(logger, t.TempDir())
	require.NoError(t, r.Open("can_log_"))

	logger.WithField("id", "7E0").Info("frame written")
	path := r.Path()
	assert.True(t, strings.HasPrefix(filepath.Base(path), "can_log_"))

	require.NoError(t, r.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "frame written")
	assert.Contains(t, string(data), "id=7E0")
}

func TestRecorder_Rotate(t *testing.T) {
	logger := logrus.New()
	r := New(logger, t.TempDir())
	require.NoError(t, r.Open("rot_"))
	defer r.Close() // nolint: errcheck

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Rotate(ctx, "rot_", 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rotation did not stop")
	}

	logger.Info("after rotation")
	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "after rotation")
}
