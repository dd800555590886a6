package execution

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var localHost = models.Host{Hostname: "local"}

func TestLocalRunCommandSeparatesStreams(t *testing.T) {
	client := NewLocalClient()
	res, err := client.RunCommand(context.Background(), CommandRequest{Command: "echo out; echo err 1>&2"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Success())
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Contains(t, res.Output, "out")
	assert.Contains(t, res.Output, "err")
}

func TestLocalNonZeroExitIsNotAnError(t *testing.T) {
	res, err := NewLocalClient().RunCommand(context.Background(), CommandRequest{Command: "echo nope 1>&2; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Success())
	assert.Equal(t, "nope\n", res.Stderr)
}

func TestLocalTimeout(t *testing.T) {
	start := time.Now()
	res, err := NewLocalClient().RunCommand(context.Background(), CommandRequest{
		Command: "sleep 5",
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestLocalEmptyCommand(t *testing.T) {
	_, err := NewLocalClient().RunCommand(context.Background(), CommandRequest{Command: "  "})
	assert.Error(t, err)
}

func TestLocalLiveWriters(t *testing.T) {
	var live bytes.Buffer
	res, err := NewLocalClient().RunCommand(context.Background(), CommandRequest{
		Command:        "printf hello",
		Stdout:         &live,
		DisableCapture: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", live.String())
	assert.Empty(t, res.Output)
}

func TestExecuteAndUploadThroughDialer(t *testing.T) {
	dialer := &SSHDialer{}
	ctx := context.Background()

	res, err := Execute(ctx, dialer, localHost, "echo fresh", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", res.Stdout)

	dir := t.TempDir()
	src := filepath.Join(dir, "src.zip")
	require.NoError(t, os.WriteFile(src, []byte("zip"), 0644))
	dst := filepath.Join(dir, "remote", "assets", "dst.zip")
	require.NoError(t, Upload(ctx, dialer, localHost, src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "zip", string(data))
}

func TestMultiWriterFilteredDropsDuplicates(t *testing.T) {
	var buf bytes.Buffer
	w := multiWriterFiltered(&buf, nil, &buf)
	_, err := w.Write([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "x", buf.String())
}
