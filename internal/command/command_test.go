package command

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	exec := New(nil, time.Second)
	res, err := exec.Run(context.Background(), Spec{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err 1>&2; exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.False(t, res.Success())
	assert.Contains(t, res.Err("script").Error(), "exit code 3")
}

func TestRunStreamsLines(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	exec := New(nil, time.Second)
	res, err := exec.Run(context.Background(), Spec{
		Name: "sh",
		Args: []string{"-c", "printf 'one\\ntwo\\nthree'"},
		OnLine: func(line string) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, line)
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success())
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestRunAppliesEnvOverlayAndDir(t *testing.T) {
	dir := t.TempDir()
	exec := New(nil, time.Second)
	res, err := exec.Run(context.Background(), Spec{
		Name: "sh",
		Args: []string{"-c", "echo $GREETING; pwd"},
		Dir:  dir,
		Env:  []string{"GREETING=hello"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "hello")
	assert.Contains(t, res.Stdout, dir)
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	exec := New(nil, 200*time.Millisecond)
	start := time.Now()
	res, err := exec.Run(context.Background(), Spec{
		Name:    "sh",
		Args:    []string{"-c", "trap '' TERM; sleep 30"},
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, strings.Contains(res.Err("build").Error(), "timed out"))
}

func TestRunMissingBinary(t *testing.T) {
	exec := New(nil, time.Second)
	_, err := exec.Run(context.Background(), Spec{Name: "definitely-not-a-binary-xyz"})
	require.Error(t, err)
}

func TestResultTail(t *testing.T) {
	res := Result{Stdout: "a\nb\n\nc\n", Stderr: "d"}
	assert.Equal(t, "c\nd", res.Tail(2))
}
