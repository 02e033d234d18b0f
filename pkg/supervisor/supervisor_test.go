//go:build unix

package supervisor_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/ignatij/crewflow/pkg/supervisor"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{}

func (testLogger) Debugf(format string, args ...interface{}) {}
func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

// writeScript creates a shell script acting as the worker.
func writeScript(t *testing.T, body string) (dir, script string) {
	t.Helper()
	dir = t.TempDir()
	script = filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+body), 0o755))
	return dir, script
}

func newSupervisor(t *testing.T, body string, timeout time.Duration) (*supervisor.Supervisor, string) {
	dir, script := writeScript(t, body)
	return supervisor.New(supervisor.Config{
		Executable: "/bin/sh",
		Script:     script,
		Dir:        dir,
		Timeout:    timeout,
		WaitDelay:  500 * time.Millisecond,
	}, testLogger{}), dir
}

type collector struct {
	mu     sync.Mutex
	chunks [][]byte
	first  time.Time
}

func (c *collector) add(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.first.IsZero() {
		c.first = time.Now()
	}
	c.chunks = append(c.chunks, chunk)
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sb strings.Builder
	for _, ch := range c.chunks {
		sb.Write(ch)
	}
	return sb.String()
}

func TestSupervisor_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("PassesArgumentsAndEnvironment", func(t *testing.T) {
		sup, dir := newSupervisor(t, `
echo "id=$1"
echo "config=$2"
echo "inputs=$3"
echo "key=$OPENAI_API_KEY model=$OPENAI_DEFAULT_MODEL unbuffered=$PYTHONUNBUFFERED"
echo "pwd=$(pwd)"
`, 10*time.Second)
		out := &collector{}
		_, err := sup.Run(ctx, supervisor.Spec{
			ExecutionID:    "exec-1",
			CrewConfig:     []byte(`{"id":"c1"}`),
			InputVariables: []byte(`{"topic":"go"}`),
			Env:            map[string]string{"OPENAI_API_KEY": "sk-test", "OPENAI_DEFAULT_MODEL": "gpt-4o-mini"},
		}, out.add)
		require.NoError(t, err)

		realDir, _ := filepath.EvalSymlinks(dir)
		text := out.String()
		assert.Contains(t, text, "id=exec-1\n")
		assert.Contains(t, text, `config={"id":"c1"}`)
		assert.Contains(t, text, `inputs={"topic":"go"}`)
		assert.Contains(t, text, "key=sk-test model=gpt-4o-mini unbuffered=1")
		assert.Contains(t, text, "pwd="+realDir)
	})

	t.Run("EmptyInputsBecomeEmptyObject", func(t *testing.T) {
		sup, _ := newSupervisor(t, `echo "inputs=$3"`, 10*time.Second)
		out := &collector{}
		_, err := sup.Run(ctx, supervisor.Spec{ExecutionID: "e", CrewConfig: []byte(`{}`)}, out.add)
		require.NoError(t, err)
		assert.Equal(t, "inputs={}\n", out.String())
	})

	t.Run("InterleavesStderr", func(t *testing.T) {
		sup, _ := newSupervisor(t, `
echo out1
echo err1 1>&2
echo out2
`, 10*time.Second)
		out := &collector{}
		_, err := sup.Run(ctx, supervisor.Spec{ExecutionID: "e"}, out.add)
		require.NoError(t, err)
		assert.Equal(t, "out1\nerr1\nout2\n", out.String())
	})

	t.Run("StreamsOutputBeforeExit", func(t *testing.T) {
		sup, _ := newSupervisor(t, `
echo first
sleep 1
echo second
`, 10*time.Second)
		out := &collector{}
		start := time.Now()
		exit, err := sup.Run(ctx, supervisor.Spec{ExecutionID: "e"}, out.add)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, exit.Duration, time.Second)
		assert.Less(t, out.first.Sub(start), 900*time.Millisecond)
		assert.Equal(t, "first\nsecond\n", out.String())
	})

	t.Run("NonZeroExit", func(t *testing.T) {
		sup, _ := newSupervisor(t, `
echo partial
exit 3
`, 10*time.Second)
		out := &collector{}
		_, err := sup.Run(ctx, supervisor.Spec{ExecutionID: "e"}, out.add)
		var exitErr *supervisor.ExitError
		require.True(t, errors.As(err, &exitErr))
		assert.Equal(t, 3, exitErr.Code)
		assert.Equal(t, "partial\n", out.String())
	})

	t.Run("LaunchFailure", func(t *testing.T) {
		sup := supervisor.New(supervisor.Config{
			Executable: filepath.Join(t.TempDir(), "missing-python"),
			Timeout:    time.Second,
		}, testLogger{})
		_, err := sup.Run(ctx, supervisor.Spec{ExecutionID: "e"}, nil)
		var launchErr *supervisor.LaunchError
		assert.True(t, errors.As(err, &launchErr))
	})

	t.Run("TimeoutKillsProcessGroup", func(t *testing.T) {
		sup, dir := newSupervisor(t, `
sleep 30 &
echo $! > child.pid
echo $$ > worker.pid
echo started
wait
`, 500*time.Millisecond)
		out := &collector{}
		start := time.Now()
		_, err := sup.Run(ctx, supervisor.Spec{ExecutionID: "e"}, out.add)
		assert.ErrorIs(t, err, supervisor.ErrTimeout)
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.Equal(t, "started\n", out.String())

		for _, name := range []string{"worker.pid", "child.pid"} {
			raw, readErr := os.ReadFile(filepath.Join(dir, name))
			require.NoError(t, readErr)
			pid, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
			require.NoError(t, convErr)
			assert.Eventually(t, func() bool {
				return syscall.Kill(pid, 0) == syscall.ESRCH
			}, 2*time.Second, 50*time.Millisecond, "%s still alive", name)
		}
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		sup, _ := newSupervisor(t, `sleep 30`, 10*time.Second)
		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(200*time.Millisecond, cancel)
		_, err := sup.Run(cctx, supervisor.Spec{ExecutionID: "e"}, nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, supervisor.ErrTimeout)
	})

	t.Run("CallerDeadlineIsTimeout", func(t *testing.T) {
		sup, _ := newSupervisor(t, `sleep 30`, 10*time.Second)
		dctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := sup.Run(dctx, supervisor.Spec{ExecutionID: "e"}, nil)
		assert.ErrorIs(t, err, supervisor.ErrTimeout)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestResolvePython(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "python3", supervisor.ResolvePython(dir))

	venv := filepath.Join(dir, "venv", "bin")
	require.NoError(t, os.MkdirAll(venv, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(venv, "python"), nil, 0o755))
	assert.Equal(t, filepath.Join(venv, "python"), supervisor.ResolvePython(dir))
}

func TestSupervisor_Args(t *testing.T) {
	sup := supervisor.New(supervisor.Config{Executable: "python3", Script: "bridge.py"}, testLogger{})
	args := sup.Args(supervisor.Spec{ExecutionID: "abc", CrewConfig: []byte(`{"a":1}`), InputVariables: []byte(`{"b":2}`)})
	assert.Equal(t, []string{"bridge.py", "abc", `{"a":1}`, `{"b":2}`}, args)
	assert.Equal(t, supervisor.DefaultTimeout, sup.Config().Timeout)
}
