package provision

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("provisioner scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "provisioner.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

type logCapture struct {
	mu    sync.Mutex
	lines []string
}

func (c *logCapture) log(stream, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, stream+": "+line)
}

func (c *logCapture) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func testRequest() Request {
	return Request{
		SessionID:     "sess-123",
		WalletAddress: "0x8ba1f109551bd432803012645ac136ddd64dba72",
		ProfileName:   "momentum-major",
	}
}

func TestCommandProvisionSuccess(t *testing.T) {
	script := writeScript(t, `
echo "booting runtime for $ENCLAGENT_SESSION_ID"
echo "wallet $ENCLAGENT_WALLET profile $ENCLAGENT_PROFILE"
echo "progress" >&2
echo '{"instance_url":"https://runtime.example/i/abc","eigen_app_id":"app-9","launched_on_eigencloud":true,"dedicated_instance":true}'
`)
	capture := &logCapture{}
	h := &CommandHandler{Command: script, Log: capture.log}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := h.Provision(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, "https://runtime.example/i/abc", res.InstanceURL)
	assert.Empty(t, res.VerifyURL)
	assert.Equal(t, "app-9", res.EigenAppID)
	assert.True(t, res.LaunchedOnEigencloud)
	assert.True(t, res.DedicatedInstance)

	lines := capture.all()
	assert.Contains(t, lines, "stdout: booting runtime for sess-123")
	assert.Contains(t, lines, "stderr: progress")
}

func TestCommandEnvironmentIsRestricted(t *testing.T) {
	t.Setenv("LEAKY_SECRET", "topsecret")
	script := writeScript(t, `
echo "leak=${LEAKY_SECRET:-none}"
echo '{"verify_url":"https://verify.example","launched_on_eigencloud":false,"dedicated_instance":true}'
`)
	capture := &logCapture{}
	h := &CommandHandler{Command: script, Log: capture.log}

	res, err := h.Provision(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "https://verify.example", res.VerifyURL)
	assert.Contains(t, capture.all(), "stdout: leak=none", "parent environment must not leak")
}

func TestCommandNonZeroExit(t *testing.T) {
	script := writeScript(t, `
echo "eigencloud rejected the launch" >&2
exit 3
`)
	h := &CommandHandler{Command: script}

	_, err := h.Provision(context.Background(), testRequest())
	require.Error(t, err)
	var provErr *Error
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, FailureCodeFailure, provErr.Code)
	assert.Contains(t, provErr.Detail, "eigencloud rejected the launch")
}

func TestCommandTimeout(t *testing.T) {
	script := writeScript(t, `sleep 10`)
	h := &CommandHandler{Command: script}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.Provision(ctx, testRequest())
	require.Error(t, err)
	var provErr *Error
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, FailureCodeTimeout, provErr.Code)
	assert.Less(t, time.Since(start), 5*time.Second, "deadline must kill the subprocess")
}

func TestCommandEmpty(t *testing.T) {
	h := &CommandHandler{Command: "   "}
	_, err := h.Provision(context.Background(), testRequest())
	var provErr *Error
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, FailureCodeFailure, provErr.Code)
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantCode string
	}{
		{
			name: "instance url only is valid",
			line: `{"instance_url":"https://i.example","launched_on_eigencloud":true,"dedicated_instance":true}`,
		},
		{
			name: "verify url only is valid",
			line: `{"verify_url":"https://v.example","launched_on_eigencloud":false,"dedicated_instance":true}`,
		},
		{
			name:     "no output",
			line:     "   ",
			wantCode: FailureCodeMalformedResult,
		},
		{
			name:     "not json",
			line:     "runtime ready!",
			wantCode: FailureCodeMalformedResult,
		},
		{
			name:     "unknown field rejected",
			line:     `{"instance_url":"https://i.example","dedicated_instance":true,"bonus":"field"}`,
			wantCode: FailureCodeMalformedResult,
		},
		{
			name:     "shared instance rejected",
			line:     `{"instance_url":"https://i.example","launched_on_eigencloud":true,"dedicated_instance":false}`,
			wantCode: FailureCodeMalformedResult,
		},
		{
			name:     "both urls rejected",
			line:     `{"instance_url":"https://i.example","verify_url":"https://v.example","dedicated_instance":true,"launched_on_eigencloud":true}`,
			wantCode: FailureCodeMalformedResult,
		},
		{
			name:     "neither url rejected",
			line:     `{"launched_on_eigencloud":true,"dedicated_instance":true}`,
			wantCode: FailureCodeMalformedResult,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := parseResult(tt.line)
			if tt.wantCode == "" {
				require.NoError(t, err)
				require.NotNil(t, res)
				return
			}
			var provErr *Error
			require.ErrorAs(t, err, &provErr)
			assert.Equal(t, tt.wantCode, provErr.Code)
		})
	}
}

func TestCommandResultOnLastLine(t *testing.T) {
	// Chatter after valid-looking JSON means the chatter is the last line.
	script := writeScript(t, `
echo '{"instance_url":"https://stale.example","dedicated_instance":true,"launched_on_eigencloud":true}'
echo '{"instance_url":"https://final.example","dedicated_instance":true,"launched_on_eigencloud":true}'
`)
	h := &CommandHandler{Command: script}

	res, err := h.Provision(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "https://final.example", res.InstanceURL)
}
