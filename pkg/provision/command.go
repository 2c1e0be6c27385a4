package provision

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
)

// defaultMaxOutputBytes caps the provisioner output forwarded to logs.
const defaultMaxOutputBytes = 1 << 20

// scanner buffer sizing for long provisioner lines.
const (
	scanInitialBuf = 64 * 1024
	scanMaxToken   = 1024 * 1024
)

// CommandHandler runs the configured provisioning command. The command is
// split on whitespace and executed directly, never through a shell. The
// subprocess sees only PATH, HOME and the three ENCLAGENT_* variables.
type CommandHandler struct {
	// Command is the argv line, e.g. "/usr/local/bin/provision --mode eigen".
	Command string
	// MaxOutputBytes bounds forwarded output; 0 applies the default. The
	// last stdout line is always retained for result parsing.
	MaxOutputBytes int64
	// Log receives per-line output; nil discards it.
	Log LogFunc
}

// Provision executes the command and parses its final stdout line as the
// result document. Deadline and cancellation come from ctx.
func (h *CommandHandler) Provision(ctx context.Context, req Request) (*Result, error) {
	argv := strings.Fields(h.Command)
	if len(argv) == 0 {
		return nil, &Error{Code: FailureCodeFailure, Detail: "provisioning command is empty"}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"ENCLAGENT_SESSION_ID=" + req.SessionID,
		"ENCLAGENT_WALLET=" + req.WalletAddress,
		"ENCLAGENT_PROFILE=" + req.ProfileName,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &Error{Code: FailureCodeFailure, Detail: fmt.Sprintf("failed to open stdout pipe: %v", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &Error{Code: FailureCodeFailure, Detail: fmt.Sprintf("failed to open stderr pipe: %v", err)}
	}

	if err := cmd.Start(); err != nil {
		return nil, &Error{Code: FailureCodeFailure, Detail: fmt.Sprintf("failed to start provisioner: %v", err)}
	}

	maxOutput := h.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}

	var (
		total      atomic.Int64
		lastStdout string
		lastStderr string
		wg         sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		lastStdout = h.stream(stdout, "stdout", &total, maxOutput)
	}()
	go func() {
		defer wg.Done()
		lastStderr = h.stream(stderr, "stderr", &total, maxOutput)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Code: FailureCodeTimeout, Detail: "provisioning command exceeded its deadline"}
		}
		return nil, &Error{Code: FailureCodeFailure, Detail: "provisioning cancelled"}
	}
	if waitErr != nil {
		detail := fmt.Sprintf("provisioner exited: %v", waitErr)
		if lastStderr != "" {
			detail += ": " + lastStderr
		}
		return nil, &Error{Code: FailureCodeFailure, Detail: detail}
	}

	return parseResult(lastStdout)
}

// stream forwards lines until the shared output cap is reached and returns
// the final non-empty line. Lines past the cap are still consumed so the
// last stdout line survives for result parsing.
func (h *CommandHandler) stream(r io.Reader, name string, total *atomic.Int64, maxOutput int64) string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scanInitialBuf), scanMaxToken)

	var last string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			last = line
		}
		if h.Log != nil && total.Add(int64(len(line))+1) <= maxOutput {
			h.Log(name, line)
		}
	}
	return last
}

// parseResult decodes the final stdout line into a Result and enforces its
// shape. Unknown fields are rejected; the provisioner contract is strict.
func parseResult(line string) (*Result, error) {
	if strings.TrimSpace(line) == "" {
		return nil, &Error{Code: FailureCodeMalformedResult, Detail: "provisioner produced no result line"}
	}

	dec := json.NewDecoder(strings.NewReader(line))
	dec.DisallowUnknownFields()
	var res Result
	if err := dec.Decode(&res); err != nil {
		return nil, &Error{Code: FailureCodeMalformedResult, Detail: fmt.Sprintf("failed to decode result line: %v", err)}
	}

	if !res.DedicatedInstance {
		return nil, &Error{Code: FailureCodeMalformedResult, Detail: "provisioner must confirm dedicated_instance=true"}
	}
	hasInstance := res.InstanceURL != ""
	hasVerify := res.VerifyURL != ""
	if hasInstance == hasVerify {
		return nil, &Error{Code: FailureCodeMalformedResult, Detail: "result must carry exactly one of instance_url, verify_url"}
	}

	return &res, nil
}
