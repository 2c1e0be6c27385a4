// Package provision turns an accepted session into a live runtime endpoint.
// The dispatcher bounds concurrent provisioning runs and keeps a cancel
// registry; the command handler executes the configured external provisioner
// without a shell and under a restricted environment.
package provision

import (
	"context"
	"fmt"
)

// Failure codes carried by *Error. They map one-to-one onto the gateway's
// wire error codes.
const (
	FailureCodeFailure         = "provisioning_failure"
	FailureCodeTimeout         = "provisioning_timeout"
	FailureCodeMalformedResult = "provisioning_malformed_result"
)

// Error is a terminal provisioning failure with a taxonomy code.
type Error struct {
	Code   string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Request identifies the session a handler provisions. Exactly these three
// values cross the process boundary; nothing secret does.
type Request struct {
	SessionID     string
	WalletAddress string
	ProfileName   string
}

// Result is a handler's successful outcome. Exactly one of InstanceURL and
// VerifyURL must be set, and DedicatedInstance must be true; anything else
// is rejected as provisioning_malformed_result.
type Result struct {
	InstanceURL          string `json:"instance_url,omitempty"`
	VerifyURL            string `json:"verify_url,omitempty"`
	EigenAppID           string `json:"eigen_app_id,omitempty"`
	LaunchedOnEigencloud bool   `json:"launched_on_eigencloud"`
	DedicatedInstance    bool   `json:"dedicated_instance"`
}

// Handler executes the provisioning work for one session. The context
// carries the run deadline; handlers must stop promptly on cancellation.
type Handler interface {
	Provision(ctx context.Context, req Request) (*Result, error)
}

// LogFunc receives one line of provisioner output. stream is "stdout" or
// "stderr". Callers are responsible for masking before anything persists.
type LogFunc func(stream, line string)
