package diagnostics

import (
	"context"
	"net/http"

	"github.com/localbridge/bridged/internal/events"
)

// Pinger is the subset of H's client self-test needs: a single
// unauthenticated-shape GET to confirm the bridge server is reachable.
type Pinger interface {
	Get(ctx context.Context, path string) (*http.Response, error)
}

// SocketStater reports S's current connection lifecycle state.
type SocketStater interface {
	State() events.SocketState
}

// IntegrityChecker re-verifies L without reopening the database.
type IntegrityChecker interface {
	IntegrityCheck(ctx context.Context) error
}

// ContactCoverage reports how many of L's handles have a resolved contact.
type ContactCoverage interface {
	CountHandles(ctx context.Context) (total, withContact int, err error)
}

// SelfTestResult is the self-test report: connectivity to H, S's current
// state, L's integrity, and N's contact-link coverage.
type SelfTestResult struct {
	ServerReachable bool   `json:"server_reachable"`
	ServerError     string `json:"server_error,omitempty"`

	SocketState string `json:"socket_state"`

	DatabaseOK    bool   `json:"database_ok"`
	DatabaseError string `json:"database_error,omitempty"`

	HandlesTotal           int     `json:"handles_total"`
	HandlesLinked          int     `json:"handles_linked"`
	ContactLinkCoveragePct float64 `json:"contact_link_coverage_pct"`
}

// RunSelfTest pings H, reads S's state, re-runs L's integrity check, and
// reports N's contact-link coverage — the same four checks the original
// client's diagnose command runs before asking a user to file a bug report.
func RunSelfTest(ctx context.Context, http Pinger, sock SocketStater, db IntegrityChecker, contacts ContactCoverage) SelfTestResult {
	var result SelfTestResult

	resp, err := http.Get(ctx, "/ping")
	if err != nil {
		result.ServerError = err.Error()
	} else {
		resp.Body.Close()
		result.ServerReachable = true
	}

	result.SocketState = string(sock.State())

	if err := db.IntegrityCheck(ctx); err != nil {
		result.DatabaseError = err.Error()
	} else {
		result.DatabaseOK = true
	}

	total, linked, err := contacts.CountHandles(ctx)
	if err == nil {
		result.HandlesTotal = total
		result.HandlesLinked = linked
		if total > 0 {
			result.ContactLinkCoveragePct = float64(linked) / float64(total) * 100
		} else {
			result.ContactLinkCoveragePct = 100
		}
	}

	return result
}
