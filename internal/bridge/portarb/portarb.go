// Package portarb implements startup port arbitration (spec.md §4.11): the
// bridge binds an OS-assigned ephemeral port, then probes the window of
// "recently used" ports below it for a prior instance serving the same
// project, so the browser extension only ever has to search a small range.
package portarb

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/popmelt/core-sub002/internal/common/config"
	"github.com/popmelt/core-sub002/internal/common/logger"
	"github.com/popmelt/core-sub002/internal/common/portutil"
)

// statusResponse is the minimal shape this package needs from GET /status.
type statusResponse struct {
	ProjectID string `json:"projectId"`
}

// Result is the outcome of arbitration: either a clean takeover of a fresh
// port, or the discovery of a live prior instance for the same project.
type Result struct {
	Port            int
	PriorInstance   bool
	PriorInstanceURL string
}

// Arbitrate allocates a port and, if one isn't already serving this project,
// probes the configured window of ports below it for a prior instance
// (spec.md §4.11's deterministic project-path hash).
func Arbitrate(ctx context.Context, projectDir string, cfg config.PortArbitrationConfig, log *logger.Logger) (*Result, error) {
	projectID := portutil.ProjectID(projectDir)
	log = log.WithFields(zap.String("component", "portarb"), zap.String("project_id", projectID))

	port, err := portutil.AllocatePort()
	if err != nil {
		return nil, fmt.Errorf("portarb: allocate port: %w", err)
	}

	for probe := port - 1; probe > 0 && probe > port-cfg.Window; probe-- {
		if found, url := probeForProject(ctx, probe, projectID, cfg.ProbeTimeoutDuration()); found {
			log.Info("found prior instance for this project", zap.Int("port", probe))
			return &Result{Port: probe, PriorInstance: true, PriorInstanceURL: url}, nil
		}
	}

	return &Result{Port: port}, nil
}

func probeForProject(ctx context.Context, port int, projectID string, timeout time.Duration) (bool, string) {
	url := fmt.Sprintf("http://127.0.0.1:%d/status", port)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, ""
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return false, ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, ""
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, ""
	}
	return status.ProjectID == projectID, url
}

// PortInUse reports whether something is already listening on the loopback
// interface at port.
func PortInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
