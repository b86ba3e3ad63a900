package security

import (
	"context"
	"errors"
	"time"

	"mcpgateway/internal/api"
	"mcpgateway/internal/config"
	"mcpgateway/internal/repository"
	"mcpgateway/pkg/logging"
)

// SecurityPendingTag marks a server gated behind an unresolved (or unsafe)
// scan. The tag is removed when an admin explicitly enables the server.
const SecurityPendingTag = "security-pending"

// Scanner orchestrates analyzer runs and records verdicts. One scanner per
// process; scans for different servers may run concurrently.
type Scanner struct {
	cfg       config.SecurityConfig
	scans     repository.SecurityScanRepository
	servers   repository.ServerRepository
	analyzers []Analyzer
}

// NewScanner builds the orchestrator with the configured analyzer set.
func NewScanner(cfg config.SecurityConfig, scans repository.SecurityScanRepository, servers repository.ServerRepository) (*Scanner, error) {
	analyzers, err := NewAnalyzers(cfg.Analyzers)
	if err != nil {
		return nil, err
	}
	if cfg.ScanTimeout == 0 {
		cfg.ScanTimeout = 60 * time.Second
	}
	return &Scanner{cfg: cfg, scans: scans, servers: servers, analyzers: analyzers}, nil
}

// Enabled reports whether scanning is configured at all.
func (s *Scanner) Enabled() bool { return s.cfg.ScanEnabled }

// ScanOnRegistration reports whether registration must enqueue a scan.
func (s *Scanner) ScanOnRegistration() bool {
	return s.cfg.ScanEnabled && s.cfg.ScanOnRegistration
}

// BlocksUnsafe reports whether unsafe verdicts gate enablement.
func (s *Scanner) BlocksUnsafe() bool { return s.cfg.BlockUnsafeServers }

// ScanServer runs every analyzer over every tool of the server, appends
// the result to the scan index and returns it. The per-scan wall clock is
// a hard cap: exceeding it records a failed scan with timeout metadata and
// the entity remains gated.
func (s *Scanner) ScanServer(ctx context.Context, server *api.Server) (*api.SecurityScanResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	result := &api.SecurityScanResult{
		ServerPath:    server.Path,
		ScanTimestamp: time.Now().UTC(),
		ScanStatus:    api.ScanStatusInProgress,
		ScanMetadata: map[string]interface{}{
			"analyzers": s.analyzerNames(),
			"num_tools": len(server.ToolList),
		},
	}

	var findings []ToolFinding
	scanErr := func() error {
		for _, tool := range server.ToolList {
			for _, analyzer := range s.analyzers {
				finding, err := analyzer.AnalyzeTool(ctx, server.Path, tool)
				if err != nil {
					return err
				}
				findings = append(findings, finding)
			}
		}
		return nil
	}()

	if scanErr != nil {
		result.ScanStatus = api.ScanStatusFailed
		if errors.Is(scanErr, context.DeadlineExceeded) {
			result.ScanMetadata["timeout"] = true
			result.ScanMetadata["timeout_seconds"] = s.cfg.ScanTimeout.Seconds()
			scanErr = api.NewScanTimeoutError(server.Path)
		} else {
			result.ScanMetadata["error"] = scanErr.Error()
		}
	} else {
		applyVerdict(result, findings)
	}

	if err := s.scans.Append(ctx, result); err != nil {
		// The scan ran; losing the record is a storage problem, not a
		// verdict problem. Use a fresh context: ours may be past deadline.
		appendCtx, appendCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer appendCancel()
		if retryErr := s.scans.Append(appendCtx, result); retryErr != nil {
			logging.Error("Security", retryErr, "Failed to record scan result for %s", server.Path)
		}
	}

	logging.Info("Security", "Scan of %s finished: %s (%d findings)", server.Path, result.ScanStatus, result.TotalCount)
	return result, scanErr
}

func (s *Scanner) analyzerNames() []string {
	names := make([]string, len(s.analyzers))
	for i, a := range s.analyzers {
		names[i] = a.Name()
	}
	return names
}

// applyVerdict folds per-tool findings into the overall scan result:
// unsafe iff any HIGH/CRITICAL finding; all-SAFE is safe; anything else is
// a mixed verdict that still counts as safe for gating but surfaces
// warnings.
func applyVerdict(result *api.SecurityScanResult, findings []ToolFinding) {
	worst := SeveritySafe
	warnings := false
	for _, finding := range findings {
		if severityRank(finding.Severity) > severityRank(worst) {
			worst = finding.Severity
		}
		if finding.Severity != SeveritySafe {
			warnings = true
			title := finding.ThreatSummary
			if len(finding.ThreatNames) > 0 {
				title = finding.ThreatNames[0]
			}
			result.Vulnerabilities = append(result.Vulnerabilities, api.Vulnerability{
				Severity:    finding.Severity,
				Title:       title,
				Description: finding.ThreatSummary,
				PackageName: finding.ToolName,
			})
		}
	}

	if severityRank(worst) >= severityRank(SeverityHigh) {
		result.ScanStatus = api.ScanStatusUnsafe
	} else {
		result.ScanStatus = api.ScanStatusSafe
		if warnings {
			result.ScanMetadata["warnings"] = true
		}
	}
	result.RecomputeCounts()
	result.RiskScore = riskScore(result)
}

// riskScore derives a [0,1] score from the severity buckets.
func riskScore(result *api.SecurityScanResult) float64 {
	score := 1.0*float64(result.CriticalCount) +
		0.6*float64(result.HighCount) +
		0.3*float64(result.MediumCount) +
		0.1*float64(result.LowCount)
	if score > 1 {
		return 1
	}
	return score
}

// Sweep scans every registered server once. Used by the periodic
// registry-wide pass and the admin "scan everything" operation.
func (s *Scanner) Sweep(ctx context.Context) error {
	servers, err := s.servers.ListAll(ctx)
	if err != nil {
		return err
	}
	for i := range servers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.ScanServer(ctx, &servers[i]); err != nil {
			logging.Warn("Security", "Sweep scan of %s failed: %v", servers[i].Path, err)
		}
	}
	return nil
}

// Run drives the periodic sweep until the context is cancelled. The
// cadence is independent of registration-time scans; a zero interval
// disables the loop.
func (s *Scanner) Run(ctx context.Context) {
	if !s.cfg.ScanEnabled || s.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	logging.Info("Security", "Periodic scan sweep every %s", s.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Warn("Security", "Periodic sweep aborted: %v", err)
			}
		}
	}
}
