package synchro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/moisson/synchro/internal/resilience"
)

// reportRun posts the run summary to the monitoring webhook. Best effort:
// delivery failures are logged and never affect the run outcome.
func (svc *Service) reportRun(ctx context.Context, s *SyncSummary) {
	body, err := json.Marshal(s)
	if err != nil {
		svc.logger.Warn("synchro: webhook marshal failed", "run_id", s.RunID, "error", err)
		return
	}

	client := &http.Client{Timeout: 10 * time.Second}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			svc.cfg.Settings.MonitorWebhook, bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			err := fmt.Errorf("webhook status %d", resp.StatusCode)
			if !retryableStatus(resp.StatusCode) {
				return resilience.Permanent(err)
			}
			return err
		}
		return nil
	}

	retryCfg := resilience.RetryConfig{MaxAttempts: 3, InitialInterval: 2 * time.Second}
	if err := resilience.Retry(ctx, retryCfg, svc.logger, op); err != nil {
		svc.logger.Warn("synchro: webhook delivery failed", "run_id", s.RunID, "error", err)
		return
	}
	svc.logger.Info("synchro: run summary delivered",
		"run_id", s.RunID, "webhook", svc.cfg.Settings.MonitorWebhook)
}
