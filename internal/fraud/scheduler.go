package fraud

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"inkwell/internal/logger"
)

// Schedule runs the scanner on a cron spec until ctx is done. Overlapping
// runs are skipped.
func Schedule(ctx context.Context, s *Scanner, spec string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)

	_, err := c.AddFunc(spec, func() {
		if _, err := s.Scan(ctx); err != nil {
			logger.Error("scheduled fraud scan failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("fraud schedule %q: %w", spec, err)
	}

	c.Start()
	logger.Info("fraud scan scheduled", "spec", spec)
	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("fraud scheduler stopped")
	return nil
}
