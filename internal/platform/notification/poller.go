package notification

import (
	"context"
	"time"
)

// Poll runs Process every interval until ctx is done. Errors are logged and
// the loop keeps going.
func (p *Processor) Poll(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	p.logger.Info().Dur("interval", interval).Int("batch_size", batchSize).Msg("notification poller started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("notification poller stopped")
			return
		case <-ticker.C:
			if _, err := p.Process(ctx, batchSize); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("notification poll failed")
			}
		}
	}
}
