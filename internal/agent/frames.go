package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/browserpilot/internal/frame"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// FrameProducer publishes a fresh frame at a fixed cadence for as long as its
// context lives, independent of step progress.
type FrameProducer struct {
	engine   Engine
	encoder  *frame.Encoder
	sink     Sink
	interval time.Duration
	backoff  time.Duration
	log      zerolog.Logger
}

func NewFrameProducer(engine Engine, encoder *frame.Encoder, sink Sink, interval, backoff time.Duration, logger zerolog.Logger) *FrameProducer {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &FrameProducer{
		engine:   engine,
		encoder:  encoder,
		sink:     sink,
		interval: interval,
		backoff:  backoff,
		log:      logger,
	}
}

// Run produces frames until ctx is done. Capture failures back off and retry;
// they never end the loop.
func (p *FrameProducer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		if err := p.produce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures == 1 {
				p.log.Warn().Err(err).Msg("frame capture failed, backing off")
			} else {
				p.log.Debug().Err(err).Int("failures", failures).Msg("frame capture failed")
			}

			timer := time.NewTimer(p.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		if failures > 0 {
			p.log.Info().Int("failures", failures).Msg("frame capture recovered")
			failures = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *FrameProducer) produce(ctx context.Context) error {
	raw, err := p.engine.Capture(ctx)
	if err != nil {
		return err
	}
	data, err := p.encoder.EncodeBase64(raw)
	if err != nil {
		return err
	}
	url, err := p.engine.CurrentTarget(ctx)
	if err != nil {
		url = ""
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.sink.Publish(models.FrameEvent{Data: data, URL: url, Timestamp: time.Now().UTC()})
	return nil
}
