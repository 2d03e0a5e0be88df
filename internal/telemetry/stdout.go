package telemetry

import (
	"time"

	"github.com/rjboer/lritrecv/internal/logging"
	"github.com/rjboer/lritrecv/internal/publisher"
)

// StdoutReporter logs statistics, at most once per interval and source.
type StdoutReporter struct {
	logger logging.Logger
	limit  *logging.Throttle
	now    func() time.Time
}

// NewStdoutReporter builds a reporter on logger. An interval of zero logs
// every update.
func NewStdoutReporter(logger logging.Logger, interval time.Duration) *StdoutReporter {
	return &StdoutReporter{
		logger: logging.OrDefault(logger).With(logging.Subsystem("telemetry")),
		limit:  logging.NewThrottle(interval),
		now:    time.Now,
	}
}

// PublishStats implements publisher.Stats.
func (r *StdoutReporter) PublishStats(source string, stats []publisher.Stat) {
	if ok, _ := r.limit.Allow(source, r.now()); !ok {
		return
	}

	fields := make([]logging.Field, 0, len(stats)+1)
	fields = append(fields, logging.F("source", source))
	for _, s := range stats {
		fields = append(fields, logging.F(s.Key, s.Value))
	}
	r.logger.Info("stats", fields...)
}
