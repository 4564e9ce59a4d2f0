package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// NewCron builds a UTC cron runner that accepts 5-field specs, optional
// seconds and descriptors such as "@every 15m". Panicking jobs are recovered.
func NewCron(logger *zap.Logger) *cron.Cron {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	return cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger)),
	)
}
