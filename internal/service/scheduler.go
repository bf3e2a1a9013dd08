package service

import (
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

func NewScheduler(logger *zap.Logger) (gocron.Scheduler, error) {
	return gocron.NewScheduler(gocron.WithLogger(schedulerLogger{logger.Sugar()}))
}

// schedulerLogger adapts zap to the gocron logger interface.
type schedulerLogger struct {
	s *zap.SugaredLogger
}

func (l schedulerLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }
func (l schedulerLogger) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l schedulerLogger) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }
func (l schedulerLogger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }
