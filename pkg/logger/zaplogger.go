package logger

import "go.uber.org/zap"

type ZapLogger struct {
	log   *zap.SugaredLogger
	level zap.AtomicLevel
}

var zapLogger *ZapLogger

func NewLogger(config zap.Config) (*ZapLogger, error) {
	logger, err := config.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, err
	}
	zapLogger = &ZapLogger{log: logger.Sugar(), level: config.Level}
	return zapLogger, nil
}

func GetLogger() *ZapLogger {
	if zapLogger == nil {
		panic("logger not initialized")
	}
	return zapLogger
}

func (l *ZapLogger) Fatal(err error, values ...any) {
	l.log.Fatalw(err.Error(), values...)
}

func (l *ZapLogger) Info(message string, values ...any) {
	l.log.Infow(message, values...)
}

func (l *ZapLogger) Warn(message string, values ...any) {
	l.log.Warnw(message, values...)
}

func (l *ZapLogger) Error(message string, values ...any) {
	l.log.Errorw(message, values...)
}

func (l *ZapLogger) Debug(message string, values ...any) {
	l.log.Debugw(message, values...)
}

// child loggers are called one frame closer to user code than the facade
func (l *ZapLogger) With(values ...any) Logger {
	return &childLogger{log: l.log.Desugar().WithOptions(zap.AddCallerSkip(-1)).Sugar().With(values...)}
}

type childLogger struct {
	log *zap.SugaredLogger
}

func (c *childLogger) Info(message string, values ...any)  { c.log.Infow(message, values...) }
func (c *childLogger) Warn(message string, values ...any)  { c.log.Warnw(message, values...) }
func (c *childLogger) Error(message string, values ...any) { c.log.Errorw(message, values...) }
func (c *childLogger) Debug(message string, values ...any) { c.log.Debugw(message, values...) }
func (c *childLogger) Fatal(err error, values ...any)      { c.log.Fatalw(err.Error(), values...) }
func (c *childLogger) With(values ...any) Logger {
	return &childLogger{log: c.log.With(values...)}
}
