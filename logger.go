package notify

// Logger defines the logging interface required by the notify library.
// Implement this interface to integrate your logging system; the logging
// package provides a zerolog-backed implementation.
//
// Example implementation:
//
//	type ZapLogger struct {
//	    logger *zap.Logger
//	}
//
//	func (l *ZapLogger) Infof(format string, args ...interface{}) {
//	    l.logger.Sugar().Infof(format, args...)
//	}
type Logger interface {
	// Debugf logs debug-level messages with printf-style formatting.
	Debugf(format string, args ...interface{})

	// Infof logs info-level messages with printf-style formatting.
	Infof(format string, args ...interface{})

	// Warnf logs warning-level messages with printf-style formatting.
	Warnf(format string, args ...interface{})

	// Errorf logs error-level messages with printf-style formatting.
	Errorf(format string, args ...interface{})

	// Info logs info-level messages without formatting.
	Info(message string)
}

// NoopLogger is a no-operation logger, used when no logger is configured
// and in tests.
type NoopLogger struct{}

// Debugf implements Logger.Debugf as a no-op.
func (l *NoopLogger) Debugf(_ string, _ ...interface{}) {}

// Infof implements Logger.Infof as a no-op.
func (l *NoopLogger) Infof(_ string, _ ...interface{}) {}

// Warnf implements Logger.Warnf as a no-op.
func (l *NoopLogger) Warnf(_ string, _ ...interface{}) {}

// Errorf implements Logger.Errorf as a no-op.
func (l *NoopLogger) Errorf(_ string, _ ...interface{}) {}

// Info implements Logger.Info as a no-op.
func (l *NoopLogger) Info(_ string) {}

// Metrics receives delivery and queue events. The metrics package provides a
// Prometheus implementation.
type Metrics interface {
	// DeliveryAttempt records one transport call.
	DeliveryAttempt(protocol string, success bool, seconds float64)

	// DeliveryFinished records the terminal status of a (message, subscription) delivery.
	DeliveryFinished(protocol, status string, attempts int)

	// SubscriptionEvent records a lifecycle event: created, confirmed, deleted.
	SubscriptionEvent(event string)

	// QueueMessageProcessed records how a durable queue message was handled:
	// deleted, redelivered, dead_lettered.
	QueueMessageProcessed(queue, outcome string)
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

// DeliveryAttempt implements Metrics as a no-op.
func (NoopMetrics) DeliveryAttempt(string, bool, float64) {}

// DeliveryFinished implements Metrics as a no-op.
func (NoopMetrics) DeliveryFinished(string, string, int) {}

// SubscriptionEvent implements Metrics as a no-op.
func (NoopMetrics) SubscriptionEvent(string) {}

// QueueMessageProcessed implements Metrics as a no-op.
func (NoopMetrics) QueueMessageProcessed(string, string) {}
