package audit

import (
	"errors"
	"os"
	"sync"

	"github.com/flowd-io/flowd/model"
	"github.com/flowd-io/flowd/persistence"
	"github.com/flowd-io/flowd/util"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFileSink writes events as JSON lines to a dedicated audit file.
type LogFileSink struct {
	fileName string
	logger   *zap.Logger
}

func NewLogFileSink(fileName string) (*LogFileSink, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	logFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	writer := zapcore.AddSync(logFile)
	core := zapcore.NewTee(zapcore.NewCore(fileEncoder, writer, zapcore.InfoLevel))
	return &LogFileSink{
		fileName: fileName,
		logger:   zap.New(core),
	}, nil
}

func (s *LogFileSink) Emit(event Event) error {
	s.logger.Info(event.Message,
		zap.String("executionId", event.ExecutionId),
		zap.String("domain", event.Domain),
		zap.String("type", string(event.Type)),
		zap.String("level", event.Level),
		zap.Any("attributes", event.Attributes),
	)
	return nil
}

// RepositorySink persists events through the state repository so the
// audit trail survives with the flow state.
type RepositorySink struct {
	states persistence.StateRepository
}

func NewRepositorySink(states persistence.StateRepository) *RepositorySink {
	return &RepositorySink{states: states}
}

func (s *RepositorySink) Emit(event Event) error {
	return s.states.SaveAuditLog(event.ExecutionId, model.AuditLogEntry{
		FlowId:     event.ExecutionId,
		Domain:     event.Domain,
		Type:       string(event.Type),
		Level:      event.Level,
		Message:    event.Message,
		Attributes: event.Attributes,
		Timestamp:  event.Timestamp,
	})
}

// AsyncSink queues events onto a single worker lane so the run loop
// never blocks on a slow sink. A full queue rejects the event, which
// the emitter counts as dropped.
type AsyncSink struct {
	worker *util.Worker
}

func NewAsyncSink(sink Sink, capacity int, wg *sync.WaitGroup) *AsyncSink {
	s := &AsyncSink{}
	s.worker = util.NewWorker("audit-sink", wg, func(task util.Task) error {
		return sink.Emit(task.(Event))
	}, capacity)
	s.worker.Start()
	return s
}

func (s *AsyncSink) Emit(event Event) error {
	select {
	case s.worker.Sender() <- event:
		return nil
	default:
		return errors.New("audit queue full")
	}
}

func (s *AsyncSink) Stop() {
	s.worker.Stop()
}

// TeeSink fans an event out to several sinks; the first error wins but
// every sink still sees the event.
type TeeSink struct {
	sinks []Sink
}

func NewTeeSink(sinks ...Sink) *TeeSink {
	return &TeeSink{sinks: sinks}
}

func (s *TeeSink) Emit(event Event) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Emit(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
