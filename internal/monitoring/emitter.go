package monitoring

import (
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agentic-task-fabric/internal/jsonx"
)

// Sink receives redacted events after they are logged.
type Sink interface {
	Publish(subject string, data []byte) error
}

// Event is the exported wire shape for one monitoring record.
type Event struct {
	Name      string                 `json:"event"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	EmittedAt string                 `json:"emitted_at"`
}

// Emitter logs redacted events through zap and mirrors them to an optional
// sink under "monitor.{event}" subjects.
type Emitter struct {
	logger *zap.Logger
	sink   Sink
}

// NewEmitter builds an emitter. sink may be nil for log-only operation.
func NewEmitter(logger *zap.Logger, sink Sink) *Emitter {
	return &Emitter{logger: logger.Named("monitor"), sink: sink}
}

// Emit redacts fields, logs the event, and forwards it to the sink. Sink
// failures are logged and swallowed so emission never blocks the caller's
// path.
func (e *Emitter) Emit(event string, fields map[string]interface{}) {
	clean := RedactFields(fields)
	e.logger.Info(event, zap.Any("fields", clean))

	if e.sink == nil {
		return
	}
	raw, err := jsonx.Marshal(Event{
		Name:      event,
		Fields:    clean,
		EmittedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		e.logger.Warn("event encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	if err := e.sink.Publish("monitor."+event, raw); err != nil {
		e.logger.Warn("event export failed", zap.String("event", event), zap.Error(err))
	}
}

// EmitError is Emit with the error message redacted into the fields.
func (e *Emitter) EmitError(event string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["error"] = RedactError(err)
	e.Emit(event, fields)
}

// NATSSink publishes events to a NATS connection.
type NATSSink struct {
	conn *nats.Conn
}

// ConnectNATS dials url and wraps the connection as a sink.
func ConnectNATS(url string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, err
	}
	return &NATSSink{conn: conn}, nil
}

// Publish implements Sink.
func (s *NATSSink) Publish(subject string, data []byte) error {
	return s.conn.Publish(subject, data)
}

// Close closes the connection without draining it.
func (s *NATSSink) Close() {
	s.conn.Close()
}
