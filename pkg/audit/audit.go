// Package audit writes the request trail. Logging is fire-and-forget: the
// response is never delayed or failed because the trail could not be written.
package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/getmodelgate/modelgate/pkg/analytics"
	"github.com/getmodelgate/modelgate/pkg/store"
	"github.com/getmodelgate/modelgate/pkg/usage"
)

// safeHeaders is the only request metadata that reaches the trail. API keys
// and any other credential-bearing headers stay out.
var safeHeaders = []string{
	"user-agent",
	"content-type",
	"accept",
	"accept-language",
	"origin",
	"referer",
}

// Record is one completed (or failed) proxied request.
type Record struct {
	APIKeyID   string
	UserID     string
	ExternalID string
	Endpoint   string
	Model      string
	Usage      usage.Usage
	Request    json.RawMessage
	Response   json.RawMessage
	Headers    http.Header
	IP         string
	Status     int
	Stream     bool
	Timestamp  time.Time
	Duration   time.Duration
}

type RecordWriter interface {
	InsertRequestLog(ctx context.Context, entry *store.RequestLog) error
}

// Logger buffers records in a channel and persists them from a single
// background worker. A full buffer drops the record rather than blocking the
// request path.
type Logger struct {
	writer    RecordWriter
	sink      analytics.Sink
	queue     chan Record
	wg        sync.WaitGroup
	closeOnce sync.Once
	log       *log.Logger
}

const queueDepth = 1024

func New(writer RecordWriter, sink analytics.Sink) *Logger {
	if sink == nil {
		sink = analytics.NopSink{}
	}
	l := &Logger{
		writer: writer,
		sink:   sink,
		queue:  make(chan Record, queueDepth),
		log:    log.Default().With("component", "audit"),
	}
	l.wg.Add(1)
	go l.worker()
	return l
}

// Log enqueues without blocking. Call it after the response is already on
// its way to the client.
func (l *Logger) Log(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	select {
	case l.queue <- rec:
	default:
		// The queue is full; write directly rather than lose the record.
		l.log.Warn("audit queue full, writing record directly", "user_id", rec.UserID, "model", rec.Model)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.persist(rec)
		}()
	}
}

func (l *Logger) worker() {
	defer l.wg.Done()
	for rec := range l.queue {
		l.persist(rec)
	}
}

func (l *Logger) persist(rec Record) {
	entry := &store.RequestLog{
		ID:               uuid.NewString(),
		APIKeyID:         rec.APIKeyID,
		UserID:           rec.UserID,
		ExternalID:       rec.ExternalID,
		Model:            rec.Model,
		PromptTokens:     rec.Usage.PromptTokens,
		CompletionTokens: rec.Usage.CompletionTokens,
		TotalTokens:      rec.Usage.TotalTokens,
		CostUSD:          rec.Usage.Cost,
		Request:          rec.Request,
		Response:         rec.Response,
		Headers:          SanitizeHeaders(rec.Headers),
		IP:               rec.IP,
		Status:           rec.Status,
		Timestamp:        rec.Timestamp,
		Duration:         rec.Duration,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.writer.InsertRequestLog(ctx, entry); err != nil {
		l.log.Error("request log insert failed", "error", err, "user_id", rec.UserID)
	}
	l.sink.Emit(analytics.Event{
		Timestamp:        rec.Timestamp,
		Endpoint:         rec.Endpoint,
		Model:            rec.Model,
		UserID:           rec.UserID,
		ExternalID:       rec.ExternalID,
		ClientIP:         rec.IP,
		Status:           rec.Status,
		Stream:           rec.Stream,
		PromptTokens:     rec.Usage.PromptTokens,
		CompletionTokens: rec.Usage.CompletionTokens,
		TotalTokens:      rec.Usage.TotalTokens,
		CostUSD:          rec.Usage.Cost,
		DurationMS:       rec.Duration.Milliseconds(),
	})
}

// Close drains the queue, then closes the analytics sink.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() { close(l.queue) })
	l.wg.Wait()
	return l.sink.Close()
}

func SanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(safeHeaders))
	for _, name := range safeHeaders {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}
