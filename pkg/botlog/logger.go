// Package botlog provides structured JSON logging for the detection engine,
// with redaction of raw request attributes that would otherwise leak through
// log output alongside a derived signature id.
package botlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Level represents logging severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// Logger writes structured JSON log lines.
type Logger struct {
	writer   io.Writer
	minLevel Level
	service  string
}

// Entry is a single structured log line.
type Entry struct {
	Timestamp   string                 `json:"timestamp"`
	Level       string                 `json:"level"`
	Message     string                 `json:"message"`
	Service     string                 `json:"service,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
	SignatureID string                 `json:"signature_id,omitempty"`
	Method      string                 `json:"method,omitempty"`
	Path        string                 `json:"path,omitempty"`
	StatusCode  int                    `json:"status_code,omitempty"`
	Latency     string                 `json:"latency,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger writing to stdout.
func New(minLevel Level) *Logger {
	return &Logger{writer: os.Stdout, minLevel: minLevel, service: "botwave"}
}

func (l *Logger) shouldLog(level Level) bool {
	return levelRank[level] >= levelRank[l.minLevel]
}

func (l *Logger) write(entry *Entry) {
	if !l.shouldLog(Level(entry.Level)) {
		return
	}
	entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	entry.Service = l.service
	entry.Message = Redact(entry.Message)
	if entry.Error != "" {
		entry.Error = Redact(entry.Error)
	}
	if entry.Fields != nil {
		entry.Fields = RedactFields(entry.Fields)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "botlog: marshal failed: %v\n", err)
		return
	}
	fmt.Fprintln(l.writer, string(data))
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.write(&Entry{Level: string(LevelDebug), Message: msg, Fields: first(fields)})
}

func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.write(&Entry{Level: string(LevelInfo), Message: msg, Fields: first(fields)})
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.write(&Entry{Level: string(LevelWarn), Message: msg, Fields: first(fields)})
}

func (l *Logger) Error(msg string, err error, fields ...map[string]interface{}) {
	e := &Entry{Level: string(LevelError), Message: msg, Fields: first(fields)}
	if err != nil {
		e.Error = err.Error()
	}
	l.write(e)
}

// Fatal logs at fatal level and exits the process.
func (l *Logger) Fatal(msg string, err error, fields ...map[string]interface{}) {
	e := &Entry{Level: string(LevelFatal), Message: msg, Fields: first(fields)}
	if err != nil {
		e.Error = err.Error()
	}
	l.write(e)
	os.Exit(1)
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// GinMiddleware logs each request, hashing any signature id present in the
// gin context rather than logging the raw client attributes it was derived
// from.
func (l *Logger) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		sig := ""
		if v, exists := c.Get("signature_id"); exists {
			sig = hashForLogging(fmt.Sprintf("%v", v))
		}
		reqID := ""
		if v, exists := c.Get("RequestId"); exists {
			reqID = fmt.Sprintf("%v", v)
		}

		entry := &Entry{
			Level:       string(LevelInfo),
			Message:     "http request",
			RequestID:   reqID,
			SignatureID: sig,
			Method:      c.Request.Method,
			Path:        path,
			StatusCode:  c.Writer.Status(),
			Latency:     time.Since(start).String(),
		}
		if len(c.Errors) > 0 {
			entry.Error = c.Errors.String()
			entry.Level = string(LevelError)
		}
		l.write(entry)
	}
}

var defaultLogger *Logger

// Init sets up the global logger.
func Init(minLevel Level) {
	defaultLogger = New(minLevel)
}

// Default returns the global logger, creating one at info level if needed.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New(LevelInfo)
	}
	return defaultLogger
}

func Debug(msg string, fields ...map[string]interface{}) { Default().Debug(msg, fields...) }
func Info(msg string, fields ...map[string]interface{})  { Default().Info(msg, fields...) }
func Warn(msg string, fields ...map[string]interface{})  { Default().Warn(msg, fields...) }
func Error(msg string, err error, fields ...map[string]interface{}) {
	Default().Error(msg, err, fields...)
}

func hashForLogging(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}

var (
	rawIPPattern  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	tokenPattern  = regexp.MustCompile(`(?i)(secret|token|apikey|api_key|authorization)["']?\s*[:=]\s*["']([^"'\s,}&]+)["']?`)
	bearerPattern = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-._~+/]+=*`)
)

// Redact strips raw IP addresses, bearer tokens, and secret-like key/value
// pairs from a log message before it is written.
func Redact(text string) string {
	text = rawIPPattern.ReplaceAllString(text, "[REDACTED_IP]")
	text = bearerPattern.ReplaceAllString(text, "Bearer [REDACTED_TOKEN]")
	text = tokenPattern.ReplaceAllString(text, `$1:"[REDACTED]"`)
	return text
}

// RedactFields redacts sensitive field names and raw-IP-looking values from
// a structured log field map.
func RedactFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "secret") || strings.Contains(lk, "token") ||
			strings.Contains(lk, "ip") || strings.Contains(lk, "user_agent") ||
			strings.Contains(lk, "auth") {
			out[k] = "[REDACTED]"
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = Redact(s)
		} else {
			out[k] = v
		}
	}
	return out
}
