// Package logging provides a chained structured-field builder shared by
// every component, on top of go.uber.org/zap.
package logging

import (
	"time"

	"go.uber.org/zap"
)

// Fields is an unordered set of structured logging key/value pairs (a
// map, so Zap emits them in no fixed order). Every method mutates and returns the same map so calls chain.
type Fields map[string]interface{}

func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(operation string) Fields {
	f["operation"] = operation
	return f
}

func (f Fields) Resource(resourceType, resourceName string) Fields {
	f["resource_type"] = resourceType
	if resourceName != "" {
		f["resource_name"] = resourceName
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	if id != "" {
		f["request_id"] = id
	}
	return f
}

func (f Fields) TraceID(id string) Fields {
	if id != "" {
		f["trace_id"] = id
	}
	return f
}

func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// Merge copies every key from other into f, overwriting collisions,
// and returns f. Used to fold internal/errors.LogFields into a call's
// own Fields before logging.
func (f Fields) Merge(other map[string]interface{}) Fields {
	for k, v := range other {
		f[k] = v
	}
	return f
}

// Zap converts f into zap fields for a single logger call.
func (f Fields) Zap() []zap.Field {
	zf := make([]zap.Field, 0, len(f))
	for k, v := range f {
		zf = append(zf, zap.Any(k, v))
	}
	return zf
}

// TransportFields builds the standard field set for mesh/secure
// transport supervisor log lines.
func TransportFields(transport, operation string) Fields {
	return NewFields().Component(transport).Operation(operation)
}

// QueueFields builds the standard field set for durable-queue log
// lines keyed by the affected message.
func QueueFields(operation, messageID string) Fields {
	return NewFields().Component("queue").Operation(operation).Resource("message", messageID)
}

// AlertFields builds the standard field set for alert-manager log
// lines keyed by the affected alert.
func AlertFields(operation, alertID string) Fields {
	return NewFields().Component("alertmanager").Operation(operation).Resource("alert", alertID)
}

// RelayFields builds the standard field set for relay log lines.
func RelayFields(operation string) Fields {
	return NewFields().Component("relay").Operation(operation)
}

// ConnectivityFields builds the standard field set for connectivity
// monitor log lines.
func ConnectivityFields(operation string) Fields {
	return NewFields().Component("connectivity").Operation(operation)
}

// HTTPFields builds the standard field set for inbound HTTP request
// log lines.
func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

// SecurityFields builds the standard field set for identity/keypair
// log lines in the secure transport supervisor.
func SecurityFields(operation, subject string) Fields {
	f := NewFields().Component("security").Operation(operation)
	f["subject"] = subject
	return f
}

// PerformanceFields builds the standard field set for timed operations
// that report a success/failure outcome.
func PerformanceFields(operation string, duration time.Duration, success bool) Fields {
	f := NewFields().Component("performance").Operation(operation).Duration(duration)
	f["success"] = success
	return f
}
