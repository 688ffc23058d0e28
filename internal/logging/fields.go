// Package logging provides the structured-logging conventions shared by
// every component: a chainable Fields builder over zap, with a logr.Logger
// facade for glue code written against the logr interface.
package logging

import "time"

// Fields is a set of structured log attributes, built up with
// chained calls before being handed to a Logger.
type Fields map[string]any

// NewFields starts an empty field set.
func NewFields() Fields {
	return Fields{}
}

// Component tags the field set with the emitting component name.
func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

// Operation tags the field set with the operation being performed.
func (f Fields) Operation(op string) Fields {
	f["operation"] = op
	return f
}

// Resource tags the field set with a resource type and, if non-empty, name.
func (f Fields) Resource(kind, name string) Fields {
	f["resource_type"] = kind
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

// Duration records an elapsed time in milliseconds.
func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

// Error records an error's message, no-op if err is nil.
func (f Fields) Error(err error) Fields {
	if err == nil {
		return f
	}
	f["error"] = err.Error()
	return f
}

// Class tags the field set with a worker class (routing key).
func (f Fields) Class(class string) Fields {
	f["class"] = class
	return f
}

// TaskID tags the field set with a task id.
func (f Fields) TaskID(id string) Fields {
	f["task_id"] = id
	return f
}

// AgentID tags the field set with an agent id.
func (f Fields) AgentID(id string) Fields {
	f["agent_id"] = id
	return f
}

// With merges an additional key/value pair.
func (f Fields) With(key string, value any) Fields {
	f[key] = value
	return f
}
