package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnknownEventType is returned by Decode for types outside the catalog.
// Clients are expected to ignore such events.
var ErrUnknownEventType = errors.New("unknown event type")

// Encode renders ev as one server-sent-events frame:
// "event: <type>\ndata: <json>\n\n".
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", ev.Type(), err)
	}
	var buf bytes.Buffer
	buf.Grow(len(data) + 32)
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", ev.Type(), data)
	return buf.Bytes(), nil
}

// Decode rebuilds an event from its wire type and JSON payload
func Decode(t Type, data []byte) (Event, error) {
	switch t {
	case TypeConnected:
		return decodeInto(t, data, Connected{})
	case TypeSettingsUpdated:
		return decodeInto(t, data, SettingsUpdated{})
	case TypeExecutionProgress:
		return decodeInto(t, data, ExecutionProgress{})
	case TypeExecutionLog:
		return decodeInto(t, data, ExecutionLog{})
	}

	prefix, rest, ok := strings.Cut(string(t), ":")
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, t)
	}
	if prefix == "batch" {
		kind := BatchKind(rest)
		if !knownBatchKind(kind) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, t)
		}
		return decodeInto(t, data, BatchEvent{Kind: kind})
	}

	a := Action(rest)
	if a != Created && a != Updated && a != Deleted {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, t)
	}
	switch prefix {
	case "task":
		return decodeInto(t, data, TaskEvent{Action: a})
	case "label":
		return decodeInto(t, data, LabelEvent{Action: a})
	case "team":
		return decodeInto(t, data, TeamEvent{Action: a})
	case "project":
		return decodeInto(t, data, ProjectEvent{Action: a})
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, t)
}

func decodeInto[E Event](t Type, data []byte, e E) (Event, error) {
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", t, err)
	}
	return e, nil
}

func knownBatchKind(k BatchKind) bool {
	switch k {
	case BatchCreated, BatchStarted, BatchTaskStarted, BatchTaskCompleted, BatchTaskFailed,
		BatchTaskSkipped, BatchTaskCancelled, BatchMerging, BatchCompleted, BatchFailed, BatchCancelled:
		return true
	}
	return false
}

// Frame is one parsed server-sent-events message
type Frame struct {
	Event string
	Data  []byte
}

// ReadFrames parses a server-sent-events stream, calling fn for every
// complete frame. Comment lines such as heartbeats are skipped. It returns
// when r is exhausted or fn returns an error.
func ReadFrames(r io.Reader, fn func(Frame) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var frame Frame
	var data [][]byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if frame.Event != "" || len(data) > 0 {
				frame.Data = bytes.Join(data, []byte("\n"))
				if err := fn(frame); err != nil {
					return err
				}
			}
			frame = Frame{}
			data = nil
		case strings.HasPrefix(line, ":"):
			// comment / heartbeat
		case strings.HasPrefix(line, "event:"):
			frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			v := strings.TrimPrefix(line, "data:")
			v = strings.TrimPrefix(v, " ")
			data = append(data, []byte(v))
		}
	}
	return scanner.Err()
}
