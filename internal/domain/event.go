package domain

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// RunEvent is an immutable fact about a run's progress. The set of
// implementations is closed; see Decode.
type RunEvent interface {
	Type() EventType
	Timestamp() string
	withTimestamp(ts string) RunEvent
}

type LogEvent struct {
	Ts      string   `json:"ts"`
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

type ScreenshotEvent struct {
	Ts  string `json:"ts"`
	URL string `json:"url"`
}

type GateEvent struct {
	Ts     string `json:"ts"`
	Prompt string `json:"prompt"`
}

type AuthGateEvent struct {
	Ts           string   `json:"ts"`
	Provider     Provider `json:"provider"`
	URL          string   `json:"url"`
	Instructions string   `json:"instructions"`
}

type VNCEvent struct {
	Ts  string `json:"ts"`
	URL string `json:"url"`
}

type JDEvent struct {
	Ts   string `json:"ts"`
	Text string `json:"text"`
}

// DoneEvent is terminal: exactly one per run, always last.
type DoneEvent struct {
	Ts         string        `json:"ts"`
	OK         bool          `json:"ok"`
	ReceiptURL string        `json:"receiptUrl,omitempty"`
	Reason     FailureReason `json:"reason,omitempty"`
}

func (e LogEvent) Type() EventType        { return EventTypeLog }
func (e ScreenshotEvent) Type() EventType { return EventTypeScreenshot }
func (e GateEvent) Type() EventType       { return EventTypeGate }
func (e AuthGateEvent) Type() EventType   { return EventTypeAuthGate }
func (e VNCEvent) Type() EventType        { return EventTypeVNC }
func (e JDEvent) Type() EventType         { return EventTypeJD }
func (e DoneEvent) Type() EventType       { return EventTypeDone }

func (e LogEvent) Timestamp() string        { return e.Ts }
func (e ScreenshotEvent) Timestamp() string { return e.Ts }
func (e GateEvent) Timestamp() string       { return e.Ts }
func (e AuthGateEvent) Timestamp() string   { return e.Ts }
func (e VNCEvent) Timestamp() string        { return e.Ts }
func (e JDEvent) Timestamp() string         { return e.Ts }
func (e DoneEvent) Timestamp() string       { return e.Ts }

func (e LogEvent) withTimestamp(ts string) RunEvent        { e.Ts = ts; return e }
func (e ScreenshotEvent) withTimestamp(ts string) RunEvent { e.Ts = ts; return e }
func (e GateEvent) withTimestamp(ts string) RunEvent       { e.Ts = ts; return e }
func (e AuthGateEvent) withTimestamp(ts string) RunEvent   { e.Ts = ts; return e }
func (e VNCEvent) withTimestamp(ts string) RunEvent        { e.Ts = ts; return e }
func (e JDEvent) withTimestamp(ts string) RunEvent         { e.Ts = ts; return e }
func (e DoneEvent) withTimestamp(ts string) RunEvent       { e.Ts = ts; return e }

// IsGate reports whether the event parks the run waiting for a human.
func IsGate(e RunEvent) bool {
	t := e.Type()
	return t == EventTypeGate || t == EventTypeAuthGate
}

// Stamp fills in the timestamp if the producer left it empty.
func Stamp(e RunEvent, now time.Time) RunEvent {
	if e.Timestamp() != "" {
		return e
	}
	return e.withTimestamp(now.UTC().Format(time.RFC3339Nano))
}

// wireEvent is the flat JSON shape shared by every variant.
type wireEvent struct {
	Type         string `json:"type"`
	Ts           string `json:"ts,omitempty"`
	Level        string `json:"level,omitempty"`
	Message      string `json:"message,omitempty"`
	URL          string `json:"url,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Text         string `json:"text,omitempty"`
	OK           *bool  `json:"ok,omitempty"`
	ReceiptURL   string `json:"receiptUrl,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Encode renders an event as its tagged JSON wire form.
func Encode(e RunEvent) ([]byte, error) {
	w := wireEvent{Type: string(e.Type()), Ts: e.Timestamp()}
	switch ev := e.(type) {
	case LogEvent:
		w.Level = string(ev.Level)
		w.Message = ev.Message
	case ScreenshotEvent:
		w.URL = ev.URL
	case GateEvent:
		w.Prompt = ev.Prompt
	case AuthGateEvent:
		w.Provider = string(ev.Provider)
		w.URL = ev.URL
		w.Instructions = ev.Instructions
	case VNCEvent:
		w.URL = ev.URL
	case JDEvent:
		w.Text = ev.Text
	case DoneEvent:
		ok := ev.OK
		w.OK = &ok
		w.ReceiptURL = ev.ReceiptURL
		w.Reason = string(ev.Reason)
	default:
		return nil, fmt.Errorf("%w: unsupported event %T", ErrMalformedEvent, e)
	}
	return json.Marshal(w)
}

// Decode parses one tagged JSON event. Unknown tags and missing required
// fields are rejected with ErrMalformedEvent.
func Decode(data []byte) (RunEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch w.Type {
	case string(EventTypeLog):
		level := LogLevel(w.Level)
		switch level {
		case "":
			level = LogLevelInfo
		case LogLevelInfo, LogLevelWarn, LogLevelError:
		default:
			return nil, fmt.Errorf("%w: unknown log level %q", ErrMalformedEvent, w.Level)
		}
		return LogEvent{Ts: w.Ts, Level: level, Message: w.Message}, nil
	case string(EventTypeScreenshot):
		if w.URL == "" {
			return nil, fmt.Errorf("%w: screenshot requires url", ErrMalformedEvent)
		}
		return ScreenshotEvent{Ts: w.Ts, URL: w.URL}, nil
	case string(EventTypeGate):
		return GateEvent{Ts: w.Ts, Prompt: w.Prompt}, nil
	case string(EventTypeAuthGate), eventTypeAuthGateLegacy:
		provider := Provider(w.Provider)
		if provider == "" {
			provider = InferProvider(w.URL)
		}
		return AuthGateEvent{Ts: w.Ts, Provider: provider, URL: w.URL, Instructions: w.Instructions}, nil
	case string(EventTypeVNC):
		if w.URL == "" {
			return nil, fmt.Errorf("%w: vnc requires url", ErrMalformedEvent)
		}
		return VNCEvent{Ts: w.Ts, URL: w.URL}, nil
	case string(EventTypeJD):
		return JDEvent{Ts: w.Ts, Text: w.Text}, nil
	case string(EventTypeDone):
		if w.OK == nil {
			return nil, fmt.Errorf("%w: done requires ok", ErrMalformedEvent)
		}
		return DoneEvent{Ts: w.Ts, OK: *w.OK, ReceiptURL: w.ReceiptURL, Reason: FailureReason(w.Reason)}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, w.Type)
	}
}

// InferProvider guesses the sign-in provider from an ATS URL.
func InferProvider(rawURL string) Provider {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ProviderGeneric
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.Contains(host, "myworkdayjobs.com"), strings.Contains(host, ".wd"):
		return ProviderWorkday
	case strings.Contains(host, "taleo.net"), strings.Contains(host, "oraclecloud"):
		return ProviderTaleo
	case strings.Contains(host, "icims"):
		return ProviderICIMS
	case strings.Contains(host, "lever.co"):
		return ProviderLever
	case strings.Contains(host, "greenhouse.io"):
		return ProviderGreenhouse
	case strings.Contains(host, "ashbyhq.com"):
		return ProviderAshby
	default:
		return ProviderGeneric
	}
}

// Envelope is a RunEvent positioned in its run's log.
type Envelope struct {
	Seq   int64
	RunID string
	Event RunEvent
}
