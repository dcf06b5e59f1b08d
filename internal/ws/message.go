package ws

import "encoding/json"

type FrameType string

const (
	FrameEvent FrameType = "event"
	FrameError FrameType = "error"
)

// IncomingFrame — то, что клиент шлёт в relay. Пустой To — всем остальным клиентам.
type IncomingFrame struct {
	To       string          `json:"to,omitempty"`
	Envelope json.RawMessage `json:"envelope"`
}

// OutgoingFrame: то, что relay шлёт клиенту. Конверт пересылается как есть.
type OutgoingFrame struct {
	Type     FrameType       `json:"type"`
	From     string          `json:"from,omitempty"`
	Envelope json.RawMessage `json:"envelope,omitempty"`
	Error    string          `json:"error,omitempty"`
}
