package model

import (
	"encoding/json"
	"time"
)

// Signaling message types, used as the "type" discriminant in both directions.
const (
	MessageTypeLogin       = "login"
	MessageTypeControl     = "control"
	MessageTypeInput       = "input"
	MessageTypeSignal      = "signal"
	MessageTypeController  = "controller"
	MessageTypeQueueUpdate = "queueUpdate"
)

// Control actions.
const (
	ControlActionRequest = "request"
	ControlActionRelease = "release"
)

// Input types accepted from the controller.
const (
	InputMouseMove = "mouseMove"
	InputMouseDown = "mouseDown"
	InputMouseUp   = "mouseUp"
	InputKeyEvent  = "keyEvent"
)

const LoginRejectTaken = "taken"

type Session struct {
	ID             string    `json:"id"`
	Username       string    `json:"username,omitempty"`
	NeedsFullFrame bool      `json:"needs_full_frame"`
	ConnectedAt    time.Time `json:"connected_at"`
}

func (s Session) Authenticated() bool {
	return s.Username != ""
}

// Envelope is decoded first to find out which variant an inbound message is.
type Envelope struct {
	Type string `json:"type"`
}

type LoginRequest struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type ControlRequest struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

type InputRequest struct {
	Type      string          `json:"type"`
	InputType string          `json:"inputType"`
	Payload   json.RawMessage `json:"payload"`
}

type SignalRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type LoginReply struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// ControllerState is pushed to every session after each control transition.
// Durations are milliseconds.
type ControllerState struct {
	Type          string   `json:"type"`
	Username      *string  `json:"username"`
	QueuePosition int      `json:"queuePosition"`
	QueueLength   int      `json:"queueLength"`
	TimeRemaining int64    `json:"timeRemaining"`
	Queue         []string `json:"queue"`
	TimeLimit     int64    `json:"timeLimit"`
}

type ControlReply struct {
	Type              string `json:"type"`
	Granted           bool   `json:"granted"`
	Queued            bool   `json:"queued,omitempty"`
	QueuePosition     int    `json:"queuePosition,omitempty"`
	EstimatedWaitTime int64  `json:"estimatedWaitTime,omitempty"`
	TimeLimit         int64  `json:"timeLimit,omitempty"`
	Expired           bool   `json:"expired,omitempty"`
}

type QueueUpdate struct {
	Type              string   `json:"type"`
	QueuePosition     int      `json:"queuePosition"`
	QueueLength       int      `json:"queueLength"`
	EstimatedWaitTime int64    `json:"estimatedWaitTime"`
	Queue             []string `json:"queue"`
	TimeLimit         int64    `json:"timeLimit"`
}

type SignalReply struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Message is a raw inbound frame tagged with the session it came from.
type Message struct {
	SRC  string
	Data []byte
}

// Outbound is a message queued for one session. Hangup closes the
// connection right after Payload is written.
type Outbound struct {
	Payload any
	Hangup  bool
}

type Wire struct {
	RX chan Message
	TX chan Outbound
}

const wireTXBuffer = 32

func NewWire() Wire {
	return Wire{
		RX: make(chan Message),
		TX: make(chan Outbound, wireTXBuffer),
	}
}
