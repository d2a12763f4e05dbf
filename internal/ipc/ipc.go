// Package ipc implements the supervisor/worker control channel: tagged JSON
// envelopes framed with a 4-byte big-endian length prefix over a pipe pair.
//
// The supervisor keeps the parent ends; the worker inherits its endpoint as
// file descriptors 3 (read) and 4 (write) via exec ExtraFiles.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// File descriptor slots the worker inherits.
const (
	WorkerReadFD  = 3
	WorkerWriteFD = 4
)

// MaxFrameSize bounds a single envelope; anything larger indicates a
// corrupted stream.
const MaxFrameSize = 1 << 20

// Type tags an envelope variant.
type Type string

const (
	// Worker to supervisor.
	TypeReady          Type = "READY"
	TypeHealthResponse Type = "HEALTH_RESPONSE"
	TypeStatusUpdate   Type = "STATUS_UPDATE"
	TypeLogMessage     Type = "LOG_MESSAGE"
	TypeBotInfo        Type = "BOT_INFO"
	TypeError          Type = "ERROR"

	// Supervisor to worker.
	TypeShutdown    Type = "SHUTDOWN"
	TypeHealthCheck Type = "HEALTH_CHECK"
)

// Envelope is the unit exchanged between supervisor and worker.
type Envelope struct {
	Type      Type            `json:"type"`
	BotID     string          `json:"botId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// HealthPayload is carried by HEALTH_RESPONSE.
type HealthPayload struct {
	UptimeSeconds float64 `json:"uptimeSeconds"`
	MemBytes      uint64  `json:"memBytes"`
}

// BotInfoPayload is carried by BOT_INFO after the worker resolves getMe.
type BotInfoPayload struct {
	FullName string `json:"fullName"`
	Username string `json:"username"`
}

// LogPayload is carried by LOG_MESSAGE and ERROR.
type LogPayload struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// StatusPayload is carried by STATUS_UPDATE.
type StatusPayload struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// NewEnvelope builds an envelope with the payload marshalled in place.
// A nil payload produces an envelope without one.
func NewEnvelope(typ Type, botID string, payload any) (Envelope, error) {
	env := Envelope{Type: typ, BotID: botID, Timestamp: time.Now()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal ipc payload: %w", err)
		}
		env.Payload = raw
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into out.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("ipc envelope %s has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, out)
}

// Conn is one endpoint of the control channel. Sends are serialised; a
// single reader is assumed.
type Conn struct {
	r io.ReadCloser
	w io.WriteCloser

	writeMu sync.Mutex
}

// NewConn wraps a read/write pipe pair.
func NewConn(r io.ReadCloser, w io.WriteCloser) *Conn {
	return &Conn{r: r, w: w}
}

// WorkerConn opens the endpoint a worker inherits from its supervisor.
func WorkerConn() *Conn {
	return NewConn(
		os.NewFile(uintptr(WorkerReadFD), "ipc-read"),
		os.NewFile(uintptr(WorkerWriteFD), "ipc-write"),
	)
}

// Send frames and writes one envelope.
func (c *Conn) Send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal ipc envelope: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("ipc envelope exceeds frame limit: %d bytes", len(data))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := c.w.Write(header[:]); err != nil {
		return fmt.Errorf("write ipc frame header: %w", err)
	}
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write ipc frame body: %w", err)
	}
	return nil
}

// Receive blocks until a full envelope arrives. Returns io.EOF when the
// peer closed its end.
func (c *Conn) Receive() (Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return Envelope{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > MaxFrameSize {
		return Envelope{}, fmt.Errorf("ipc frame size %d out of range", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return Envelope{}, fmt.Errorf("read ipc frame body: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode ipc envelope: %w", err)
	}
	return env, nil
}

// Close closes both pipe ends.
func (c *Conn) Close() error {
	rErr := c.r.Close()
	wErr := c.w.Close()
	if rErr != nil {
		return rErr
	}
	return wErr
}
