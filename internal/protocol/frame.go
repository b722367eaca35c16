package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Frames are whole JSON text messages on the control channel. Every frame
// carries a type discriminator; request/response frames correlate on
// RequestID, tcp_* frames on ConnectionID.
type FrameType string

const (
	TypeRegister   FrameType = "register"
	TypeRegistered FrameType = "registered"
	TypeRequest    FrameType = "request"
	TypeResponse   FrameType = "response"
	TypeTCPConnect FrameType = "tcp_connect"
	TypeTCPData    FrameType = "tcp_data"
	TypeTCPClose   FrameType = "tcp_close"
	TypeTCPError   FrameType = "tcp_error"
	TypePing       FrameType = "ping"
	TypePong       FrameType = "pong"
	TypeError      FrameType = "error"
)

// Error codes carried in error and tcp_error frames, and surfaced on the
// public side in ingress responses.
const (
	CodeSubdomainTaken      = "SUBDOMAIN_TAKEN"
	CodeSubdomainReserved   = "SUBDOMAIN_RESERVED"
	CodeSubdomainInvalid    = "SUBDOMAIN_INVALID"
	CodeAuthRejected        = "AUTH_REJECTED"
	CodeRegistrationTimeout = "REGISTRATION_TIMEOUT"
	CodeTunnelNotFound      = "TUNNEL_NOT_FOUND"
	CodeTunnelDisconnected  = "TUNNEL_DISCONNECTED"
	CodeIPBlocked           = "IP_BLOCKED"
	CodeNoPortsAvailable    = "NO_PORTS_AVAILABLE"
	CodeDialFailed          = "DIAL_FAILED"
)

type Frame struct {
	Type         FrameType       `json:"type"`
	RequestID    string          `json:"requestId,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Tunnel protocols.
const (
	ProtoHTTP = "http"
	ProtoTCP  = "tcp"
)

type RegisterPayload struct {
	Subdomain string `json:"subdomain,omitempty"`
	LocalPort int    `json:"localPort"`
	LocalHost string `json:"localHost,omitempty"`
	Password  string `json:"password,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
}

type RegisteredPayload struct {
	TunnelID  string `json:"tunnelId"`
	Subdomain string `json:"subdomain"`
	PublicURL string `json:"publicUrl"`
	Protocol  string `json:"protocol"`
	TCPPort   int    `json:"tcpPort,omitempty"`
}

type RequestPayload struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    string              `json:"body,omitempty"`
	// BodyBase64 marks a body that was not valid UTF-8 and is carried base64
	// encoded instead of raw.
	BodyBase64 bool `json:"bodyBase64,omitempty"`
}

type ResponsePayload struct {
	StatusCode int                 `json:"statusCode"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body,omitempty"`
	BodyBase64 bool                `json:"bodyBase64,omitempty"`
}

type TCPConnectPayload struct {
	RemoteAddress string `json:"remoteAddress"`
	RemotePort    int    `json:"remotePort"`
	LocalPort     int    `json:"localPort"`
}

type TCPDataPayload struct {
	// Data is always base64-encoded bytes.
	Data string `json:"data"`
}

type TCPErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New builds a frame with the given payload marshaled in place. A nil payload
// produces a payload-less frame (ping/pong/tcp_close).
func New(t FrameType, payload any) (Frame, error) {
	f := Frame{Type: t}
	if payload == nil {
		return f, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: marshal %s payload: %w", t, err)
	}
	f.Payload = b
	return f, nil
}

func (f Frame) WithRequestID(id string) Frame {
	f.RequestID = id
	return f
}

func (f Frame) WithConnectionID(id string) Frame {
	f.ConnectionID = id
	return f
}

// DecodePayload unmarshals the frame payload into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("protocol: %s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", f.Type, err)
	}
	return nil
}

func Marshal(f Frame) ([]byte, error) {
	if f.Type == "" {
		return nil, fmt.Errorf("protocol: frame type is required")
	}
	return json.Marshal(f)
}

func Unmarshal(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("protocol: frame missing type")
	}
	return f, nil
}

// EncodeBody prepares an HTTP body for the wire: raw when valid UTF-8,
// base64 otherwise.
func EncodeBody(body []byte) (s string, b64 bool) {
	if len(body) == 0 {
		return "", false
	}
	if utf8.Valid(body) {
		return string(body), false
	}
	return base64.StdEncoding.EncodeToString(body), true
}

// DecodeBody reverses EncodeBody.
func DecodeBody(s string, b64 bool) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if !b64 {
		return []byte(s), nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode body: %w", err)
	}
	return b, nil
}

// EncodeData encodes a tcp_data chunk.
func EncodeData(b []byte) TCPDataPayload {
	return TCPDataPayload{Data: base64.StdEncoding.EncodeToString(b)}
}

// DecodeData decodes a tcp_data chunk. Zero-length chunks round-trip to nil.
func (p TCPDataPayload) DecodeData() ([]byte, error) {
	if p.Data == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode tcp data: %w", err)
	}
	return b, nil
}
