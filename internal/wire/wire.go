// Package wire implements the MAGIC control-protocol codec: a
// connection-oriented, length-prefixed message framing in the spirit of
// the Diameter AVP discipline ARINC 839 borrows (see dict_magic_839 in the
// original source), carrying one JSON-encoded AVP set per message rather
// than a byte-for-byte Diameter stack. The CAR answer's granted bandwidth
// is carried in bits per second, converted from the gateway's internal
// kbps bookkeeping at the handler boundary (internal/protocol), never
// here; the communication-request group and the CCR answer carry kbps
// unconverted, as their field names say.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Command identifies the message type carried by an Envelope, mirroring
// the Diameter command codes ARINC 839 assigns to MAGIC (MCAR/MCCA/...).
type Command string

const (
	CmdClientAuthentication    Command = "MCAR" // request
	CmdClientAuthenticationAck Command = "MCAA" // answer
	CmdCommunicationChange     Command = "MCCR"
	CmdCommunicationChangeAck  Command = "MCCA"
	CmdSessionTermination      Command = "STR"
	CmdSessionTerminationAck   Command = "STA"
	CmdNotificationReport      Command = "NTR"
	CmdNotificationAck         Command = "NTA"
	CmdStatusChangeReport      Command = "SCR"
	CmdStatusChangeAck         Command = "SCA"
	CmdStatusRequest           Command = "SXR"
	CmdStatusAnswer            Command = "SXA"
	CmdAccountingData          Command = "ADR"
	CmdAccountingDataAck       Command = "ADA"
	CmdAccountingControl       Command = "ACR"
	CmdAccountingControlAck    Command = "ACA"
	// Server-initiated pushes rather than answers to a client request use
	// CmdNotificationReport (NTR) and the dedicated CmdStatusBroadcast.
	CmdStatusBroadcast Command = "MSCR"
)

// ResultCode is the protocol-level result carried on every answer (§6).
type ResultCode uint32

const (
	ResultSuccess           ResultCode = 2001
	ResultTooBusy           ResultCode = 3004
	ResultAuthRejected      ResultCode = 4001
	ResultUnknownSession    ResultCode = 5002
	ResultAuthRejectedSem   ResultCode = 5003
	ResultInvalidValue      ResultCode = 5004
	ResultMissingMandatory  ResultCode = 5005
	ResultUnableToComply    ResultCode = 5012
)

// StatusCode is the detailed MAGIC-status-code (§7 taxonomy).
type StatusCode uint32

const (
	StatusMissingField       StatusCode = 1000
	StatusInvalidValue       StatusCode = 3001
	StatusAuthFailed         StatusCode = 1001
	StatusPhaseNotAllowed    StatusCode = 1007
	StatusAltitudeDenied     StatusCode = 1008
	StatusAirportDenied      StatusCode = 1009
	StatusLocationDenied     StatusCode = 1020
	StatusCoverageDenied     StatusCode = 1021
	StatusSecurityDenied     StatusCode = 1022
	StatusNoBandwidth        StatusCode = 1010
	StatusQueueFull          StatusCode = 1011
	StatusPreempted          StatusCode = 1016
	StatusSessionTimeout     StatusCode = 1024
	StatusShutdown           StatusCode = 1025
	StatusInvalidState       StatusCode = 2001
	StatusLinkError          StatusCode = 2007
	StatusForcedReroute      StatusCode = 2008
	StatusHandover           StatusCode = 2010
	StatusIPMismatch         StatusCode = 1017
	StatusTFTInvalid         StatusCode = 1036
	StatusUnknownSession     StatusCode = 5001
	StatusNotProcessed       StatusCode = 5002
	StatusCDRControlDenied   StatusCode = 5003
	StatusUnknown            StatusCode = 3000
	StatusUnableToComply     StatusCode = 5012
)

// Envelope is the common frame for every message on the control socket.
type Envelope struct {
	Command      Command         `json:"command"`
	HopByHopID   uint32          `json:"hop_by_hop_id"`
	SessionID    string          `json:"session_id,omitempty"`
	OriginHost   string          `json:"origin_host,omitempty"`
	OriginRealm  string          `json:"origin_realm,omitempty"`
	Result       ResultCode      `json:"result,omitempty"`
	Status       StatusCode      `json:"status,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
}

// EncodeBody marshals v into the envelope's Body field.
func (e *Envelope) EncodeBody(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	e.Body = raw
	return nil
}

// DecodeBody unmarshals the envelope's Body field into v.
func (e *Envelope) DecodeBody(v any) error {
	if len(e.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

const maxFrameSize = 4 << 20 // 4 MiB, generous for a status broadcast

// Writer frames and writes Envelopes onto an io.Writer. Not safe for
// concurrent use from multiple goroutines without external locking:
// internal/server keeps one Writer per connection and serializes every
// write to it, answers and pushes alike, under a mutex.
type Writer struct {
	w *bufio.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteEnvelope frames env as a 4-byte big-endian length prefix followed
// by its JSON encoding, and flushes immediately.
func (w *Writer) WriteEnvelope(env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("envelope too large: %d bytes", len(payload))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.w.Write(payload); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return w.w.Flush()
}

// Reader reads framed Envelopes off an io.Reader. Reads from a single
// connection happen on one goroutine (the per-connection worker), so no
// locking is required here either.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadEnvelope reads and decodes the next framed Envelope, blocking until
// a full frame is available or the underlying reader errors/EOFs.
func (r *Reader) ReadEnvelope() (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}
