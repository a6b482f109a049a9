// Package signer implements the isolated signer protocol (spec component
// C5). Key material lives only inside the signer process; the agent
// process that calls into this package (via Client) never loads or
// derives it — it is a dumb forwarder of request/approval-token pairs,
// per spec.md §4.5.
package signer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// RequestKind identifies the shape of a Request.
type RequestKind string

const (
	KindHealthCheck     RequestKind = "health_check"
	KindGetAddress      RequestKind = "get_address"
	KindSignTransaction RequestKind = "sign_transaction"
	KindSignMessage     RequestKind = "sign_message"
)

// Request is one newline-delimited JSON message sent to the signer.
type Request struct {
	Type             RequestKind `json:"type"`
	TransactionHash  string      `json:"transactionHash,omitempty"`
	SerializedTx     string      `json:"serializedTx,omitempty"`
	Message          string      `json:"message,omitempty"`
	ApprovalToken    string      `json:"approvalToken,omitempty"`
}

// Response mirrors Request's shape: exactly one of Data or Error is set.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// AddressData is the Data payload of a successful get_address response.
type AddressData struct {
	Address string `json:"address"`
}

// SignatureData is the Data payload of a successful sign_transaction or
// sign_message response.
type SignatureData struct {
	Signature string `json:"signature"`
}

// HealthData is the Data payload of a successful health_check response.
type HealthData struct {
	Status string `json:"status"`
}

// writeMessage marshals v and writes it followed by a single newline —
// the wire framing spec.md §4.5/§6 specifies.
func writeMessage(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("signer: marshal message: %w", err)
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

// readMessage reads one newline-delimited JSON message into v.
func readMessage(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return err
	}
	return json.Unmarshal(line, v)
}

// okResponse builds a success Response carrying the given data payload.
func okResponse(data any) Response {
	b, _ := json.Marshal(data)
	return Response{Success: true, Data: b}
}

// errResponse builds a failure Response. The signer never retries; it
// surfaces the error and closes the connection.
func errResponse(err error) Response {
	return Response{Success: false, Error: err.Error()}
}
