package gateway

import "encoding/json"

// Frame types.
const (
	frameReq   = "req"
	frameRes   = "res"
	frameEvent = "event"
)

// Request methods understood by the bridge.
const (
	methodSessionStart   = "session.start"
	methodPairingRequest = "pairing.request"
	methodMessageSend    = "message.send"
	methodGroupsList     = "groups.list"
)

// Events pushed by the bridge.
const (
	eventConnectionUpdate = "connection.update"
	eventCredsUpdate      = "creds.update"
)

// Bridge error codes that mean the network connection is gone.
const (
	codeNotConnected     = "not_connected"
	codeConnectionClosed = "connection_closed"
)

// wireMessage is a single JSON frame on the socket.
type wireMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type sessionStartParams struct {
	SessionID string `json:"sessionId"`
	Phone     string `json:"phone,omitempty"`
	Creds     []byte `json:"creds,omitempty"`
}

type pairingRequestParams struct {
	Phone string `json:"phone"`
}

type pairingRequestResult struct {
	Code string `json:"code"`
}

type messageSendParams struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type groupsListResult struct {
	Groups []struct {
		ID      string `json:"id"`
		Subject string `json:"subject"`
		Size    int    `json:"size"`
	} `json:"groups"`
}

type connectionUpdate struct {
	Connection string `json:"connection,omitempty"`
	QR         string `json:"qr,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

type credsUpdate struct {
	Creds      []byte `json:"creds"`
	Registered bool   `json:"registered"`
}
