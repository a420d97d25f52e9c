package realtime

import "encoding/json"

// JSON-RPC-over-WebSocket shapes for the mint's subscription channel
// (NUT-17). The same frames flow over both transport legs: the WS leg
// carries them verbatim, the polling leg synthesizes them so
// downstream code sees one wire shape regardless of origin.

// Subscription kinds the mint understands (NUT-17).
const (
	KindBolt11MintQuote = "bolt11_mint_quote"
	KindBolt11MeltQuote = "bolt11_melt_quote"
	KindProofState      = "proof_state"
)

// Request is an outbound subscribe/unsubscribe frame.
type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  RequestParams `json:"params"`
	ID      int           `json:"id"`
}

// RequestParams carries the subscribe parameters; an unsubscribe frame
// sets only SubID.
type RequestParams struct {
	Kind    string   `json:"kind,omitempty"`
	SubID   string   `json:"subId"`
	Filters []string `json:"filters,omitempty"`
}

// NewSubscribeRequest builds a subscribe frame.
func NewSubscribeRequest(id int, kind, subID string, filters []string) Request {
	return Request{
		JSONRPC: "2.0",
		Method:  "subscribe",
		Params:  RequestParams{Kind: kind, SubID: subID, Filters: filters},
		ID:      id,
	}
}

// NewUnsubscribeRequest builds an unsubscribe frame.
func NewUnsubscribeRequest(id int, subID string) Request {
	return Request{
		JSONRPC: "2.0",
		Method:  "unsubscribe",
		Params:  RequestParams{SubID: subID},
		ID:      id,
	}
}

// Envelope is one inbound frame, covering all three shapes the mint
// sends: a result response, an error response, or a method-bearing
// notification. Exactly one of Result/Error/Params is meaningful;
// IsNotification distinguishes the cases.
type Envelope struct {
	JSONRPC string              `json:"jsonrpc"`
	Method  string              `json:"method,omitempty"`
	Params  *NotificationParams `json:"params,omitempty"`
	Result  *Result             `json:"result,omitempty"`
	Error   *RPCError           `json:"error,omitempty"`
	ID      *int                `json:"id,omitempty"`
}

// IsNotification reports whether the frame is a method-bearing
// notification rather than a response to one of our requests.
func (e *Envelope) IsNotification() bool {
	return e.Method != "" && e.Params != nil
}

// NotificationParams is the body of a notification: the subscription it
// belongs to and the raw payload (a quote or proof-state object).
type NotificationParams struct {
	SubID   string          `json:"subId"`
	Payload json.RawMessage `json:"payload"`
}

// Result is a successful response body.
type Result struct {
	Status string `json:"status"`
	SubID  string `json:"subId"`
}

// RPCError is an error response body.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// payloadIdentity extracts the dedup identifier and state from a
// notification payload: the proof Y-point for proof_state payloads, the
// quote id for quote payloads. Payloads carrying neither fall through
// un-deduped.
func payloadIdentity(payload json.RawMessage) (identifier, state string, ok bool) {
	var body struct {
		Y     string          `json:"Y"`
		Quote string          `json:"quote"`
		State json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", "", false
	}
	switch {
	case body.Y != "":
		identifier = body.Y
	case body.Quote != "":
		identifier = body.Quote
	default:
		return "", "", false
	}
	return identifier, string(body.State), true
}
