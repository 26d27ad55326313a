package transport

import "encoding/json"

// Inbound frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FrameGetData     = "get_data"
)

// inboundFrame is the envelope of every client → server message.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type subscriptionData struct {
	Subscriptions []string `json:"subscriptions"`
}

type getDataRequest struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// welcomeData is the payload of the notification sent on open.
type welcomeData struct {
	ConnectionID  string   `json:"connectionId"`
	UserID        string   `json:"userId"`
	WorkspaceID   string   `json:"workspaceId,omitempty"`
	Subscriptions []string `json:"subscriptions"`
}
