package router

import "time"

// MessageType is both the outbound message "type" field and the topic name
// connections subscribe to.
type MessageType string

const (
	TypeTaskUpdate      MessageType = "task_update"
	TypeExecutionUpdate MessageType = "execution_update"
	TypeWorkspaceUpdate MessageType = "workspace_update"
	TypeSystemHealth    MessageType = "system_health"
	TypeAlert           MessageType = "alert"
	TypeNotification    MessageType = "notification"
	TypeDataResponse    MessageType = "data_response"
	TypeError           MessageType = "error"
)

// Topics lists the message types clients may subscribe to.
var Topics = []MessageType{
	TypeTaskUpdate,
	TypeExecutionUpdate,
	TypeWorkspaceUpdate,
	TypeSystemHealth,
	TypeAlert,
	TypeNotification,
}

// IsTopic reports whether name is a subscribable topic.
func IsTopic(name string) bool {
	for _, t := range Topics {
		if string(t) == name {
			return true
		}
	}
	return false
}

// Message is the envelope of every server → client frame. It is built by a
// producer, serialized once and discarded after delivery.
type Message struct {
	Type        MessageType `json:"type"`
	Data        any         `json:"data"`
	Timestamp   time.Time   `json:"timestamp"`
	UserID      string      `json:"userId,omitempty"`
	WorkspaceID string      `json:"workspaceId,omitempty"`
}

// NewMessage stamps a message with the current UTC time.
func NewMessage(t MessageType, data any) Message {
	return Message{Type: t, Data: data, Timestamp: time.Now().UTC()}
}

// NotificationData is the payload of notification messages.
type NotificationData struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorData is the payload of error messages.
type ErrorData struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// DataResponse is the payload answering a get_data request.
type DataResponse struct {
	RequestType string `json:"requestType"`
	Data        any    `json:"data"`
}
