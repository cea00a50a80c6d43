package models

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was handed to the provider.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the provider reported delivery.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records the status of an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an inbound message from a user.
type Response struct {
	ID   string `json:"id,omitempty"` // provider message id, used for dedup
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}
