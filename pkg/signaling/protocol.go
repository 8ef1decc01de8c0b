package signaling

import (
	"encoding/json"
	"fmt"
)

// Message is a single signaling frame. Exactly one of Request, Response or
// Notification is set.
//
//	{"request":true,"id":"...","method":"...","data":{...}}
//	{"response":true,"id":"...","ok":true,"data":{...}}
//	{"response":true,"id":"...","ok":false,"errorCode":404,"errorReason":"..."}
//	{"notification":true,"method":"...","data":{...}}
type Message struct {
	Request      bool            `json:"request,omitempty"`
	Response     bool            `json:"response,omitempty"`
	Notification bool            `json:"notification,omitempty"`
	ID           string          `json:"id,omitempty"`
	Method       string          `json:"method,omitempty"`
	OK           bool            `json:"ok,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    int             `json:"errorCode,omitempty"`
	ErrorReason  string          `json:"errorReason,omitempty"`
}

// NewRequest builds a request frame
func NewRequest(id, method string, data interface{}) (*Message, error) {
	raw, err := encodeData(data)
	if err != nil {
		return nil, err
	}
	return &Message{Request: true, ID: id, Method: method, Data: raw}, nil
}

// NewSuccessResponse builds an ok response frame
func NewSuccessResponse(id string, data interface{}) (*Message, error) {
	raw, err := encodeData(data)
	if err != nil {
		return nil, err
	}
	return &Message{Response: true, ID: id, OK: true, Data: raw}, nil
}

// NewErrorResponse builds a failed response frame
func NewErrorResponse(id string, code int, reason string) *Message {
	return &Message{Response: true, ID: id, ErrorCode: code, ErrorReason: reason}
}

// NewNotification builds a notification frame
func NewNotification(method string, data interface{}) (*Message, error) {
	raw, err := encodeData(data)
	if err != nil {
		return nil, err
	}
	return &Message{Notification: true, Method: method, Data: raw}, nil
}

// ParseMessage decodes and checks a frame
func ParseMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	kinds := 0
	for _, set := range []bool{msg.Request, msg.Response, msg.Notification} {
		if set {
			kinds++
		}
	}
	if kinds != 1 {
		return nil, fmt.Errorf("invalid message: must be exactly one of request, response or notification")
	}

	switch {
	case msg.Request:
		if msg.ID == "" || msg.Method == "" {
			return nil, fmt.Errorf("invalid request: missing id or method")
		}
	case msg.Response:
		if msg.ID == "" {
			return nil, fmt.Errorf("invalid response: missing id")
		}
	case msg.Notification:
		if msg.Method == "" {
			return nil, fmt.Errorf("invalid notification: missing method")
		}
	}

	return &msg, nil
}

func encodeData(data interface{}) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("data is not valid JSON")
		}
		return v, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode data: %w", err)
	}
	return raw, nil
}
