package models

import "encoding/json"

// FlowType keys flow handlers in the registry.
type FlowType string

const (
	// FlowTypeAll is the fallback handler for any data exchange request.
	FlowTypeAll          FlowType = "*"
	FlowTypeDataExchange FlowType = "data_exchange"
	FlowTypePing         FlowType = "ping"
	FlowTypeError        FlowType = "error"
)

// FlowAction is the decrypted "action" field.
type FlowAction string

const (
	FlowActionPing         FlowAction = "ping"
	FlowActionInit         FlowAction = "INIT"
	FlowActionBack         FlowAction = "BACK"
	FlowActionDataExchange FlowAction = "data_exchange"
	FlowActionNavigate     FlowAction = "navigate"
)

// DefaultFlowVersion is echoed in ping responses when the request has none.
const DefaultFlowVersion = "3.0"

// EncryptedFlowEnvelope is the body posted to the flow endpoint. All three
// fields are mandatory.
type EncryptedFlowEnvelope struct {
	EncryptedAESKey   string `json:"encrypted_aes_key" validate:"required,base64"`
	EncryptedFlowData string `json:"encrypted_flow_data" validate:"required,base64"`
	InitialVector     string `json:"initial_vector" validate:"required,base64"`
}

// FlowRequest is the decrypted flow endpoint request. It must never be
// logged as it carries user-entered data.
type FlowRequest struct {
	Version   string          `json:"version"`
	Action    FlowAction      `json:"action"`
	Screen    string          `json:"screen,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	FlowToken string          `json:"flow_token,omitempty"`
}

// FlowErrorData is the data payload of an error notification request.
type FlowErrorData struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ErrorNotification decodes Data as an error notification. The second
// return value is false when Data carries no "error" key.
func (r *FlowRequest) ErrorNotification() (FlowErrorData, bool) {
	var data FlowErrorData
	if r == nil || len(r.Data) == 0 {
		return data, false
	}
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return data, false
	}
	return data, data.Error != ""
}

// FlowPingResponse answers health checks from the platform.
type FlowPingResponse struct {
	Version string         `json:"version"`
	Data    FlowPingStatus `json:"data"`
}

type FlowPingStatus struct {
	Status string `json:"status"`
}

// FlowScreenResponse is the usual data exchange reply navigating to Screen.
type FlowScreenResponse struct {
	Version string         `json:"version,omitempty"`
	Screen  string         `json:"screen"`
	Data    map[string]any `json:"data"`
}
