package models

import (
	"encoding/json"
	"time"
)

// Device message types. Machines speak newline-delimited JSON envelopes over
// their transport connection; the same payloads are buffered for the HTTP
// polling fallback.
const (
	MsgRegister     = "register"      // inbound: {type, machine_id, credential}
	MsgStatus       = "status"        // inbound: {type, value}
	MsgFetchDisplay = "fetch_display" // inbound: {type}

	MsgRegistered  = "registered"   // outbound ack for register
	MsgDisplayCode = "display_code" // outbound: {type, value}
	MsgLock        = "lock"         // outbound: {type, expires_at}
	MsgUnlock      = "unlock"       // outbound: {type}
	MsgStockUpdate = "stock_update" // outbound: {type, stock}
	MsgCommand     = "command"      // outbound: {type, action, duration, tx_id}
	MsgPing        = "ping"         // outbound keep-alive
	MsgError       = "error"        // outbound: {type, value}
)

// DeviceMessage is the union of every envelope exchanged with a machine.
// Unused fields stay empty and are omitted on the wire.
type DeviceMessage struct {
	Type       string `json:"type"`
	MachineID  string `json:"machine_id,omitempty"`
	Credential string `json:"credential,omitempty"`
	Value      string `json:"value,omitempty"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	Stock      *int   `json:"stock,omitempty"`
	Action     string `json:"action,omitempty"`
	Duration   int    `json:"duration,omitempty"`
	TxID       string `json:"tx_id,omitempty"`
}

// Marshal returns the JSON encoding of a message, panicking never: the
// struct has no unmarshalable fields.
func (m DeviceMessage) Marshal() json.RawMessage {
	b, _ := json.Marshal(m)
	return b
}

// LockMessage builds the outbound lock notification.
func LockMessage(expiresAt time.Time) DeviceMessage {
	return DeviceMessage{Type: MsgLock, ExpiresAt: expiresAt.UTC().Format(time.RFC3339)}
}

// UnlockMessage builds the outbound unlock notification.
func UnlockMessage() DeviceMessage {
	return DeviceMessage{Type: MsgUnlock}
}

// DisplayCodeMessage builds the outbound display-code rotation notification.
func DisplayCodeMessage(code string) DeviceMessage {
	return DeviceMessage{Type: MsgDisplayCode, Value: code}
}

// StockUpdateMessage builds the outbound stock notification.
func StockUpdateMessage(stock int) DeviceMessage {
	return DeviceMessage{Type: MsgStockUpdate, Stock: &stock}
}

// DispenseCommand builds the outbound dispense command. Duration carries the
// quantity; the firmware maps it to motor run time.
func DispenseCommand(quantity int, txID string) DeviceMessage {
	return DeviceMessage{Type: MsgCommand, Action: "dispense", Duration: quantity, TxID: txID}
}
