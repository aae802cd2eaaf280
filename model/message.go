package model

import "time"

// Disposition classifies how a MIME part was declared.
type Disposition string

const (
	DispositionNone       Disposition = ""
	DispositionInline     Disposition = "inline"
	DispositionAttachment Disposition = "attachment"
)

// UnknownCustomer is used when no delivery address could be parsed.
const UnknownCustomer = "Unknown"

// Message represents a single fetched email. It is not modified after decoding.
type Message struct {
	ID         string
	ReceivedAt time.Time
	From       string
	Subject    string
	TextBody   string
	HTMLBody   string
	Parts      []Part
	Size       int64
}

// Part is one leaf of the MIME tree, in message order.
type Part struct {
	ContentType string
	Disposition Disposition
	ContentID   string
	Filename    string
	Data        []byte
}

// Order is derived once per message and discarded when the message is done.
type Order struct {
	OrderID  string
	Customer string
	Folder   string
}

// Envelope wraps a message alongside an optional error encountered while decoding.
type Envelope struct {
	Message Message
	Err     error
}
