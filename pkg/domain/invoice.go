package domain

import (
	"time"
)

// Invoice binds a price quote to a single permitted upload. It is created
// unpaid at quote time and consumed exactly once when a valid payment is
// presented alongside the file bytes.
type Invoice struct {
	ReferenceNumber   string    `json:"referenceNumber"`
	FileID            string    `json:"fileId"`
	Amount            int64     `json:"amount"`
	StoragePath       string    `json:"storagePath"`
	RetentionMinutes  int64     `json:"retentionMinutes"`
	PaymentTxID       string    `json:"paymentTxId,omitempty"`
	AdvertisementTxID string    `json:"advertisementTxId,omitempty"`
	Paid              bool      `json:"paid"`
	CreatedAt         time.Time `json:"createdAt"`
}

// FileRecord holds the authoritative declared size for an upload slot.
// The byte count actually received must equal FileSize before any
// advertisement is built.
type FileRecord struct {
	FileID           string `json:"fileId"`
	ObjectIdentifier string `json:"objectIdentifier"`
	FileSize         int64  `json:"fileSize"`
}

// Advertisement is a published, time-bounded claim that content is
// retrievable at a URL until ExpiryTime. It is never mutated; renewals
// supersede it with a fresh broadcast.
type Advertisement struct {
	UHRPURL       string    `json:"uhrpUrl"`
	PublicURL     string    `json:"publicUrl"`
	ExpiryTime    time.Time `json:"expiryTime"`
	ContentLength int64     `json:"contentLength"`
	Address       string    `json:"address"`
	TxID          string    `json:"txid"`
}

// Quote is what the authorizer hands back to the client: a write slot plus
// the price to pay for it. The public URL only becomes valid once the upload
// completes and the advertisement is broadcast.
type Quote struct {
	ReferenceNumber string `json:"referenceNumber"`
	UploadURL       string `json:"uploadURL"`
	PublicURL       string `json:"publicURL"`
	Amount          int64  `json:"amount"`
}

// UploadResult is returned by the payment gate after a successful direct
// upload.
type UploadResult struct {
	PublicURL string `json:"publicURL"`
	Hash      string `json:"hash"`
	TxID      string `json:"-"`
}
