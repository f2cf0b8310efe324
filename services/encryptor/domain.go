// Package encryptor provides per-record authenticated encryption for
// accepted readings. Every record gets a fresh data key; the key is only
// stored in wrapped form and can only be unwrapped inside the enclave.
package encryptor

import (
	"encoding/json"
	"time"
)

// AlgorithmAESGCM is the only supported record algorithm.
const AlgorithmAESGCM = "AES-256-GCM"

// Metadata carries everything needed to decrypt a record except the
// unwrapped key.
type Metadata struct {
	SensorID   string `json:"sensor_id"`
	Timestamp  int64  `json:"timestamp"`
	WrappedKey []byte `json:"wrapped_key"`
	Nonce      []byte `json:"nonce"`
	Tag        []byte `json:"tag"`
	Algorithm  string `json:"algorithm"`
}

// EncryptedRecord is the persisted form of an accepted reading.
type EncryptedRecord struct {
	Ciphertext []byte    `json:"ciphertext"`
	Metadata   Metadata  `json:"metadata"`
	CreatedAt  time.Time `json:"created_at"`
}

// Marshal serializes the record. Field order is fixed by the struct, so
// identical records always serialize to identical bytes; the content
// address is a digest of this serialization.
func (r *EncryptedRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// ParseRecord deserializes a stored record.
func ParseRecord(data []byte) (*EncryptedRecord, error) {
	var record EncryptedRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
