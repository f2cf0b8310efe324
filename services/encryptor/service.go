package encryptor

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
	"github.com/AeroSense-Network/data_pipeline/pkg/logger"
	"github.com/AeroSense-Network/data_pipeline/services/base"
	"github.com/AeroSense-Network/data_pipeline/services/validator"
	"github.com/AeroSense-Network/data_pipeline/tee/enclave"
	"github.com/AeroSense-Network/data_pipeline/tee/keywrap"
)

const (
	ServiceID   = "encryptor"
	ServiceName = "Record Encryptor"
	Version     = "1.0.0"

	// wrapPurpose labels the wrapping key used for record data keys.
	wrapPurpose = "record"

	dataKeySize = 32
	gcmTagSize  = 16
)

// Service encrypts and decrypts reading records.
type Service struct {
	*base.BaseService

	runtime enclave.Runtime
	wrapper *keywrap.Wrapper
}

// New creates an encryptor backed by the given enclave runtime.
func New(runtime enclave.Runtime, log *logger.Logger) *Service {
	svc := &Service{
		BaseService: base.NewBaseService(ServiceID, ServiceName, Version, log),
		runtime:     runtime,
		wrapper:     keywrap.New(runtime),
	}
	svc.AddComponent(svc.wrapper)
	return svc
}

// Encrypt seals one accepted reading into an EncryptedRecord.
// The sensor ID is bound as additional authenticated data, so a ciphertext
// cannot be replayed under another sensor's identity.
func (s *Service) Encrypt(reading validator.Reading) (*EncryptedRecord, error) {
	plaintext, err := json.Marshal(reading)
	if err != nil {
		return nil, errdefs.Crypto("serialize reading").WithCause(err)
	}

	dataKey, err := s.runtime.GenerateRandom(dataKeySize)
	if err != nil {
		return nil, errdefs.Crypto("generate data key").WithCause(err)
	}
	defer enclave.ZeroBytes(dataKey)

	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}

	nonce, err := s.runtime.GenerateRandom(gcm.NonceSize())
	if err != nil {
		return nil, errdefs.Crypto("generate nonce").WithCause(err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, []byte(reading.SensorID))

	wrappedKey, err := s.wrapper.Wrap(dataKey, wrapPurpose)
	if err != nil {
		return nil, fmt.Errorf("wrap data key: %w", err)
	}

	return &EncryptedRecord{
		Ciphertext: sealed[:len(sealed)-gcmTagSize],
		Metadata: Metadata{
			SensorID:   reading.SensorID,
			Timestamp:  reading.Timestamp,
			WrappedKey: wrappedKey,
			Nonce:      nonce,
			Tag:        sealed[len(sealed)-gcmTagSize:],
			Algorithm:  AlgorithmAESGCM,
		},
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Decrypt recovers the reading from a record. Any failure here is fatal
// for the record: a bad tag, a tampered ciphertext, or a wrapped key this
// enclave cannot unwrap will never succeed on retry.
func (s *Service) Decrypt(record *EncryptedRecord) (validator.Reading, error) {
	var reading validator.Reading

	if record.Metadata.Algorithm != AlgorithmAESGCM {
		return reading, errdefs.Newf(errdefs.CodeCrypto, "unsupported algorithm: %s", record.Metadata.Algorithm)
	}

	dataKey, err := s.wrapper.Unwrap(record.Metadata.WrappedKey)
	if err != nil {
		return reading, fmt.Errorf("unwrap data key: %w", err)
	}
	defer enclave.ZeroBytes(dataKey)

	gcm, err := newGCM(dataKey)
	if err != nil {
		return reading, err
	}
	// GCM panics on a wrong-length nonce, so length-check before Open.
	if len(record.Metadata.Nonce) != gcm.NonceSize() {
		return reading, errdefs.Newf(errdefs.CodeCrypto, "bad nonce length: %d", len(record.Metadata.Nonce))
	}

	sealed := append(append([]byte(nil), record.Ciphertext...), record.Metadata.Tag...)
	plaintext, err := gcm.Open(nil, record.Metadata.Nonce, sealed, []byte(record.Metadata.SensorID))
	if err != nil {
		return reading, errdefs.Crypto("record decryption failed").WithCause(err)
	}

	if err := json.Unmarshal(plaintext, &reading); err != nil {
		return reading, errdefs.Crypto("corrupt reading payload").WithCause(err)
	}
	return reading, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errdefs.Crypto("create cipher").WithCause(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errdefs.Crypto("create gcm").WithCause(err)
	}
	return gcm, nil
}
