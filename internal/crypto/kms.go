// Package crypto seals the poll client's Google access token before it is
// written to the state store.
package crypto

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Sealer encrypts and decrypts short secrets for storage.
type Sealer interface {
	Seal(ctx context.Context, plaintext string) (string, error)
	Open(ctx context.Context, sealed string) (string, error)
}

// KMSClient is the subset of *kms.Client methods used by KMSSealer.
type KMSClient interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// DefaultKeyID is used when KMS_KEY_ID is not set.
const DefaultKeyID = "alias/gdrive-notifier-token-key"

// purpose is bound into every ciphertext so a sealed token cannot be
// decrypted under another context.
const purpose = "drive-access-token"

// KMSSealer implements Sealer using AWS KMS.
type KMSSealer struct {
	client KMSClient
	keyID  string
}

// NewKMSSealer creates a KMSSealer.
// keyID can be a key ID, key ARN, or alias name.
func NewKMSSealer(client KMSClient, keyID string) *KMSSealer {
	if keyID == "" {
		keyID = DefaultKeyID
	}
	return &KMSSealer{client: client, keyID: keyID}
}

// Seal returns base64 encoded ciphertext.
func (s *KMSSealer) Seal(ctx context.Context, plaintext string) (string, error) {
	result, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(s.keyID),
		Plaintext:         []byte(plaintext),
		EncryptionContext: map[string]string{"purpose": purpose},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encrypt token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(result.CiphertextBlob), nil
}

func (s *KMSSealer) Open(ctx context.Context, sealed string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed token: %w", err)
	}

	result, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    decoded,
		KeyId:             aws.String(s.keyID),
		EncryptionContext: map[string]string{"purpose": purpose},
	})
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}
	return string(result.Plaintext), nil
}
