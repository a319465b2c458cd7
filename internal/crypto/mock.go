package crypto

import (
	"context"
	"strings"
)

const mockPrefix = "mock:"

// MockSealer implements Sealer for local runs without KMS. Values are only
// tagged, not encrypted.
type MockSealer struct{}

func NewMockSealer() *MockSealer {
	return &MockSealer{}
}

func (m *MockSealer) Seal(_ context.Context, plaintext string) (string, error) {
	return mockPrefix + plaintext, nil
}

// Open strips the tag; untagged input is returned as is so state written
// before sealing was enabled stays readable.
func (m *MockSealer) Open(_ context.Context, sealed string) (string, error) {
	return strings.TrimPrefix(sealed, mockPrefix), nil
}
