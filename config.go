package mcpbridge

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// redactedPlaceholder replaces API keys in persisted session records. Keys
// are never stored in plaintext.
const redactedPlaceholder = "[REDACTED]"

// ModelConfig is a snapshot of the AI model endpoint driving a session.
type ModelConfig struct {
	Model       string  `json:"model" yaml:"model"`
	BaseURL     string  `json:"baseURL" yaml:"baseURL"`
	APIKey      string  `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// Redacted returns a copy safe for persistence, with the API key masked.
func (c ModelConfig) Redacted() ModelConfig {
	if c.APIKey != "" {
		c.APIKey = redactedPlaceholder
	}
	return c
}

// ModelConfigProvider supplies the default AI-assistant configuration for new
// sessions. Providers may return (nil, nil) when no default is configured; a
// session without an assistant configuration still serves raw tool calling.
type ModelConfigProvider interface {
	DefaultConfig(ctx context.Context) (*ModelConfig, error)
}

// FileModelConfigProvider reads the default model configuration from a YAML
// file. The API key may be stored encrypted (AES-256-GCM, base64) under
// apiKeyEncrypted, in which case the provider decrypts it with its secret.
type FileModelConfigProvider struct {
	path   string
	secret []byte
}

type fileModelConfig struct {
	ModelConfig     `yaml:",inline"`
	APIKeyEncrypted string `yaml:"apiKeyEncrypted,omitempty"`
}

// NewFileModelConfigProvider creates a provider reading from path. The secret
// is only required when the file carries an encrypted API key.
func NewFileModelConfigProvider(path string, secret []byte) *FileModelConfigProvider {
	return &FileModelConfigProvider{path: path, secret: secret}
}

// DefaultConfig loads and, when necessary, decrypts the configured model
// endpoint.
func (p *FileModelConfigProvider) DefaultConfig(_ context.Context) (*ModelConfig, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}

	var cfg fileModelConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}

	if cfg.APIKeyEncrypted != "" {
		key, err := DecryptAPIKey(p.secret, cfg.APIKeyEncrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt api key: %w", err)
		}
		cfg.APIKey = key
	}

	return &cfg.ModelConfig, nil
}

// EncryptAPIKey seals a plaintext API key with AES-256-GCM and returns a
// base64 envelope of nonce followed by ciphertext.
func EncryptAPIKey(secret []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptAPIKey opens a base64 envelope produced by EncryptAPIKey.
func DecryptAPIKey(secret []byte, ciphertext string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(secret)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create gcm: %w", err)
	}

	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, rest := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, rest, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
