package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	secretService    = "vibelink"
	syncTokenAccount = "sync_token"
	saltAccount      = "signature_salt"
	apiTokenAccount  = "api_token"
	generatedBytes   = 32
)

var errSecretNotFound = errors.New("secret not found")

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

// fileSecrets keeps secrets in a 0600 JSON file of service -> account -> value.
type fileSecrets struct {
	path string
	mu   sync.Mutex
}

func newFileSecrets(path string) *fileSecrets {
	return &fileSecrets{path: path}
}

func (f *fileSecrets) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]map[string]string), nil
		}
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	return secrets, nil
}

func (f *fileSecrets) Get(service, account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", service, account, errSecretNotFound)
	}
	return val, nil
}

func (f *fileSecrets) Set(service, account, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	secrets, err := f.read()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// SignatureSalt returns the node's signature salt, generating and persisting
// a random one on first use. Changing it changes every signature this node
// presents to peers.
func SignatureSalt() ([]byte, error) {
	return signatureSaltFrom(newFileSecrets(secretsFilePath()))
}

func signatureSaltFrom(sec secretStore) ([]byte, error) {
	v, err := generatedSecret(sec, saltAccount)
	if err != nil {
		return nil, fmt.Errorf("signature salt: %w", err)
	}
	salt, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decoding signature salt: %w", err)
	}
	return salt, nil
}

// APIToken returns the bearer token guarding the local node API, generating
// one on first use.
func APIToken() (string, error) {
	v, err := generatedSecret(newFileSecrets(secretsFilePath()), apiTokenAccount)
	if err != nil {
		return "", fmt.Errorf("api token: %w", err)
	}
	return v, nil
}

// generatedSecret reads account, or stores a fresh random hex value under it.
func generatedSecret(sec secretStore, account string) (string, error) {
	v, err := sec.Get(secretService, account)
	if err == nil && v != "" {
		return v, nil
	}
	if err != nil && !errors.Is(err, errSecretNotFound) {
		return "", err
	}

	buf := make([]byte, generatedBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating: %w", err)
	}
	v = hex.EncodeToString(buf)
	if err := sec.Set(secretService, account, v); err != nil {
		return "", fmt.Errorf("storing: %w", err)
	}
	return v, nil
}

// SetSyncToken stores the bearer token used to upload to the sync sink.
func SetSyncToken(token string) error {
	return newFileSecrets(secretsFilePath()).Set(secretService, syncTokenAccount, token)
}
