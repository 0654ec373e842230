// Copyright 2026 The OpenAuth Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package oidc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/meywd/openauth-sub002/internal/crypto"
	"github.com/meywd/openauth-sub002/internal/observability/logger"
	"github.com/meywd/openauth-sub002/internal/storage"
)

// Supported signing algorithms
const (
	AlgRS256 = "RS256"
	AlgES256 = "ES256"
)

// ErrNoKeys is returned when the keyring holds no signing key
var ErrNoKeys = errors.New("no signing keys available")

// keyRecord is the persisted form of a signing key. The private key PEM is
// AEAD-encrypted; only ciphertext and IV touch storage.
type keyRecord struct {
	Kid        string    `json:"kid"`
	Algorithm  string    `json:"alg"`
	PrivatePEM string    `json:"private_pem"`
	IV         string    `json:"iv"`
	CreatedAt  time.Time `json:"created_at"`
}

// signingKey is a decrypted in-memory key pair
type signingKey struct {
	kid       string
	algorithm string
	private   any
	public    any
	createdAt time.Time
}

func keyStorage(kid string) storage.Key { return storage.Key{"oidc_key", kid} }

// Keyring manages the token signing keys. The newest key signs; every key
// verifies, so rotation never invalidates outstanding tokens. Keys persist
// in global storage with their private halves encrypted at rest.
type Keyring struct {
	store storage.Adapter
	aead  *crypto.AEAD
	alg   string
	now   func() time.Time

	mu   sync.RWMutex
	keys []*signingKey // newest first
}

// NewKeyring loads persisted keys and generates a fresh one when the store
// is empty or the newest key does not match the configured algorithm.
func NewKeyring(ctx context.Context, store storage.Adapter, aead *crypto.AEAD, alg string) (*Keyring, error) {
	switch alg {
	case AlgRS256, AlgES256:
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}

	k := &Keyring{store: store, aead: aead, alg: alg, now: time.Now}
	if err := k.load(ctx); err != nil {
		return nil, err
	}

	k.mu.RLock()
	needsKey := len(k.keys) == 0 || k.keys[0].algorithm != alg
	k.mu.RUnlock()
	if needsKey {
		kid, err := k.Rotate(ctx)
		if err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "generated token signing key",
			logger.KeyID(kid), logger.String("alg", alg))
	}
	return k, nil
}

func (k *Keyring) load(ctx context.Context) error {
	var keys []*signingKey
	err := k.store.Scan(ctx, storage.Key{"oidc_key"}, func(key storage.Key, value []byte) error {
		var rec keyRecord
		if err := storage.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("malformed signing key record %s: %w", key.Encode(), err)
		}
		pemBytes, err := k.aead.Decrypt(rec.PrivatePEM, rec.IV)
		if err != nil {
			return fmt.Errorf("failed to decrypt signing key %s: %w", rec.Kid, err)
		}
		private, err := decodePrivateKey(pemBytes)
		if err != nil {
			return fmt.Errorf("failed to decode signing key %s: %w", rec.Kid, err)
		}
		public, err := publicOf(private)
		if err != nil {
			return err
		}
		keys = append(keys, &signingKey{
			kid:       rec.Kid,
			algorithm: rec.Algorithm,
			private:   private,
			public:    public,
			createdAt: rec.CreatedAt,
		})
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].createdAt.After(keys[j].createdAt) })
	k.mu.Lock()
	k.keys = keys
	k.mu.Unlock()
	return nil
}

// Rotate generates a key for the configured algorithm and makes it the
// signer. Prior keys stay in the ring so outstanding tokens keep verifying.
func (k *Keyring) Rotate(ctx context.Context) (string, error) {
	sk, err := generateKey(k.alg, k.now().UTC())
	if err != nil {
		return "", err
	}

	pemBytes, err := encodePrivateKey(sk.private)
	if err != nil {
		return "", err
	}
	ciphertext, iv, err := k.aead.Encrypt(pemBytes)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt signing key: %w", err)
	}

	rec := keyRecord{
		Kid:        sk.kid,
		Algorithm:  sk.algorithm,
		PrivatePEM: ciphertext,
		IV:         iv,
		CreatedAt:  sk.createdAt,
	}
	if err := storage.SetJSON(ctx, k.store, keyStorage(sk.kid), rec, 0); err != nil {
		return "", err
	}

	k.mu.Lock()
	k.keys = append([]*signingKey{sk}, k.keys...)
	k.mu.Unlock()

	slog.InfoContext(ctx, "signing key rotated",
		logger.KeyID(sk.kid), logger.String("alg", sk.algorithm))
	return sk.kid, nil
}

// Sign issues a compact JWS over claims with the current key. The kid
// travels in the header so verifiers can pick the right public key.
func (k *Keyring) Sign(claims jwt.Claims) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.keys) == 0 {
		return "", ErrNoKeys
	}
	sk := k.keys[0]
	token := jwt.NewWithClaims(jwt.GetSigningMethod(sk.algorithm), claims)
	token.Header["kid"] = sk.kid
	return token.SignedString(sk.private)
}

// Keyfunc resolves the verification key for jwt.Parse by kid
func (k *Keyring) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token has no kid header")
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, sk := range k.keys {
		if sk.kid == kid {
			return sk.public, nil
		}
	}
	return nil, fmt.Errorf("unknown signing key %q", kid)
}

// JWKS renders the public half of every key as a JWK set document
func (k *Keyring) JWKS() (json.RawMessage, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	set := jwk.NewSet()
	for _, sk := range k.keys {
		key, err := jwk.FromRaw(sk.public)
		if err != nil {
			return nil, fmt.Errorf("failed to convert key %s: %w", sk.kid, err)
		}
		if err := key.Set(jwk.KeyIDKey, sk.kid); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.AlgorithmKey, jwa.KeyAlgorithmFrom(sk.algorithm)); err != nil {
			return nil, err
		}
		if err := set.AddKey(key); err != nil {
			return nil, err
		}
	}
	return json.Marshal(set)
}

// Algorithm reports the configured signing algorithm
func (k *Keyring) Algorithm() string { return k.alg }

// CurrentKid reports the kid tokens are currently signed with
func (k *Keyring) CurrentKid() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.keys) == 0 {
		return ""
	}
	return k.keys[0].kid
}

func generateKey(alg string, createdAt time.Time) (*signingKey, error) {
	var private, public any
	switch alg {
	case AlgRS256:
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		private, public = key, &key.PublicKey
	case AlgES256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
		}
		private, public = key, &key.PublicKey
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}

	kid, err := keyID(public)
	if err != nil {
		return nil, err
	}
	return &signingKey{kid: kid, algorithm: alg, private: private, public: public, createdAt: createdAt}, nil
}

// keyID derives a stable kid from the public key: base64url of the first
// 16 bytes of the SHA-256 over its DER encoding.
func keyID(public any) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(public)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:16]), nil
}

func encodePrivateKey(private any) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func decodePrivateKey(data []byte) (any, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("stored key is not PEM encoded")
	}
	return x509.ParsePKCS8PrivateKey(block.Bytes)
}

func publicOf(private any) (any, error) {
	switch key := private.(type) {
	case *rsa.PrivateKey:
		return &key.PublicKey, nil
	case *ecdsa.PrivateKey:
		return &key.PublicKey, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", private)
	}
}
