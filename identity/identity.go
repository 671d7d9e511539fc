// Package identity manages the relay's device keypair and the canonical
// payload signed during the gateway connect handshake.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/openclaw/relay/utils/json"
)

const deviceFileName = "device.json"

// Device is a stable ed25519 identity persisted on disk. The gateway pins
// the public key on first connect and verifies the handshake signature on
// every connect after that.
type Device struct {
	ID string

	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

type deviceFile struct {
	DeviceID   string `json:"deviceId"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// LoadOrCreate reads the device identity from dir, generating and persisting
// a fresh keypair when none exists.
func LoadOrCreate(dir string) (*Device, error) {
	path := filepath.Join(dir, deviceFileName)

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		return load(b, path)
	case os.IsNotExist(err):
		return create(dir, path)
	default:
		return nil, errors.Wrap(err, "cannot read device identity")
	}
}

func load(b []byte, path string) (*Device, error) {
	var f deviceFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrapf(err, "malformed device identity at %s", path)
	}

	pub, err := base64.StdEncoding.DecodeString(f.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, errors.Errorf("invalid public key in %s", path)
	}

	priv, err := base64.StdEncoding.DecodeString(f.PrivateKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, errors.Errorf("invalid private key in %s", path)
	}

	d := &Device{
		ID:   f.DeviceID,
		pub:  ed25519.PublicKey(pub),
		priv: ed25519.PrivateKey(priv),
	}
	if d.ID == "" {
		d.ID = deviceID(d.pub)
	}
	return d, nil
}

func create(dir, path string) (*Device, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "cannot generate device key")
	}

	d := &Device{
		ID:   deviceID(pub),
		pub:  pub,
		priv: priv,
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "cannot create identity directory")
	}

	b, err := json.Marshal(deviceFile{
		DeviceID:   d.ID,
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode device identity")
	}

	if err := os.WriteFile(path, b, 0o600); err != nil {
		return nil, errors.Wrap(err, "cannot persist device identity")
	}

	return d, nil
}

// deviceID derives a stable id from the public key.
func deviceID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:16])
}

// PublicKeyBase64 returns the public key in the wire encoding.
func (d *Device) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(d.pub)
}

// Sign signs payload and returns the base64 signature.
func (d *Device) Sign(payload string) string {
	sig := ed25519.Sign(d.priv, []byte(payload))
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify checks a base64 signature over payload against the device key.
func (d *Device) Verify(payload, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(d.pub, []byte(payload), sig)
}

// SignaturePayload builds the canonical v2 string signed during connect.
// Scopes are deduplicated and sorted; absent token and nonce stay as empty
// segments so that both sides agree byte for byte.
func SignaturePayload(deviceID, clientID, clientMode, role string, scopes []string, signedAtMS int64, token, nonce string) string {
	return strings.Join([]string{
		"v2",
		deviceID,
		clientID,
		clientMode,
		role,
		canonicalScopes(scopes),
		strconv.FormatInt(signedAtMS, 10),
		token,
		nonce,
	}, "|")
}

func canonicalScopes(scopes []string) string {
	if len(scopes) == 0 {
		return ""
	}

	uniq := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		uniq = append(uniq, s)
	}

	sort.Strings(uniq)
	return strings.Join(uniq, ",")
}
