package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const hostKeyFile = "tunnel_host_key"

// loadOrGenerateHostKey reads the Ed25519 host key from dataDir/name. If the
// file does not exist, a new key is generated and persisted — unchanged
// from the teacher's own host-key idiom in internal/tunnel/server.go.
func loadOrGenerateHostKey(dataDir, name string) (ssh.Signer, error) {
	path := filepath.Join(dataDir, name)

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read host key %s: %w", path, err)
	}

	if err == nil {
		if b, _ := pem.Decode(data); b == nil {
			return nil, fmt.Errorf("tunnel: host key file %s contains no PEM block", path)
		}
		key, err := ssh.ParseRawPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("tunnel: parse host key: %w", err)
		}
		return ssh.NewSignerFromKey(key)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tunnel: generate host key: %w", err)
	}

	pemBytes, err := encodeEd25519PEM(priv)
	if err != nil {
		return nil, fmt.Errorf("tunnel: encode host key: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("tunnel: create data dir: %w", err)
	}
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("tunnel: write host key: %w", err)
	}
	log.Printf("[tunnel] generated new host key at %s", path)

	return ssh.NewSignerFromKey(priv)
}

func encodeEd25519PEM(priv ed25519.PrivateKey) ([]byte, error) {
	key, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(key), nil
}

// fingerprintBase64 renders a SHA-256 digest the same way OpenSSH does for
// "SHA256:" fingerprints: standard base64, padding stripped.
func fingerprintBase64(sum []byte) string {
	return base64.RawStdEncoding.EncodeToString(sum)
}

// portReplyPayload encodes a chosen tunnel port as the reply body for a
// tcpip-forward global request (RFC 4254 §7.1: a single uint32).
func portReplyPayload(port int) []byte {
	var reply [4]byte
	binary.BigEndian.PutUint32(reply[:], uint32(port))
	return reply[:]
}
