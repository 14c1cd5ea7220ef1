package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// masterKeyLen is the master key length in bytes.
	masterKeyLen = 32

	// saltLen is the length of the persisted scrypt salt in bytes.
	saltLen = 16

	// keyFileName holds the random master key when no passphrase is configured.
	keyFileName = "store.key"

	// saltFileName holds the scrypt salt when a passphrase is configured.
	saltFileName = "store.salt"

	keyFilePerm = fs.FileMode(0o600)
	dirPerm     = fs.FileMode(0o700)
)

// Keyring holds the AEAD ciphers used for at-rest credential encryption.
// File records and the bbolt backup use independent HKDF-derived subkeys
// so a leak of one artifact class does not expose the other.
type Keyring struct {
	fileAEAD   cipher.AEAD
	backupAEAD cipher.AEAD
}

// LoadKeyring builds the store keyring for dir. When passphrase is
// non-empty the master key is derived from it with scrypt and a salt
// persisted alongside the store; otherwise a random master key is
// generated once and persisted with owner-only permissions.
func LoadKeyring(dir, passphrase string) (*Keyring, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating credentials dir: %w", err)
	}

	var master []byte

	var err error
	if passphrase != "" {
		master, err = deriveMasterKey(dir, passphrase)
	} else {
		master, err = loadOrCreateMasterKey(dir)
	}

	if err != nil {
		return nil, err
	}

	fileAEAD, err := newAEAD(master, []byte("CredproxyFileKey"))
	if err != nil {
		return nil, err
	}

	backupAEAD, err := newAEAD(master, []byte("CredproxyBackupKey"))
	if err != nil {
		return nil, err
	}

	// Zero the master key — the cipher objects retain their own copies.
	zeroKey(master)

	return &Keyring{fileAEAD: fileAEAD, backupAEAD: backupAEAD}, nil
}

// deriveMasterKey derives the master key from a passphrase with scrypt.
// The passphrase is normalized to NFKC before hashing. The salt is
// generated once and persisted so restarts derive the same key.
func deriveMasterKey(dir, passphrase string) ([]byte, error) {
	saltPath := filepath.Join(dir, saltFileName)

	salt, err := os.ReadFile(saltPath)
	if os.IsNotExist(err) {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generating salt: %w", err)
		}

		if err := os.WriteFile(saltPath, salt, keyFilePerm); err != nil {
			return nil, fmt.Errorf("persisting salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading salt: %w", err)
	}

	normalized := norm.NFKC.String(passphrase)

	key, err := scrypt.Key([]byte(normalized), salt, scryptN, scryptR, scryptP, masterKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving master key: %w", err)
	}

	return key, nil
}

// loadOrCreateMasterKey reads the persisted random master key, generating
// it on first use.
func loadOrCreateMasterKey(dir string) ([]byte, error) {
	keyPath := filepath.Join(dir, keyFileName)

	key, err := os.ReadFile(keyPath)
	if err == nil {
		if len(key) != masterKeyLen {
			return nil, fmt.Errorf("master key file has invalid length %d", len(key))
		}

		return key, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading master key: %w", err)
	}

	key = make([]byte, masterKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}

	if err := os.WriteFile(keyPath, key, keyFilePerm); err != nil {
		return nil, fmt.Errorf("persisting master key: %w", err)
	}

	return key, nil
}

// newAEAD derives an AES-256-GCM cipher from the master key via
// HKDF-SHA256 with the given info string.
func newAEAD(master, info []byte) (cipher.AEAD, error) {
	r := hkdf.New(sha256.New, master, nil, info)

	subkey := make([]byte, masterKeyLen)
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, fmt.Errorf("deriving subkey: %w", err)
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	zeroKey(subkey)

	return gcm, nil
}

// zeroKey overwrites key material in place.
func zeroKey(key []byte) {
	subtle.ConstantTimeCopy(1, key, make([]byte, len(key)))
}

// seal encrypts plaintext with a random 12-byte IV prepended to the
// ciphertext: [12-byte IV][ciphertext+GCM tag].
func seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	ct := aead.Seal(nil, iv, plaintext, nil)
	result := make([]byte, len(iv)+len(ct))
	copy(result, iv)
	copy(result[len(iv):], ct)

	return result, nil
}

// open decrypts data in [12-byte IV][ciphertext+GCM tag] format.
func open(aead cipher.AEAD, data []byte) ([]byte, error) {
	nonceSize := aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(data))
	}

	plain, err := aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	return plain, nil
}
