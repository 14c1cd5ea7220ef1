package credstore

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// backupFileName is the bbolt database used by the memory-with-backup
	// storage mode.
	backupFileName = "backup.db"

	// backupOpenTimeout is the maximum time to wait for the bolt database lock.
	backupOpenTimeout = 5 * time.Second

	backupFilePerm = fs.FileMode(0o600)
)

var credentialsBucket = []byte("credentials")

// backupDB wraps a bbolt database holding encrypted credential records for
// crash recovery. Values are AEAD ciphertext; keys are account identifiers,
// which is acceptable because the database file itself is owner-only.
type backupDB struct {
	db *bolt.DB
}

// openBackup opens (or creates) the backup database in dir.
func openBackup(dir string) (*backupDB, error) {
	path := filepath.Join(dir, backupFileName)

	db, err := bolt.Open(path, backupFilePerm, &bolt.Options{Timeout: backupOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening backup db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(credentialsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing backup db: %w", err)
	}

	return &backupDB{db: db}, nil
}

// Close closes the database.
func (b *backupDB) Close() error {
	return b.db.Close()
}

// Put stores the encrypted record for an account.
func (b *backupDB) Put(account string, ciphertext []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialsBucket).Put([]byte(account), ciphertext)
	})
}

// Get returns the encrypted record for an account, or nil if not present.
func (b *backupDB) Get(account string) []byte {
	var out []byte

	_ = b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(credentialsBucket).Get([]byte(account))
		if v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}

		return nil
	})

	return out
}

// Delete removes the record for an account.
func (b *backupDB) Delete(account string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialsBucket).Delete([]byte(account))
	})
}

// Accounts returns every account with a record in the backup.
func (b *backupDB) Accounts() []string {
	var accounts []string

	_ = b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialsBucket).ForEach(func(k, _ []byte) error {
			accounts = append(accounts, string(k))
			return nil
		})
	})

	return accounts
}
