// Package credstore persists long-lived provider credentials, one record
// per account, under one of four interchangeable storage modes. Other
// components only ever receive copies of stored records, never references
// to the backing file or database.
package credstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/credproxy/internal/errors"
	"github.com/alexjbarnes/credproxy/internal/models"
)

// Mode selects the at-rest persistence policy for stored credentials.
type Mode string

const (
	ModePlaintextFile    Mode = "plaintext_file"
	ModeEncryptedFile    Mode = "encrypted_file"
	ModeMemoryOnly       Mode = "memory_only"
	ModeMemoryWithBackup Mode = "memory_with_backup"
)

// ParseMode validates a mode string from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePlaintextFile, ModeEncryptedFile, ModeMemoryOnly, ModeMemoryWithBackup:
		return Mode(s), nil
	}

	return "", fmt.Errorf("invalid storage mode %q", s)
}

const (
	plainSuffix     = ".json"
	encryptedSuffix = ".json.enc"

	// fileNameHashLen is the number of hex characters of the account hash
	// used in record file names. Names are deterministic per account and
	// carry no account PII.
	fileNameHashLen = 16

	recordFilePerm = 0o600
)

// plainRecord is the on-disk layout for plaintext mode. Credential fields
// are inlined so the record contains the documented
// {token, refresh_token, token_uri, client_id, client_secret, scopes, expiry}
// fields at the top level.
type plainRecord struct {
	Account string `json:"account"`
	models.Credential
}

// encryptedRecord is the on-disk layout for encrypted mode. Payload holds
// the AEAD ciphertext of the credential JSON. Cipher and EncryptedAt are
// written for forward compatibility with future record formats.
type encryptedRecord struct {
	Account     string    `json:"account"`
	Cipher      string    `json:"cipher"`
	EncryptedAt time.Time `json:"encrypted_at"`
	Payload     []byte    `json:"payload"`
}

// Summary is a read-only view of store state for operational tooling.
// It never includes raw token values.
type Summary struct {
	Mode             Mode     `json:"mode"`
	AccountsInMemory []string `json:"accounts_in_memory"`
	AccountsOnDisk   []string `json:"accounts_on_disk"`
}

// Store holds credentials under the active storage mode.
type Store struct {
	mu     sync.Mutex
	mode   Mode
	dir    string
	keys   *Keyring
	mem    map[string]*models.Credential
	backup *backupDB
	logger *slog.Logger

	// ownWrites records when this process last wrote each record file so
	// the directory watcher can tell external modifications apart.
	ownWrites map[string]time.Time
}

// New creates a store rooted at dir under the given mode. The server
// always supplies a keyring so migration to an encrypted mode stays
// possible at runtime; a nil keyring restricts the store to unencrypted
// modes.
func New(dir string, mode Mode, keys *Keyring, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating credentials dir: %w", err)
	}

	s := &Store{
		mode:      mode,
		dir:       dir,
		keys:      keys,
		mem:       make(map[string]*models.Credential),
		logger:    logger,
		ownWrites: make(map[string]time.Time),
	}

	if mode == ModeMemoryWithBackup {
		b, err := openBackup(dir)
		if err != nil {
			return nil, err
		}

		s.backup = b
	}

	return s, nil
}

// Close releases the backup database if open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backup != nil {
		err := s.backup.Close()
		s.backup = nil

		return err
	}

	return nil
}

// Mode returns the active storage mode.
func (s *Store) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mode
}

// fileName returns the deterministic record file name for an account.
func fileName(account string, mode Mode) string {
	h := sha256.Sum256([]byte(account))
	name := hex.EncodeToString(h[:])[:fileNameHashLen]

	if mode == ModeEncryptedFile {
		return name + encryptedSuffix
	}

	return name + plainSuffix
}

// Save writes the credential for an account under the active mode.
func (s *Store) Save(account string, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveLocked(s.mode, account, cred)
}

func (s *Store) saveLocked(mode Mode, account string, cred *models.Credential) error {
	cp := *cred

	switch mode {
	case ModeMemoryOnly:
		s.mem[account] = &cp
		return nil

	case ModeMemoryWithBackup:
		if s.keys == nil {
			return fmt.Errorf("storage mode %q requires an encryption keyring", mode)
		}

		if err := s.ensureBackupLocked(); err != nil {
			return err
		}

		data, err := json.Marshal(&cp)
		if err != nil {
			return fmt.Errorf("encoding credential: %w", err)
		}

		ct, err := seal(s.keys.backupAEAD, data)
		if err != nil {
			return fmt.Errorf("encrypting backup record: %w", err)
		}

		if err := s.backup.Put(account, ct); err != nil {
			return fmt.Errorf("writing backup record: %w", err)
		}

		s.mem[account] = &cp

		return nil

	case ModePlaintextFile:
		data, err := json.Marshal(plainRecord{Account: account, Credential: cp})
		if err != nil {
			return fmt.Errorf("encoding credential: %w", err)
		}

		return s.writeRecordLocked(fileName(account, mode), data)

	case ModeEncryptedFile:
		if s.keys == nil {
			return fmt.Errorf("storage mode %q requires an encryption keyring", mode)
		}

		inner, err := json.Marshal(&cp)
		if err != nil {
			return fmt.Errorf("encoding credential: %w", err)
		}

		ct, err := seal(s.keys.fileAEAD, inner)
		if err != nil {
			return fmt.Errorf("encrypting credential: %w", err)
		}

		data, err := json.Marshal(encryptedRecord{
			Account:     account,
			Cipher:      "aes-256-gcm",
			EncryptedAt: time.Now().UTC(),
			Payload:     ct,
		})
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}

		return s.writeRecordLocked(fileName(account, mode), data)
	}

	return fmt.Errorf("invalid storage mode %q", mode)
}

// writeRecordLocked writes a record file atomically: temp file in the same
// directory, then rename over the target.
func (s *Store) writeRecordLocked(name string, data []byte) error {
	path := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, ".credstore-write-*")
	if err != nil {
		return fmt.Errorf("creating temp record: %w", err)
	}

	tmpName := tmp.Name()
	if err := tmp.Chmod(recordFilePerm); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("setting record permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing record: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing record: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming record: %w", err)
	}

	s.ownWrites[name] = time.Now()

	return nil
}

// Load returns a copy of the stored credential for an account.
// Returns errors.ErrNoCredential when no record exists. A decrypt failure
// returns errors.ErrDecryptFailed; callers present it identically to "no
// credential on file" but it is logged at high severity here because it
// may indicate key mismatch or tampering.
func (s *Store) Load(account string) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked(s.mode, account)
}

func (s *Store) loadLocked(mode Mode, account string) (*models.Credential, error) {
	switch mode {
	case ModeMemoryOnly:
		if cred, ok := s.mem[account]; ok {
			cp := *cred
			return &cp, nil
		}

		return nil, errors.ErrNoCredential

	case ModeMemoryWithBackup:
		if cred, ok := s.mem[account]; ok {
			cp := *cred
			return &cp, nil
		}

		if err := s.ensureBackupLocked(); err != nil {
			return nil, err
		}

		ct := s.backup.Get(account)
		if ct == nil {
			return nil, errors.ErrNoCredential
		}

		data, err := open(s.keys.backupAEAD, ct)
		if err != nil {
			s.logger.Error("backup record decrypt failed, possible key mismatch or tampering",
				slog.String("account", account),
				slog.String("error", err.Error()),
			)

			return nil, errors.ErrDecryptFailed
		}

		cred := &models.Credential{}
		if err := json.Unmarshal(data, cred); err != nil {
			return nil, fmt.Errorf("decoding backup record: %w", err)
		}

		// Warm the in-memory copy so subsequent reads skip the backup.
		cp := *cred
		s.mem[account] = &cp

		return cred, nil

	case ModePlaintextFile:
		data, err := os.ReadFile(filepath.Join(s.dir, fileName(account, mode)))
		if os.IsNotExist(err) {
			return nil, errors.ErrNoCredential
		} else if err != nil {
			return nil, fmt.Errorf("reading record: %w", err)
		}

		var rec plainRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decoding record: %w", err)
		}

		cred := rec.Credential

		return &cred, nil

	case ModeEncryptedFile:
		data, err := os.ReadFile(filepath.Join(s.dir, fileName(account, mode)))
		if os.IsNotExist(err) {
			return nil, errors.ErrNoCredential
		} else if err != nil {
			return nil, fmt.Errorf("reading record: %w", err)
		}

		var rec encryptedRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decoding record: %w", err)
		}

		inner, err := open(s.keys.fileAEAD, rec.Payload)
		if err != nil {
			s.logger.Error("credential record decrypt failed, possible key mismatch or tampering",
				slog.String("account", account),
				slog.String("error", err.Error()),
			)

			return nil, errors.ErrDecryptFailed
		}

		cred := &models.Credential{}
		if err := json.Unmarshal(inner, cred); err != nil {
			return nil, fmt.Errorf("decoding credential: %w", err)
		}

		return cred, nil
	}

	return nil, fmt.Errorf("invalid storage mode %q", mode)
}

// Delete removes the stored credential for an account under the active mode.
func (s *Store) Delete(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.mem, account)

	switch s.mode {
	case ModeMemoryOnly:
		return nil

	case ModeMemoryWithBackup:
		if err := s.ensureBackupLocked(); err != nil {
			return err
		}

		return s.backup.Delete(account)

	case ModePlaintextFile, ModeEncryptedFile:
		err := os.Remove(filepath.Join(s.dir, fileName(account, s.mode)))
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	return fmt.Errorf("invalid storage mode %q", s.mode)
}

// Accounts returns every account discoverable under the active mode.
func (s *Store) Accounts() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.accountsLocked(s.mode)
}

func (s *Store) accountsLocked(mode Mode) ([]string, error) {
	set := make(map[string]struct{})

	switch mode {
	case ModeMemoryOnly:
		for account := range s.mem {
			set[account] = struct{}{}
		}

	case ModeMemoryWithBackup:
		for account := range s.mem {
			set[account] = struct{}{}
		}

		if err := s.ensureBackupLocked(); err != nil {
			return nil, err
		}

		for _, account := range s.backup.Accounts() {
			set[account] = struct{}{}
		}

	case ModePlaintextFile, ModeEncryptedFile:
		accounts, err := s.diskAccountsLocked(mode)
		if err != nil {
			return nil, err
		}

		for _, account := range accounts {
			set[account] = struct{}{}
		}

	default:
		return nil, fmt.Errorf("invalid storage mode %q", mode)
	}

	out := make([]string, 0, len(set))
	for account := range set {
		out = append(out, account)
	}

	sort.Strings(out)

	return out, nil
}

// diskAccountsLocked scans record files of the given mode and reads the
// account field from each. Both record layouts carry a top-level
// "account" field, so a plain JSON decode suffices.
func (s *Store) diskAccountsLocked(mode Mode) ([]string, error) {
	suffix := plainSuffix
	if mode == ModeEncryptedFile {
		suffix = encryptedSuffix
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing credentials dir: %w", err)
	}

	var accounts []string

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !matchesSuffix(name, suffix) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable credential record",
				slog.String("file", name),
				slog.String("error", err.Error()),
			)

			continue
		}

		var rec struct {
			Account string `json:"account"`
		}

		if err := json.Unmarshal(data, &rec); err != nil || rec.Account == "" {
			s.logger.Warn("skipping malformed credential record", slog.String("file", name))
			continue
		}

		accounts = append(accounts, rec.Account)
	}

	return accounts, nil
}

// matchesSuffix distinguishes ".json" records from ".json.enc" records.
func matchesSuffix(name, suffix string) bool {
	if suffix == plainSuffix {
		return filepath.Ext(name) == plainSuffix
	}

	return len(name) > len(encryptedSuffix) && name[len(name)-len(encryptedSuffix):] == encryptedSuffix
}

// Migrate re-saves every account discoverable under the current mode into
// the target mode, then commits the mode switch. Failures are reported
// per-account rather than aborting the whole migration, since migration is
// operator-driven and inspectable. The artifact under the old mode is
// removed once its account has been re-saved.
func (s *Store) Migrate(target Mode) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := ParseMode(string(target)); err != nil {
		return nil, err
	}

	source := s.mode

	accounts, err := s.accountsLocked(source)
	if err != nil {
		return nil, fmt.Errorf("enumerating accounts: %w", err)
	}

	outcomes := make(map[string]string, len(accounts))

	for _, account := range accounts {
		cred, err := s.loadLocked(source, account)
		if err != nil {
			outcomes[account] = "load failed: " + err.Error()
			continue
		}

		if err := s.saveLocked(target, account, cred); err != nil {
			outcomes[account] = "save failed: " + err.Error()
			continue
		}

		if err := s.removeOldArtifactLocked(source, target, account); err != nil {
			outcomes[account] = "migrated, cleanup failed: " + err.Error()
			continue
		}

		outcomes[account] = "migrated"
	}

	s.mode = target

	s.logger.Info("storage migration complete",
		slog.String("from", string(source)),
		slog.String("to", string(target)),
		slog.Int("accounts", len(accounts)),
	)

	return outcomes, nil
}

// removeOldArtifactLocked deletes the source-mode representation of an
// account after a successful migration save, so credentials do not linger
// under a weaker mode. In-memory copies are kept when the target is also a
// memory mode; dropped otherwise.
func (s *Store) removeOldArtifactLocked(source, target Mode, account string) error {
	if source == target {
		return nil
	}

	switch source {
	case ModePlaintextFile, ModeEncryptedFile:
		err := os.Remove(filepath.Join(s.dir, fileName(account, source)))
		if err != nil && !os.IsNotExist(err) {
			return err
		}

	case ModeMemoryWithBackup:
		if target != ModeMemoryWithBackup {
			if err := s.backup.Delete(account); err != nil {
				return err
			}
		}
	}

	if target != ModeMemoryOnly && target != ModeMemoryWithBackup {
		delete(s.mem, account)
	}

	return nil
}

// Summary reports the active mode and which accounts are held in memory
// and on disk. It never includes token values.
func (s *Store) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	inMemory := make([]string, 0, len(s.mem))
	for account := range s.mem {
		inMemory = append(inMemory, account)
	}

	sort.Strings(inMemory)

	onDisk := make(map[string]struct{})

	for _, mode := range []Mode{ModePlaintextFile, ModeEncryptedFile} {
		accounts, err := s.diskAccountsLocked(mode)
		if err != nil {
			continue
		}

		for _, account := range accounts {
			onDisk[account] = struct{}{}
		}
	}

	if s.backup != nil {
		for _, account := range s.backup.Accounts() {
			onDisk[account] = struct{}{}
		}
	}

	disk := make([]string, 0, len(onDisk))
	for account := range onDisk {
		disk = append(disk, account)
	}

	sort.Strings(disk)

	return Summary{Mode: s.mode, AccountsInMemory: inMemory, AccountsOnDisk: disk}
}

// ensureBackupLocked opens the backup database on first use. Migration
// into memory_with_backup needs this even when the store was constructed
// under another mode.
func (s *Store) ensureBackupLocked() error {
	if s.backup != nil {
		return nil
	}

	b, err := openBackup(s.dir)
	if err != nil {
		return err
	}

	s.backup = b

	return nil
}
