package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/term"
)

const (
	// VaultFile is the default vault file name.
	VaultFile = ".dmclaw.vault"

	// Argon2id parameters.
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256

	saltLen = 16

	verifyEntry = "__verify__"
	verifyText  = "dmclaw-vault-ok"
)

var (
	// ErrVaultLocked means the vault has not been unlocked.
	ErrVaultLocked = errors.New("vault is locked")
	// ErrWrongPassword means the master password did not decrypt the vault.
	ErrWrongPassword = errors.New("wrong vault password")
)

// VaultEntry holds one encrypted secret.
type VaultEntry struct {
	Nonce      string `json:"nonce"`      // base64 AES-GCM nonce
	Ciphertext string `json:"ciphertext"` // base64 sealed value
}

// VaultData is the on-disk format of the vault.
type VaultData struct {
	Version int                   `json:"version"`
	Salt    string                `json:"salt"` // base64 Argon2 salt
	Entries map[string]VaultEntry `json:"entries"`
}

// Vault is an AES-256-GCM encrypted secret file keyed by an Argon2id
// derivation of the master password. The password itself is never kept.
type Vault struct {
	path       string
	data       *VaultData
	derivedKey []byte
	mu         sync.RWMutex
}

// NewVault points a vault at path. Call Create or Unlock before use.
func NewVault(path string) *Vault {
	return &Vault{path: path}
}

// Exists reports whether the vault file exists.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Path returns the vault file path.
func (v *Vault) Path() string { return v.path }

// IsUnlocked reports whether the derived key is in memory.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.derivedKey != nil
}

// Create initializes a new vault with password and leaves it unlocked.
func (v *Vault) Create(password string) error {
	if v.Exists() {
		return fmt.Errorf("vault already exists at %s", v.path)
	}
	if password == "" {
		return fmt.Errorf("vault password must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	key := deriveKey(password, salt)
	verify, err := encryptEntry(key, []byte(verifyText))
	if err != nil {
		return fmt.Errorf("encrypting verification entry: %w", err)
	}
	v.derivedKey = key
	v.data = &VaultData{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Entries: map[string]VaultEntry{verifyEntry: verify},
	}
	return v.saveLocked()
}

// Unlock loads and verifies the vault with password.
func (v *Vault) Unlock(password string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("reading vault: %w", err)
	}

	var data VaultData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parsing vault: %w", err)
	}
	if data.Entries == nil {
		data.Entries = make(map[string]VaultEntry)
	}

	salt, err := base64.StdEncoding.DecodeString(data.Salt)
	if err != nil {
		return fmt.Errorf("decoding salt: %w", err)
	}

	key := deriveKey(password, salt)
	if verify, ok := data.Entries[verifyEntry]; ok {
		if _, err := decryptEntry(key, verify); err != nil {
			return ErrWrongPassword
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.derivedKey = key
	v.data = &data
	return nil
}

// Lock zeroes and drops the derived key.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.derivedKey)
	v.derivedKey = nil
}

// Set stores value under name.
func (v *Vault) Set(name, value string) error {
	if name == "" || name == verifyEntry {
		return fmt.Errorf("invalid secret name %q", name)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.derivedKey == nil {
		return ErrVaultLocked
	}

	entry, err := encryptEntry(v.derivedKey, []byte(value))
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", name, err)
	}
	v.data.Entries[name] = entry
	if _, ok := v.data.Entries[verifyEntry]; !ok {
		ve, err := encryptEntry(v.derivedKey, []byte(verifyText))
		if err != nil {
			return fmt.Errorf("encrypting verification entry: %w", err)
		}
		v.data.Entries[verifyEntry] = ve
	}
	return v.saveLocked()
}

// Get returns the secret under name, or "" when absent.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.derivedKey == nil {
		return "", ErrVaultLocked
	}

	entry, ok := v.data.Entries[name]
	if !ok || name == verifyEntry {
		return "", nil
	}
	plaintext, err := decryptEntry(v.derivedKey, entry)
	if err != nil {
		return "", fmt.Errorf("decrypting %s: %w", name, err)
	}
	return string(plaintext), nil
}

// Delete removes the secret under name.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.derivedKey == nil {
		return ErrVaultLocked
	}
	if name == verifyEntry {
		return fmt.Errorf("invalid secret name %q", name)
	}
	delete(v.data.Entries, name)
	return v.saveLocked()
}

// Keys returns the sorted secret names.
func (v *Vault) Keys() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.derivedKey == nil {
		return nil, ErrVaultLocked
	}

	keys := make([]string, 0, len(v.data.Entries))
	for k := range v.data.Entries {
		if k != verifyEntry {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func encryptEntry(key, plaintext []byte) (VaultEntry, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return VaultEntry{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return VaultEntry{}, err
	}
	return VaultEntry{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	}, nil
}

func decryptEntry(key []byte, entry VaultEntry) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(entry.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(entry.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("bad nonce length %d", len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password?)")
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// saveLocked writes the vault with owner-only permissions. Caller holds v.mu.
func (v *Vault) saveLocked() error {
	data, err := json.MarshalIndent(v.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling vault: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing vault: %w", err)
	}
	return nil
}

// ReadPassword reads a line from the terminal without echo, falling back
// to plain stdin when it is not a terminal.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		var buf [1024]byte
		n, readErr := os.Stdin.Read(buf[:])
		if readErr != nil {
			return "", fmt.Errorf("reading password: %w", readErr)
		}
		password = buf[:n]
	}
	fmt.Fprintln(os.Stderr)
	return strings.TrimRight(string(password), "\r\n"), nil
}
