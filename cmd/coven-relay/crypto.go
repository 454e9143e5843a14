// ABOUTME: End-to-end encryption setup for the relay's Matrix account
// ABOUTME: Keeps a per-user crypto store and resets it when the device changes

package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// CryptoManager owns the crypto helper attached to the Matrix client.
type CryptoManager struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// SetupCrypto attaches E2EE to client. The crypto store lives in dataDir,
// one file per user. A recovery key enables cross-signing; failing to use it
// is logged and encryption continues without it.
func SetupCrypto(ctx context.Context, client *mautrix.Client, userID, recoveryKey, dataDir string, logger *slog.Logger) (*CryptoManager, error) {
	logger = logger.With("component", "crypto")
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := cryptoDBPath(dataDir, userID)
	logger.Info("setting up encryption", "db", dbPath)

	if err := resetOnDeviceChange(dbPath, client.DeviceID.String(), logger); err != nil {
		return nil, err
	}

	helper, err := cryptohelper.NewCryptoHelper(client, deriveStoreKey(userID), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	cm := &CryptoManager{helper: helper, logger: logger}
	if recoveryKey == "" {
		logger.Info("encryption initialized without cross-signing")
		return cm, nil
	}
	if err := cm.verify(ctx, recoveryKey); err != nil {
		logger.Warn("recovery key verification failed, continuing without cross-signing", "error", err)
	} else {
		logger.Info("encryption initialized with cross-signing verification")
	}
	return cm, nil
}

func (cm *CryptoManager) verify(ctx context.Context, recoveryKey string) error {
	machine := cm.helper.Machine()
	if machine == nil {
		return errors.New("crypto machine not initialized")
	}
	return machine.VerifyWithRecoveryKey(ctx, recoveryKey)
}

// Close releases the crypto store.
func (cm *CryptoManager) Close() error {
	if cm.helper == nil {
		return nil
	}
	return cm.helper.Close()
}

func cryptoDBPath(dataDir, userID string) string {
	return filepath.Join(dataDir, fmt.Sprintf("relay-crypto-%s.db", slugify(userID)))
}

// resetOnDeviceChange removes a crypto store written for a different device.
// A fresh password login gets a new device ID and the old keys are useless.
func resetOnDeviceChange(dbPath, deviceID string, logger *slog.Logger) error {
	stored, err := storedDeviceID(dbPath)
	if err != nil {
		logger.Debug("could not read stored device id", "error", err)
		return nil
	}
	if stored == "" || stored == deviceID {
		return nil
	}

	logger.Warn("device id changed, resetting crypto store", "stored", stored, "current", deviceID)
	if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing old crypto database: %w", err)
	}
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")
	return nil
}

// storedDeviceID returns the device the crypto store belongs to, or "" when
// there is no store yet.
func storedDeviceID(dbPath string) (string, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return "", nil
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return "", err
	}
	defer db.Close()

	var deviceID string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return deviceID, err
}

// slugify converts a Matrix user ID to a filesystem-safe string.
// Example: @covenbot:matrix.org -> covenbot_matrix.org
func slugify(userID string) string {
	s := userID
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			out = append(out, c)
		case c == ':':
			out = append(out, '_')
		}
	}
	return string(out)
}

// deriveStoreKey gives each user's crypto store its own pickle key.
func deriveStoreKey(userID string) []byte {
	h := sha256.Sum256([]byte("coven-relay-crypto:" + userID))
	return h[:]
}
