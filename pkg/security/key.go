package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/fanyadan/my-slurm/pkg/config"
	"github.com/fanyadan/my-slurm/pkg/log"
	"github.com/fanyadan/my-slurm/pkg/render"
	"github.com/fanyadan/my-slurm/pkg/retry"
	"github.com/fanyadan/my-slurm/pkg/types"
)

// KeySize is the length of the cluster authentication key in bytes
const KeySize = 1024

// KeyOwner owns the local copy of the key
const KeyOwner = "munge"

// ErrKeyNotReady is returned while the shared key is missing or incomplete
var ErrKeyNotReady = errors.New("shared key not ready")

// KeyCoordinator publishes the cluster key on the shared filesystem and
// installs a private local copy. The controller creates the key once; every
// node waits for it.
type KeyCoordinator struct {
	SharedPath string
	LocalPath  string
	Wait       config.WaitPolicy
	// Chown fixes local copy ownership; failures are ignored
	Chown render.Chowner

	random io.Reader
	logger zerolog.Logger
}

// Key is an installed cluster key
type Key struct {
	Created     bool
	Fingerprint string
	LocalPath   string
}

// NewKeyCoordinator creates a coordinator for cfg
func NewKeyCoordinator(cfg *config.Config, chown render.Chowner) *KeyCoordinator {
	return &KeyCoordinator{
		SharedPath: cfg.SharedKeyPath(),
		LocalPath:  cfg.MungeKeyPath,
		Wait:       cfg.KeyWait,
		Chown:      chown,
		random:     rand.Reader,
		logger:     log.WithComponent("key"),
	}
}

// Ensure runs the whole key lifecycle for a node. Controller roles create
// the key if it is absent; all roles then wait for it and install the local
// copy.
func (k *KeyCoordinator) Ensure(ctx context.Context, role types.NodeRole) (*Key, error) {
	key := &Key{LocalPath: k.LocalPath}

	if role.RunsController() {
		created, err := k.CreateIfAbsent()
		if err != nil {
			return nil, err
		}
		key.Created = created
	}

	data, err := k.WaitForKey(ctx)
	if err != nil {
		return nil, err
	}

	if err := k.InstallLocal(data); err != nil {
		return nil, err
	}

	key.Fingerprint = Fingerprint(data)
	k.logger.Info().
		Bool("created", key.Created).
		Str("fingerprint", key.Fingerprint).
		Str("path", k.LocalPath).
		Msg("Cluster key installed")
	return key, nil
}

// CreateIfAbsent writes a fresh random key to SharedPath unless one exists.
// The key is written to a temp file and hard-linked into place, so among
// concurrent creators exactly one wins and the others see its content.
func (k *KeyCoordinator) CreateIfAbsent() (bool, error) {
	if _, err := os.Stat(k.SharedPath); err == nil {
		return false, nil
	}

	dir := filepath.Dir(k.SharedPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return false, fmt.Errorf("failed to create key directory: %w", err)
	}

	data := make([]byte, KeySize)
	if _, err := io.ReadFull(k.random, data); err != nil {
		return false, fmt.Errorf("failed to generate key: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".munge.key.tmp-*")
	if err != nil {
		return false, fmt.Errorf("failed to create temp key: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("failed to write temp key: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("failed to sync temp key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("failed to close temp key: %w", err)
	}
	if err := os.Chmod(tmpName, types.ModeKey); err != nil {
		return false, fmt.Errorf("failed to chmod temp key: %w", err)
	}

	if err := os.Link(tmpName, k.SharedPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			k.logger.Debug().Str("path", k.SharedPath).Msg("Key created concurrently by another node")
			return false, nil
		}
		return false, fmt.Errorf("failed to publish key: %w", err)
	}

	k.logger.Info().Str("path", k.SharedPath).Msg("Created shared cluster key")
	return true, nil
}

// ReadShared returns the shared key, or ErrKeyNotReady when it is missing
// or not yet complete
func (k *KeyCoordinator) ReadShared() ([]byte, error) {
	data, err := os.ReadFile(k.SharedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotReady
		}
		return nil, fmt.Errorf("failed to read shared key: %w", err)
	}
	if len(data) != KeySize {
		return nil, fmt.Errorf("%w: %d of %d bytes", ErrKeyNotReady, len(data), KeySize)
	}
	return data, nil
}

// WaitForKey polls for the shared key within the wait budget
func (k *KeyCoordinator) WaitForKey(ctx context.Context) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, func(ctx context.Context) error {
		var err error
		data, err = k.ReadShared()
		return err
	},
		retry.WithAttempts(k.Wait.Attempts),
		retry.WithInterval(k.Wait.Interval),
		retry.WithNotify(func(attempt int, err error) {
			k.logger.Debug().Int("attempt", attempt).Err(err).Msg("Waiting for shared key")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("shared key %s unavailable: %w", k.SharedPath, err)
	}
	return data, nil
}

// InstallLocal places data at LocalPath with mode 0400, owned by the munge
// identity when possible
func (k *KeyCoordinator) InstallLocal(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(k.LocalPath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := render.AtomicWrite(k.LocalPath, data, types.ModeKey); err != nil {
		return err
	}
	if k.Chown != nil {
		if err := k.Chown(k.LocalPath, KeyOwner); err != nil {
			k.logger.Debug().Err(err).Str("path", k.LocalPath).Msg("chown failed")
		}
	}
	return nil
}

// Fingerprint is a short digest of the key for logs; it never reveals the key
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
