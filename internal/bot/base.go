package bot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// BaseBot carries the lifecycle state shared by every handler: the idempotent
// initialize/shutdown bookkeeping and a per-handler scratch directory for
// audio artifacts. Handlers embed it and wrap Initialize/Shutdown with their
// own setup and teardown.
type BaseBot struct {
	name        string
	description string
	tempDir     string
	logger      *slog.Logger

	mu          sync.Mutex
	initialized bool
	shutDown    bool
}

func NewBaseBot(name, description, tempBase string, logger *slog.Logger) *BaseBot {
	return &BaseBot{
		name:        name,
		description: description,
		tempDir:     filepath.Join(tempBase, name),
		logger:      logger.With("handler", name),
	}
}

func (b *BaseBot) Name() string { return b.name }

func (b *BaseBot) Description() string { return b.description }

func (b *BaseBot) Logger() *slog.Logger { return b.logger }

// Initialize creates the scratch directory and marks the handler ready.
// Calling it twice logs a warning and does nothing. A handler that has been
// shut down stays down.
func (b *BaseBot) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shutDown {
		b.logger.Warn("initialize called after shutdown, ignoring")
		return nil
	}
	if b.initialized {
		b.logger.Warn("already initialized")
		return nil
	}

	if err := os.MkdirAll(b.tempDir, 0o755); err != nil {
		return fmt.Errorf("%s: cannot create temp dir: %w", b.name, err)
	}

	b.initialized = true
	b.logger.Info("handler initialized")
	return nil
}

// Shutdown releases the scratch directory. Calling it before Initialize, or
// twice, logs a warning and does nothing.
func (b *BaseBot) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		b.logger.Warn("shutdown called before initialize")
		return nil
	}
	if b.shutDown {
		b.logger.Warn("already shut down")
		return nil
	}

	// Scratch files are disposable; removal failure is not worth failing
	// shutdown over.
	if err := os.RemoveAll(b.tempDir); err != nil {
		b.logger.Warn("could not remove temp dir", "dir", b.tempDir, "error", err)
	}

	b.shutDown = true
	b.logger.Info("handler shut down")
	return nil
}

func (b *BaseBot) Initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized && !b.shutDown
}

// TempFile returns a fresh scratch file path for a sender's audio artifact.
// The file is not created; the caller writes it and the directory is cleaned
// on shutdown.
func (b *BaseBot) TempFile(senderID, ext string) string {
	return filepath.Join(b.tempDir, fmt.Sprintf("%s_%s%s", senderID, uuid.NewString(), ext))
}
