package graphrelay

import (
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// SecretProvider hands out the clientState secret embedded in every
// subscription and checked on every inbound notification item.
type SecretProvider interface {
	ClientState() string
}

type StaticSecret string

func (s StaticSecret) ClientState() string {
	return string(s)
}

// FileSecret reads the clientState secret from a file and hot-reloads it when
// the file changes, so the secret can be rotated without a restart.
// Notifications signed with the old secret are dropped from that point on,
// which is the intended effect of a rotation.
type FileSecret struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu     sync.RWMutex
	secret string

	done chan struct{}
}

func NewFileSecret(path string, logger *zap.Logger) (*FileSecret, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	initial, err := readSecretFile(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	f := &FileSecret{
		path:    path,
		logger:  logger,
		watcher: watcher,
		secret:  initial,
		done:    make(chan struct{}),
	}
	go f.watch()
	return f, nil
}

func (f *FileSecret) ClientState() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.secret
}

func (f *FileSecret) Close() error {
	close(f.done)
	return f.watcher.Close()
}

func (f *FileSecret) watch() {
	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			f.reload()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("secret file watch error", zap.Error(err))
		}
	}
}

func (f *FileSecret) reload() {
	secret, err := readSecretFile(f.path)
	if err != nil {
		f.logger.Warn("secret file reload failed, keeping previous value",
			zap.String("path", f.path),
			zap.Error(err))
		return
	}
	f.mu.Lock()
	changed := secret != f.secret
	f.secret = secret
	f.mu.Unlock()
	if changed {
		f.logger.Info("clientState secret rotated", zap.String("path", f.path))
	}
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", ErrInvalidInput
	}
	return secret, nil
}
