package auth

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"mini-ipc/message"
)

// FileToken is a Token whose secret lives in a file. The file is watched and the secret
// replaced whenever it is rewritten, so the secret can rotate without a restart.
type FileToken struct {
	path    string
	logger  *zap.Logger
	mu      sync.RWMutex
	token   *Token
	watcher *fsnotify.Watcher
	done    chan struct{}
	exited  chan struct{}
	closeMu sync.Once
}

// NewFileToken loads the secret from path and starts watching it.
func NewFileToken(path string, logger *zap.Logger) (*FileToken, error) {
	if logger == nil {
		logger = zap.L()
	}
	f := &FileToken{path: path, logger: logger.Named("auth"), done: make(chan struct{}), exited: make(chan struct{})}
	if err := f.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and secret managers replace the file by rename
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	f.watcher = w
	go f.watch()
	return f, nil
}

func (f *FileToken) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	secret := string(bytes.TrimSpace(data))
	if secret == "" {
		return fmt.Errorf("token file %s is empty", f.path)
	}
	f.mu.Lock()
	f.token = NewToken(secret)
	f.mu.Unlock()
	return nil
}

func (f *FileToken) watch() {
	defer close(f.exited)
	target := filepath.Clean(f.path)
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := f.reload(); err != nil {
				f.logger.Warn("token reload failed, keeping previous secret", zap.Error(err))
				continue
			}
			f.logger.Info("token reloaded", zap.String("path", f.path))
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("token watcher error", zap.Error(err))
		}
	}
}

func (f *FileToken) current() *Token {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.token
}

func (f *FileToken) ApplyAuth(env *message.Envelope) {
	f.current().ApplyAuth(env)
}

func (f *FileToken) ValidateAuth(env *message.Envelope) bool {
	return f.current().ValidateAuth(env)
}

// Close stops watching the file.
func (f *FileToken) Close() error {
	var err error
	f.closeMu.Do(func() {
		close(f.done)
		err = f.watcher.Close()
		<-f.exited
	})
	return err
}
