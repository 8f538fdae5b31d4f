package toolservers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// FileDescriptorStore persists descriptors in a YAML file:
//
//	servers:
//	  - id: 7c9e...
//	    name: filesystem
//	    transport: process
//	    command: npx
//	    args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
type FileDescriptorStore struct {
	path   string
	logger zerolog.Logger
	mu     sync.Mutex
}

type descriptorFile struct {
	Servers []Descriptor `yaml:"servers"`
}

// NewFileDescriptorStore creates a store backed by path. The file is created on
// first write.
func NewFileDescriptorStore(path string, logger zerolog.Logger) *FileDescriptorStore {
	return &FileDescriptorStore{
		path:   path,
		logger: logger.With().Str("component", "descriptor_file").Str("path", path).Logger(),
	}
}

// Path returns the backing file.
func (s *FileDescriptorStore) Path() string { return s.path }

func (s *FileDescriptorStore) List(ctx context.Context) ([]Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileDescriptorStore) Put(ctx context.Context, d Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.read()
	if err != nil {
		return err
	}
	if i := slices.IndexFunc(items, func(x Descriptor) bool { return x.ID == d.ID }); i >= 0 {
		items[i] = d.Clone()
	} else {
		items = append(items, d.Clone())
	}
	return s.write(items)
}

func (s *FileDescriptorStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.read()
	if err != nil {
		return err
	}
	return s.write(slices.DeleteFunc(items, func(x Descriptor) bool { return x.ID == id }))
}

func (s *FileDescriptorStore) read() ([]Descriptor, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor file: %w", err)
	}

	var f descriptorFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor file %s: %w", s.path, err)
	}
	return f.Servers, nil
}

// write replaces the file atomically.
func (s *FileDescriptorStore) write(items []Descriptor) error {
	data, err := yaml.Marshal(descriptorFile{Servers: items})
	if err != nil {
		return fmt.Errorf("failed to encode descriptors: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".servers-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write descriptors: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace descriptor file: %w", err)
	}
	return nil
}

// Watch calls onChange with the new descriptor list whenever the file changes
// on disk, until ctx is done. Bursts of events within settle are coalesced.
func (s *FileDescriptorStore) Watch(ctx context.Context, settle time.Duration, onChange func([]Descriptor)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("could not create directory %s: %w", dir, err)
	}
	// The directory is watched because atomic replaces swap the inode.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()

		var (
			timer  *time.Timer
			fire   <-chan time.Time
			target = filepath.Clean(s.path)
		)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(settle)
				} else {
					timer.Reset(settle)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				items, err := s.List(ctx)
				if err != nil {
					s.logger.Warn().Err(err).Msg("ignoring unreadable descriptor file")
					continue
				}
				s.logger.Info().Int("servers", len(items)).Msg("descriptor file changed")
				onChange(items)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).Msg("descriptor watcher error")
			}
		}
	}()

	return nil
}

var _ DescriptorStore = (*FileDescriptorStore)(nil)
