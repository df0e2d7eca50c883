package registry

import (
	"fmt"
	"strconv"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/display-ota/internal/constants"
	"github.com/benmeehan/display-ota/pkg/file"
)

// Store is the small persisted key/value state the update engine owns.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	SetMany(values map[string]string) error
	Delete(key string) error

	UpdateURL() string
	AutoUpdate() bool
	FailedVersion() string
	SetFailedVersion(version string) error
	ClearFailedVersion() error
	PartitionVersion(label string) string
	SetPartitionVersion(label, version string) error
	BootCount() int
	LastPartition() string
}

// Registry caches the persisted keys in memory and commits every change as a
// single atomic file replacement.
type Registry struct {
	path       string
	fileClient file.FileOperations
	logger     zerolog.Logger
	cache      cmap.ConcurrentMap[string, string]
	commitMu   sync.Mutex
}

// New loads the registry file at path. A missing file starts empty.
func New(path string, fileClient file.FileOperations, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		path:       path,
		fileClient: fileClient,
		logger:     logger,
		cache:      cmap.New[string](),
	}

	exists, err := fileClient.IsFileExists(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat registry %s: %w", path, err)
	}
	if exists {
		values := map[string]string{}
		if err := fileClient.ReadJsonFile(path, &values); err != nil {
			return nil, fmt.Errorf("failed to read registry %s: %w", path, err)
		}
		r.cache.MSet(values)
	}

	logger.Debug().Str("path", path).Int("keys", r.cache.Count()).Msg("Registry loaded")
	return r, nil
}

func (r *Registry) Get(key string) (string, bool) {
	return r.cache.Get(key)
}

func (r *Registry) Set(key, value string) error {
	return r.SetMany(map[string]string{key: value})
}

// SetMany applies all values in one commit. On a failed commit the cache is
// restored so memory never runs ahead of disk.
func (r *Registry) SetMany(values map[string]string) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	previous := r.cache.Items()
	r.cache.MSet(values)
	if err := r.commit(); err != nil {
		r.restore(previous)
		return err
	}
	return nil
}

func (r *Registry) Delete(key string) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	if !r.cache.Has(key) {
		return nil
	}
	previous := r.cache.Items()
	r.cache.Remove(key)
	if err := r.commit(); err != nil {
		r.restore(previous)
		return err
	}
	return nil
}

func (r *Registry) commit() error {
	if err := r.fileClient.WriteJsonFile(r.path, r.cache.Items()); err != nil {
		r.logger.Error().Err(err).Str("path", r.path).Msg("Failed to commit registry")
		return fmt.Errorf("failed to commit registry: %w", err)
	}
	return nil
}

func (r *Registry) restore(items map[string]string) {
	r.cache.Clear()
	r.cache.MSet(items)
}

func (r *Registry) getString(key, def string) string {
	if v, ok := r.cache.Get(key); ok {
		return v
	}
	return def
}

func (r *Registry) UpdateURL() string {
	return r.getString(constants.KeyUpdateURL, "")
}

// AutoUpdate defaults to on when never set.
func (r *Registry) AutoUpdate() bool {
	v, ok := r.cache.Get(constants.KeyAutoUpdate)
	if !ok {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.logger.Warn().Str("value", v).Msg("Invalid auto_update value, treating as enabled")
		return true
	}
	return b
}

func (r *Registry) FailedVersion() string {
	return r.getString(constants.KeyFailedVersion, "")
}

func (r *Registry) SetFailedVersion(version string) error {
	r.logger.Warn().Str("version", version).Msg("Recording failed version")
	return r.Set(constants.KeyFailedVersion, version)
}

func (r *Registry) ClearFailedVersion() error {
	return r.Delete(constants.KeyFailedVersion)
}

func (r *Registry) PartitionVersion(label string) string {
	return r.getString(constants.KeyPartitionVersion+label, "")
}

func (r *Registry) SetPartitionVersion(label, version string) error {
	return r.Set(constants.KeyPartitionVersion+label, version)
}

func (r *Registry) BootCount() int {
	v, ok := r.cache.Get(constants.KeyBootCount)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func (r *Registry) LastPartition() string {
	return r.getString(constants.KeyLastPartition, "")
}
