package config

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher holds the current configuration and reloads it when the backing
// file changes. Consumers take a snapshot with Get.
type Watcher struct {
	path string

	l      sync.RWMutex
	config *Config
}

func configFromFile(path string) (*Config, error) {
	var config Config
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p := json.NewDecoder(f)
	p.DisallowUnknownFields()
	if err := p.Decode(&config); err != nil {
		return nil, err
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	log.Infof("Loaded configuration: %v", spew.Sdump(config))
	return &config, nil
}

// Static returns a Watcher which never reloads.
func Static(c *Config) *Watcher {
	c.applyDefaults()
	return &Watcher{config: c}
}

// Get returns the current configuration. The returned value must not be
// modified.
func (w *Watcher) Get() *Config {
	w.l.RLock()
	defer w.l.RUnlock()
	return w.config
}

func (w *Watcher) set(c *Config) {
	w.l.Lock()
	defer w.l.Unlock()
	w.config = c
}

func waitForChange(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-watcher.Errors:
		return err
	case <-watcher.Events:
	}
	// Editors tend to write in several steps; let them settle.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second / 10):
	}
	return ctx.Err()
}

// Load reads the configuration at path and keeps it up to date until ctx is
// cancelled. An invalid update is logged and the previous configuration kept.
func Load(ctx context.Context, path string) (*Watcher, error) {
	config, err := configFromFile(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, config: config}
	go func() {
		for ctx.Err() == nil {
			if err := waitForChange(ctx, path); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Errorf("Error waiting for config change: %v", err)
				// Avoid spinning if the file went away.
				time.Sleep(time.Second)
				continue
			}

			config, err := configFromFile(path)
			if err != nil {
				log.Errorf("Failed to load new config: %v", err)
				continue
			}
			w.set(config)
		}
	}()
	return w, nil
}
