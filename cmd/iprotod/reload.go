package main

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
)

// tunable is the runtime-adjustable surface of a running server.
type tunable interface {
	SetMsgMax(n int) error
	SetReadahead(n int) error
	Listen(addrs []string) error
	Addrs() []string
}

// configWatcher re-reads the config file whenever it changes and applies
// msg-max, readahead and listen to the running server.
type configWatcher struct {
	path    string
	target  tunable
	logger  pslog.Logger
	watcher *fsnotify.Watcher

	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	applied chan struct{}
}

// watchConfig watches the directory holding path so editors that replace the
// file by rename are noticed.
func watchConfig(path string, target tunable, logger pslog.Logger) (*configWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config directory %q: %w", filepath.Dir(path), err)
	}
	w := &configWatcher{
		path:    filepath.Clean(path),
		target:  target,
		logger:  logger,
		watcher: watcher,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		applied: make(chan struct{}, 1),
	}
	go w.run()
	logger.Info("iproto.config.watching", "path", w.path)
	return w, nil
}

func (w *configWatcher) Close() error {
	w.once.Do(func() {
		close(w.stop)
		w.watcher.Close()
		<-w.done
	})
	return nil
}

func (w *configWatcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := applyConfigFile(w.path, w.target, w.logger); err != nil {
				w.logger.Warn("iproto.config.reload_failed", "path", w.path, "error", err)
				continue
			}
			select {
			case w.applied <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("iproto.config.watch_error", "error", err)
		}
	}
}

// applyConfigFile reads path and applies the runtime-adjustable keys present
// in it. Keys absent from the file are left alone.
func applyConfigFile(path string, target tunable, logger pslog.Logger) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if v.IsSet("msg-max") {
		if err := target.SetMsgMax(v.GetInt("msg-max")); err != nil {
			return fmt.Errorf("msg-max: %w", err)
		}
	}
	if v.IsSet("readahead") {
		n, err := parseSize(v.GetString("readahead"))
		if err != nil {
			return fmt.Errorf("readahead: %w", err)
		}
		if err := target.SetReadahead(n); err != nil {
			return fmt.Errorf("readahead: %w", err)
		}
	}
	if v.IsSet("listen") {
		addrs := v.GetStringSlice("listen")
		if len(addrs) > 0 && !slices.Equal(addrs, target.Addrs()) {
			if err := target.Listen(addrs); err != nil {
				return fmt.Errorf("listen: %w", err)
			}
		}
	}
	logger.Info("iproto.config.reloaded", "path", path, "listen", target.Addrs())
	return nil
}
