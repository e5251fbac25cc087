package eolstation

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

const reloadDebounce = 250 * time.Millisecond

// familiesWatcher calls reload whenever the families file changes on disk.
// Editors often replace files instead of writing them, so the parent
// directory is watched and events are filtered by name.
type familiesWatcher struct {
	watcher *fsnotify.Watcher
	file    string
	reload  func()
	logger  logging.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func watchFamilies(file string, reload func(), logger logging.Logger) (*familiesWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, err
	}

	fw := &familiesWatcher{
		watcher: w,
		file:    abs,
		reload:  reload,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	goutils.PanicCapturingGo(fw.run)
	logger.Infof("watching %s for changes", abs)
	return fw, nil
}

func (fw *familiesWatcher) run() {
	defer close(fw.doneCh)

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-fw.stopCh:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.file {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(reloadDebounce)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warnw("families watcher error", "error", err)
		case <-debounce.C:
			fw.reload()
		}
	}
}

func (fw *familiesWatcher) Close() error {
	close(fw.stopCh)
	<-fw.doneCh
	return fw.watcher.Close()
}
