package params

import (
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// WatchOverrideFile watches path for writes and re-applies it as a
// "composite=value" overrides file each time it changes, without
// restarting the process. The returned stop function closes the watcher;
// callers should defer it.
//
// This is a small, purpose-built counterpart to the teacher's
// pkg/hotreload.ConfigReloader (677 lines, generic multi-format config
// watching with debounce/versioning for a whole Config tree): the
// registry only ever needs to re-run one key=value parser on one file, so
// the generic machinery does not earn its keep here — see DESIGN.md.
func (r *Registry) WatchOverrideFile(path string) (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if loadErr := r.loadOverrideFile(path); loadErr != nil {
		r.log.WithError(loadErr).WithField("path", path).Warn("initial override file load failed")
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.loadOverrideFile(path); err != nil {
					r.log.WithError(err).WithField("path", path).Warn("override file reload failed")
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.WithError(watchErr).WithField("path", path).Warn("override file watcher error")
			case <-done:
				return
			}
		}
	}()

	stopped := false
	return func() error {
		if stopped {
			return nil
		}
		stopped = true
		close(done)
		logrus.WithField("path", path).Debug("stopping override file watcher")
		return watcher.Close()
	}, nil
}
