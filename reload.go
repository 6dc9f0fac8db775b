package fasttime

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// watchDebounce is how long the wasm file has to stay quiet before a change is reloaded. Build
// tools usually write the binary in several steps.
const watchDebounce = time.Second

// EnableReloadOnSIGHUP reloads the wasm file every time the process receives SIGHUP. It stops
// when ctx is done.
func (f *Fasttime) EnableReloadOnSIGHUP(ctx context.Context) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, unix.SIGHUP)

	go func() {
		defer signal.Stop(c)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c:
				f.log.Info("SIGHUP received, reloading", zap.String("wasm", f.wasmfile))
				f.reportReload(f.Reload(ctx))
			}
		}
	}()
}

// Watch reloads the wasm file whenever it changes on disk, until ctx is done. The parent
// directory is watched so the file can be replaced by a rename.
func (f *Fasttime) Watch(ctx context.Context) error {
	if f.wasmfile == "" {
		return errors.New("fasttime: no wasm file to watch")
	}
	path, err := filepath.Abs(f.wasmfile)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()

		timer := time.NewTimer(watchDebounce)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path {
					continue
				}
				f.log.Debug("wasm file changed", zap.String("path", path), zap.Stringer("op", ev.Op))
				timer.Reset(watchDebounce)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.log.Warn("watching wasm file", zap.Error(err))
			case <-timer.C:
				if _, err := os.Stat(path); err != nil {
					// removed, and not replaced yet
					f.log.Debug("wasm file missing, waiting", zap.String("path", path))
					continue
				}
				f.reportReload(f.Reload(ctx))
			}
		}
	}()
	return nil
}

func (f *Fasttime) reportReload(err error) {
	if err != nil {
		f.log.Error("reload failed, previous module still active", zap.Error(err))
		return
	}
	if m := f.CurrentModule(); m != nil {
		f.log.Info("serving module", zap.String("module", m.String()), zap.Uint64("generation", m.Generation))
	}
}
