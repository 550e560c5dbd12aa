// =============================================================================
// Cairn Configuration File Watcher
// =============================================================================
// 基于轮询 + 去抖的配置文件监听器，为热重载提供变更事件。
// 轮询比较 mtime 与文件大小，避免依赖平台相关的 inotify/kqueue。
// =============================================================================
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileOp 文件变更类型。轮询实现只能区分创建、写入、删除三种。
type FileOp int

const (
	FileOpCreate FileOp = iota
	FileOpWrite
	FileOpRemove
)

func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent 一次文件变更。
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// fileState is the per-path snapshot the poll loop compares against. Size
// is tracked alongside mtime so a same-second rewrite (coarse mtime
// granularity on some filesystems) is still caught when the length changed.
type fileState struct {
	modTime time.Time
	size    int64
}

// FileWatcher 轮询监听一组配置文件，经去抖后触发回调。
type FileWatcher struct {
	mu sync.RWMutex

	paths         []string
	pollInterval  time.Duration
	debounceDelay time.Duration

	running   bool
	stopChan  chan struct{}
	eventChan chan FileEvent

	callbacks []func(FileEvent)
	logger    *zap.Logger

	states map[string]fileState
}

// WatcherOption 配置 FileWatcher。
type WatcherOption func(*FileWatcher)

// WithDebounceDelay 设置事件去抖窗口。
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.debounceDelay = d }
}

// WithPollInterval 设置轮询间隔（默认 1s）。
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.pollInterval = d }
}

// WithWatcherLogger 设置日志器。
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) { w.logger = logger }
}

// NewFileWatcher 创建监听器。路径允许暂不存在（等待创建）。
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		paths:         paths,
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		stopChan:      make(chan struct{}),
		eventChan:     make(chan FileEvent, 64),
		states:        make(map[string]fileState),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				w.logger.Warn("config file does not exist yet, watching for creation",
					zap.String("path", path))
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	}
	return w, nil
}

// OnChange 注册变更回调。必须在 Start 之前或运行期间均可调用。
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start 启动轮询与事件分发 goroutine。
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	for _, path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.states[path] = fileState{modTime: info.ModTime(), size: info.Size()}
		}
	}
	w.mu.Unlock()

	go w.pollLoop(ctx)
	go w.dispatchLoop(ctx)

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("poll_interval", w.pollInterval),
		zap.Duration("debounce_delay", w.debounceDelay))
	return nil
}

// Stop 停止监听。重复调用是无害的。
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	close(w.stopChan)
	w.running = false
	w.logger.Info("file watcher stopped")
	return nil
}

func (w *FileWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.checkFiles()
		}
	}
}

// checkFiles 对比每个监听路径的 mtime/size 快照，产生变更事件。
func (w *FileWatcher) checkFiles() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				if _, tracked := w.states[path]; tracked {
					delete(w.states, path)
					w.emit(FileEvent{Path: path, Op: FileOpRemove, Timestamp: time.Now()})
				}
			}
			continue
		}

		next := fileState{modTime: info.ModTime(), size: info.Size()}
		prev, tracked := w.states[path]
		switch {
		case !tracked:
			w.states[path] = next
			w.emit(FileEvent{Path: path, Op: FileOpCreate, Timestamp: time.Now()})
		case next.modTime.After(prev.modTime) || next.size != prev.size:
			w.states[path] = next
			w.emit(FileEvent{Path: path, Op: FileOpWrite, Timestamp: time.Now()})
		}
	}
}

// emit best-effort enqueues onto the bounded event channel; the poll loop
// must never block behind a stalled dispatcher.
func (w *FileWatcher) emit(event FileEvent) {
	select {
	case w.eventChan <- event:
	default:
		w.logger.Warn("watcher event channel full, dropping event",
			zap.String("path", event.Path), zap.String("op", event.Op.String()))
	}
}

// dispatchLoop 去抖后把挂起事件分发给全部回调。同一路径在窗口内的多次
// 变更折叠为最后一次。
func (w *FileWatcher) dispatchLoop(ctx context.Context) {
	var (
		pending       = make(map[string]FileEvent)
		pendingMu     sync.Mutex
		debounceTimer *time.Timer
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event := <-w.eventChan:
			pendingMu.Lock()
			pending[event.Path] = event
			pendingMu.Unlock()

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounceDelay, func() {
				w.mu.RLock()
				callbacks := make([]func(FileEvent), len(w.callbacks))
				copy(callbacks, w.callbacks)
				w.mu.RUnlock()

				pendingMu.Lock()
				batch := pending
				pending = make(map[string]FileEvent)
				pendingMu.Unlock()

				for _, evt := range batch {
					w.logger.Debug("dispatching file event",
						zap.String("path", evt.Path), zap.String("op", evt.Op.String()))
					for _, cb := range callbacks {
						cb(evt)
					}
				}
			})
		}
	}
}

// AddPath 追加一个监听路径（解析为绝对路径，重复添加为无操作）。
func (w *FileWatcher) AddPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.paths {
		if p == absPath || p == path {
			return nil
		}
	}
	w.paths = append(w.paths, absPath)
	if info, statErr := os.Stat(absPath); statErr == nil {
		w.states[absPath] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	return nil
}

// RemovePath 移除监听路径；未在监听中则返回错误。
func (w *FileWatcher) RemovePath(path string) error {
	absPath, _ := filepath.Abs(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	for i, p := range w.paths {
		if p == absPath || p == path {
			w.paths = append(w.paths[:i], w.paths[i+1:]...)
			delete(w.states, p)
			return nil
		}
	}
	return fmt.Errorf("path not found: %s", path)
}

// Paths 返回当前监听路径快照。
func (w *FileWatcher) Paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	paths := make([]string, len(w.paths))
	copy(paths, w.paths)
	return paths
}

// IsRunning 报告监听器是否在运行。
func (w *FileWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
