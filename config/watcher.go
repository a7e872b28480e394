// 配置文件变更监听器实现。
//
// 监听配置文件所在目录（编辑器常以 rename 方式保存），按文件名过滤并去抖后触发回调。
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileEvent 配置文件变更事件
type FileEvent struct {
	// Path 变更的文件路径
	Path string `json:"path"`

	// Op 操作类型
	Op FileOp `json:"op"`

	// Timestamp 事件发生时间
	Timestamp time.Time `json:"timestamp"`
}

// FileOp 文件操作类型
type FileOp int

const (
	// FileOpCreate 文件已创建
	FileOpCreate FileOp = iota
	// FileOpWrite 文件已修改
	FileOpWrite
	// FileOpRemove 文件已删除
	FileOpRemove
	// FileOpRename 文件已重命名
	FileOpRename
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	case FileOpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

func toFileOp(op fsnotify.Op) (FileOp, bool) {
	switch {
	case op.Has(fsnotify.Write):
		return FileOpWrite, true
	case op.Has(fsnotify.Create):
		return FileOpCreate, true
	case op.Has(fsnotify.Rename):
		return FileOpRename, true
	case op.Has(fsnotify.Remove):
		return FileOpRemove, true
	default:
		// chmod 不触发重载
		return 0, false
	}
}

// FileWatcher 监听单个配置文件
type FileWatcher struct {
	mu sync.Mutex

	path          string
	debounceDelay time.Duration
	callbacks     []func(FileEvent)
	logger        *zap.Logger

	watcher *fsnotify.Watcher
	timer   *time.Timer
	pending FileEvent
	cancel  context.CancelFunc
	done    chan struct{}
}

// WatcherOption 监听器选项
type WatcherOption func(*FileWatcher)

// WithDebounceDelay 设置去抖间隔
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = d
	}
}

// WithWatcherLogger 设置日志
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewFileWatcher 创建配置文件监听器
func NewFileWatcher(path string, opts ...WatcherOption) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	w := &FileWatcher{
		path:          abs,
		debounceDelay: 200 * time.Millisecond,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))
	return w, nil
}

// OnChange 注册变更回调，需在 Start 之前调用
func (w *FileWatcher) OnChange(fn func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Path 返回被监听文件的绝对路径
func (w *FileWatcher) Path() string { return w.path }

// Start 开始监听，ctx 取消或调用 Stop 后退出
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return fmt.Errorf("watcher already running")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.watcher = fw
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx, fw, w.done)

	w.logger.Info("watching config file", zap.String("path", w.path))
	return nil
}

// Stop 停止监听并等待事件循环退出
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	if w.watcher == nil {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.watcher = nil
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	cancel()
	<-done
}

func (w *FileWatcher) loop(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer fw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			op, ok := toFileOp(ev.Op)
			if !ok {
				continue
			}
			w.schedule(FileEvent{Path: w.path, Op: op, Timestamp: time.Now()})
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// schedule 合并去抖窗口内的事件，只投递最后一个
func (w *FileWatcher) schedule(ev FileEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return
	}
	w.pending = ev
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceDelay, w.fire)
}

func (w *FileWatcher) fire() {
	w.mu.Lock()
	if w.watcher == nil {
		w.mu.Unlock()
		return
	}
	ev := w.pending
	callbacks := append([]func(FileEvent){}, w.callbacks...)
	w.timer = nil
	w.mu.Unlock()

	w.logger.Debug("config file changed", zap.String("op", ev.Op.String()))
	for _, cb := range callbacks {
		cb(ev)
	}
}
