package confstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/xerrors"
)

var yamlExts = []string{".yaml", ".yml"}

type fileValue struct {
	value     string
	version   int64
	updatedAt time.Time
}

// fileStore 只读文件后端。文件按相对路径缓存，不在加载时解释应用名。
type fileStore struct {
	cfg    *FileConfig
	logger clog.Logger
	now    func() time.Time
	feed   *feed

	mu    sync.RWMutex
	files map[string]map[string]fileValue // 相对路径 (不含扩展名) -> key -> value

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newFileStore(cfg *FileConfig, o *options) (*fileStore, error) {
	info, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.Join(ErrInvalidConfig, err), "config root %s", cfg.Root)
	}
	if !info.IsDir() {
		return nil, xerrors.Wrapf(ErrInvalidConfig, "config root %s is not a directory", cfg.Root)
	}

	s := &fileStore{
		cfg:    cfg,
		logger: o.logger,
		now:    o.now,
		feed:   newFeed(o.meter, string(DriverFile)),
		files:  make(map[string]map[string]fileValue),
	}
	if _, err := s.reload(); err != nil {
		return nil, err
	}

	if *cfg.Watch {
		if err := s.startWatch(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// readAll 读取根目录与一级子目录 (label) 下的 YAML 文件
func (s *fileStore) readAll() (map[string]map[string]string, error) {
	result := make(map[string]map[string]string)
	read := func(dir, rel string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := filepath.Ext(e.Name())
			if !isYAML(ext) {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				return err
			}
			kv, err := parseYAML(data)
			if err != nil {
				return xerrors.Wrapf(err, "parse %s", filepath.Join(rel, e.Name()))
			}
			name := strings.TrimSuffix(e.Name(), ext)
			key := name
			if rel != "" {
				key = rel + "/" + name
			}
			// .yaml 优先于 .yml
			if _, dup := result[key]; dup && ext == ".yml" {
				continue
			}
			result[key] = kv
		}
		return nil
	}

	if err := read(s.cfg.Root, ""); err != nil {
		return nil, err
	}
	dirs, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		if d.IsDir() && !strings.HasPrefix(d.Name(), ".") {
			if err := read(filepath.Join(s.cfg.Root, d.Name()), d.Name()); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

func isYAML(ext string) bool {
	for _, e := range yamlExts {
		if ext == e {
			return true
		}
	}
	return false
}

// reload 重新读取全部文件，返回受影响的文件
func (s *fileStore) reload() ([]string, error) {
	raw, err := s.readAll()
	if err != nil {
		return nil, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	next := make(map[string]map[string]fileValue, len(raw))
	for path, kv := range raw {
		prev := s.files[path]
		cur := make(map[string]fileValue, len(kv))
		dirty := len(prev) != len(kv)
		for k, v := range kv {
			old, ok := prev[k]
			switch {
			case !ok:
				cur[k] = fileValue{value: v, version: 1, updatedAt: now}
				dirty = true
			case old.value != v:
				cur[k] = fileValue{value: v, version: old.version + 1, updatedAt: now}
				dirty = true
			default:
				cur[k] = old
			}
		}
		next[path] = cur
		if dirty {
			changed = append(changed, path)
		}
	}
	for path := range s.files {
		if _, ok := next[path]; !ok {
			changed = append(changed, path)
		}
	}
	s.files = next
	return changed, nil
}

// fileName 坐标对应的文件相对路径 (不含扩展名)
func fileName(c Coordinates) string {
	name := c.Application
	if c.Profile != DefaultProfile {
		name += "-" + c.Profile
	}
	if c.Label != "" {
		name = c.Label + "/" + name
	}
	return name
}

// candidateApps 文件名可能对应的应用。无法区分 "a-b" 是应用名还是 a 的 profile b，
// 两者都通知，刷新是幂等的。
func candidateApps(path string) []string {
	base := path
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	apps := []string{base}
	if i := strings.LastIndex(base, "-"); i > 0 {
		apps = append(apps, base[:i])
	}
	return apps
}

func (s *fileStore) Layer(_ context.Context, c Coordinates) ([]Entry, error) {
	c, err := c.normalize()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	kv := s.files[fileName(c)]
	entries := make([]Entry, 0, len(kv))
	for k, v := range kv {
		entries = append(entries, s.entry(c, k, v))
	}
	sortEntries(entries)
	return entries, nil
}

func (s *fileStore) entry(c Coordinates, key string, v fileValue) Entry {
	return Entry{
		Application: c.Application,
		Profile:     c.Profile,
		Label:       c.Label,
		Key:         key,
		Value:       v.value,
		Version:     v.version,
		UpdatedAt:   v.updatedAt,
	}
}

func (s *fileStore) HasApplication(_ context.Context, app string) (bool, error) {
	if err := validSegment("application", app, true); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for path := range s.files {
		base := path
		if i := strings.LastIndex(base, "/"); i >= 0 {
			base = base[i+1:]
		}
		if base == app {
			return true, nil
		}
		if rest, ok := strings.CutPrefix(base, app+"-"); ok && rest != "" && !strings.Contains(rest, "-") {
			return true, nil
		}
	}
	return false, nil
}

func (s *fileStore) Put(context.Context, Coordinates, string, string) (Entry, error) {
	return Entry{}, ErrReadOnly
}

func (s *fileStore) Delete(context.Context, Coordinates, string) error {
	return ErrReadOnly
}

func (s *fileStore) Rollback(context.Context, Coordinates, string, int64) (Entry, error) {
	return Entry{}, ErrReadOnly
}

// History 文件后端不保留历史，只返回当前值
func (s *fileStore) History(_ context.Context, c Coordinates, key string) ([]Entry, error) {
	c, err := c.normalize()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.files[fileName(c)][key]
	if !ok {
		return nil, xerrors.Wrapf(ErrNotFound, "%s %s", c, key)
	}
	return []Entry{s.entry(c, key, v)}, nil
}

func (s *fileStore) Changes() <-chan Change { return s.feed.changes() }

func (s *fileStore) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return xerrors.Wrap(err, "create file watcher")
	}
	if err := w.Add(s.cfg.Root); err != nil {
		_ = w.Close()
		return xerrors.Wrapf(err, "watch %s", s.cfg.Root)
	}
	dirs, _ := os.ReadDir(s.cfg.Root)
	for _, d := range dirs {
		if d.IsDir() && !strings.HasPrefix(d.Name(), ".") {
			_ = w.Add(filepath.Join(s.cfg.Root, d.Name()))
		}
	}
	s.watcher = w

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.watchLoop(ctx)
	return nil
}

// watchLoop 合并一个窗口内的文件事件后再重载
func (s *fileStore) watchLoop(ctx context.Context) {
	defer s.wg.Done()
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) && filepath.Dir(ev.Name) == filepath.Clean(s.cfg.Root) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = s.watcher.Add(ev.Name)
				}
			}
			if !pending {
				pending = true
				timer.Reset(s.cfg.Debounce)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("file watcher error", clog.Error(err))
		case <-timer.C:
			pending = false
			s.applyReload(ctx)
		}
	}
}

func (s *fileStore) applyReload(ctx context.Context) {
	changed, err := s.reload()
	if err != nil {
		// 保留上一次成功加载的内容
		s.logger.Error("reload config files failed, keeping previous state", clog.Error(err))
		return
	}
	if len(changed) == 0 {
		return
	}
	s.logger.Info("config files reloaded", clog.Strings("files", changed))

	seen := make(map[string]bool)
	now := s.now()
	for _, path := range changed {
		for _, app := range candidateApps(path) {
			if seen[app] {
				continue
			}
			seen[app] = true
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.feed.emit(Change{Application: app, At: now})
		}
	}
}

func (s *fileStore) Close() error {
	if s.feed.closed() {
		return nil
	}
	s.feed.stop()
	var err error
	if s.watcher != nil {
		s.cancel()
		err = s.watcher.Close()
		s.wg.Wait()
	}
	s.feed.closeCh()
	return err
}
