package confstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/xerrors"
)

// entryRow 每个版本一行，Current 标记当前值；删除只清除 Current
type entryRow struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	Application string    `gorm:"size:128;not null;uniqueIndex:uk_config_version,priority:1;index:idx_config_layer,priority:1"`
	Profile     string    `gorm:"size:64;not null;uniqueIndex:uk_config_version,priority:2;index:idx_config_layer,priority:2"`
	Label       string    `gorm:"size:64;not null;uniqueIndex:uk_config_version,priority:3;index:idx_config_layer,priority:3"`
	Key         string    `gorm:"column:config_key;size:255;not null;uniqueIndex:uk_config_version,priority:4"`
	Version     int64     `gorm:"not null;uniqueIndex:uk_config_version,priority:5"`
	Value       string    `gorm:"type:text;not null"`
	Current     bool      `gorm:"column:is_current;not null;index:idx_config_layer,priority:4"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"index"`
}

func (entryRow) TableName() string { return "config_entries" }

func (r *entryRow) entry() Entry {
	return Entry{
		Application: r.Application,
		Profile:     r.Profile,
		Label:       r.Label,
		Key:         r.Key,
		Value:       r.Value,
		Version:     r.Version,
		UpdatedAt:   r.CreatedAt,
	}
}

func layerCond(c Coordinates) map[string]any {
	return map[string]any{"application": c.Application, "profile": c.Profile, "label": c.Label}
}

func keyCond(c Coordinates, key string) map[string]any {
	m := layerCond(c)
	m["config_key"] = key
	return m
}

type sqlStore struct {
	cfg    *SQLConfig
	db     *gorm.DB
	logger clog.Logger
	now    func() time.Time
	feed   *feed

	// 进程内写入串行化，跨进程冲突由唯一索引兜底
	mu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSQLStore(cfg *SQLConfig, o *options) (*sqlStore, error) {
	db := o.sqlConn.GetClient()
	if db == nil {
		return nil, xerrors.Wrap(ErrConnectorNil, "sql client is nil, call Connect first")
	}
	if *cfg.AutoMigrate {
		if err := db.AutoMigrate(&entryRow{}); err != nil {
			return nil, xerrors.Wrap(err, "migrate config_entries")
		}
	}

	s := &sqlStore{
		cfg:    cfg,
		db:     db,
		logger: o.logger,
		now:    o.now,
		feed:   newFeed(o.meter, string(DriverSQL)),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if cfg.PollInterval > 0 {
		s.wg.Add(1)
		go s.pollLoop(ctx)
	}
	return s, nil
}

func (s *sqlStore) Layer(ctx context.Context, c Coordinates) ([]Entry, error) {
	c, err := c.normalize()
	if err != nil {
		return nil, err
	}
	var rows []entryRow
	err = s.db.WithContext(ctx).
		Where(layerCond(c)).
		Where("is_current = ?", true).
		Order("config_key").
		Find(&rows).Error
	if err != nil {
		return nil, xerrors.Wrapf(err, "query layer %s", c)
	}
	entries := make([]Entry, 0, len(rows))
	for i := range rows {
		entries = append(entries, rows[i].entry())
	}
	return entries, nil
}

func (s *sqlStore) HasApplication(ctx context.Context, app string) (bool, error) {
	if err := validSegment("application", app, true); err != nil {
		return false, err
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&entryRow{}).
		Where("application = ? AND is_current = ?", app, true).
		Limit(1).Count(&n).Error
	if err != nil {
		return false, xerrors.Wrapf(err, "count application %s", app)
	}
	return n > 0, nil
}

func (s *sqlStore) Put(ctx context.Context, c Coordinates, key, value string) (e Entry, err error) {
	defer func() { s.feed.countWrite(ctx, "put", err) }()

	c, err = c.normalize()
	if err != nil {
		return Entry{}, err
	}
	if err = validKey(key); err != nil {
		return Entry{}, err
	}
	e, err = s.put(ctx, c, key, value)
	if err == nil {
		s.feed.emit(Change{Application: c.Application, At: s.now()})
	}
	return e, err
}

func (s *sqlStore) put(ctx context.Context, c Coordinates, key, value string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := entryRow{
		Application: c.Application,
		Profile:     c.Profile,
		Label:       c.Label,
		Key:         key,
		Value:       value,
		Current:     true,
		CreatedAt:   s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest int64
		if err := tx.Model(&entryRow{}).
			Where(keyCond(c, key)).
			Select("COALESCE(MAX(version), 0)").
			Scan(&latest).Error; err != nil {
			return err
		}
		if err := tx.Model(&entryRow{}).
			Where(keyCond(c, key)).
			Where("is_current = ?", true).
			Update("is_current", false).Error; err != nil {
			return err
		}
		row.Version = latest + 1
		return tx.Create(&row).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return Entry{}, xerrors.Wrapf(ErrConflict, "%s %s", c, key)
		}
		return Entry{}, xerrors.Wrapf(err, "write %s %s", c, key)
	}
	return row.entry(), nil
}

func (s *sqlStore) Delete(ctx context.Context, c Coordinates, key string) (err error) {
	defer func() { s.feed.countWrite(ctx, "delete", err) }()

	c, err = c.normalize()
	if err != nil {
		return err
	}
	if err = validKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	res := s.db.WithContext(ctx).Model(&entryRow{}).
		Where(keyCond(c, key)).
		Where("is_current = ?", true).
		Update("is_current", false)
	s.mu.Unlock()

	if res.Error != nil {
		return xerrors.Wrapf(res.Error, "delete %s %s", c, key)
	}
	if res.RowsAffected == 0 {
		return xerrors.Wrapf(ErrNotFound, "%s %s", c, key)
	}
	s.feed.emit(Change{Application: c.Application, At: s.now()})
	return nil
}

func (s *sqlStore) History(ctx context.Context, c Coordinates, key string) ([]Entry, error) {
	c, err := c.normalize()
	if err != nil {
		return nil, err
	}
	if err := validKey(key); err != nil {
		return nil, err
	}
	var rows []entryRow
	if err := s.db.WithContext(ctx).Where(keyCond(c, key)).Order("version").Find(&rows).Error; err != nil {
		return nil, xerrors.Wrapf(err, "query history %s %s", c, key)
	}
	if len(rows) == 0 {
		return nil, xerrors.Wrapf(ErrNotFound, "%s %s", c, key)
	}
	entries := make([]Entry, 0, len(rows))
	for i := range rows {
		entries = append(entries, rows[i].entry())
	}
	return entries, nil
}

func (s *sqlStore) Rollback(ctx context.Context, c Coordinates, key string, version int64) (e Entry, err error) {
	defer func() { s.feed.countWrite(ctx, "rollback", err) }()

	c, err = c.normalize()
	if err != nil {
		return Entry{}, err
	}
	if err = validKey(key); err != nil {
		return Entry{}, err
	}
	var old entryRow
	err = s.db.WithContext(ctx).Where(keyCond(c, key)).Where("version = ?", version).Take(&old).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, xerrors.Wrapf(ErrNotFound, "%s %s version %d", c, key, version)
	}
	if err != nil {
		return Entry{}, xerrors.Wrapf(err, "query version %d", version)
	}
	e, err = s.put(ctx, c, key, old.Value)
	if err == nil {
		s.feed.emit(Change{Application: c.Application, At: s.now()})
	}
	return e, err
}

func (s *sqlStore) Changes() <-chan Change { return s.feed.changes() }

// pollLoop 发现其他进程的写入。本进程的写入也会被再通知一次，刷新是幂等的。
func (s *sqlStore) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var (
		since time.Time
		last  entryRow
	)
	err := s.db.WithContext(ctx).Order("updated_at DESC").Take(&last).Error
	switch {
	case err == nil:
		since = last.UpdatedAt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		s.logger.Warn("init config poll cursor failed", clog.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var rows []entryRow
		err := s.db.WithContext(ctx).
			Select("application", "updated_at").
			Where("updated_at > ?", since).
			Find(&rows).Error
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("poll config changes failed", clog.Error(err))
			}
			continue
		}
		apps := make(map[string]bool)
		for _, r := range rows {
			apps[r.Application] = true
			if r.UpdatedAt.After(since) {
				since = r.UpdatedAt
			}
		}
		now := s.now()
		for app := range apps {
			s.feed.emit(Change{Application: app, At: now})
		}
	}
}

func (s *sqlStore) Close() error {
	if s.feed.closed() {
		return nil
	}
	s.feed.stop()
	s.cancel()
	s.wg.Wait()
	s.feed.closeCh()
	return nil
}
