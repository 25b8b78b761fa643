package confstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/hms-plane/clog"
	"github.com/ceyewan/hms-plane/xerrors"
)

// labelPlaceholder etcd 路径中代表空 label 的段
const labelPlaceholder = "_"

// etcdStore 键布局：
//
//	<prefix>/data/<app>/<profile>/<label|_>/<key>              当前值
//	<prefix>/history/<app>/<profile>/<label|_>/<key>/<version> 每个版本，版本号补零到 20 位
type etcdStore struct {
	cfg    *EtcdConfig
	client *clientv3.Client
	logger clog.Logger
	now    func() time.Time
	feed   *feed

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newEtcdStore(cfg *EtcdConfig, o *options) (*etcdStore, error) {
	client := o.etcdConn.GetClient()
	if client == nil {
		return nil, xerrors.Wrap(ErrConnectorNil, "etcd client is nil, call Connect first")
	}
	s := &etcdStore{
		cfg:    cfg,
		client: client,
		logger: o.logger,
		now:    o.now,
		feed:   newFeed(o.meter, string(DriverEtcd)),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.watchLoop(ctx)
	return s, nil
}

func (s *etcdStore) dataRoot() string { return strings.TrimSuffix(s.cfg.Prefix, "/") + "/data/" }

func (s *etcdStore) historyRoot() string {
	return strings.TrimSuffix(s.cfg.Prefix, "/") + "/history/"
}

func layerPath(c Coordinates) string {
	label := c.Label
	if label == "" {
		label = labelPlaceholder
	}
	return c.Application + "/" + c.Profile + "/" + label + "/"
}

func (s *etcdStore) dataKey(c Coordinates, key string) string {
	return s.dataRoot() + layerPath(c) + key
}

func (s *etcdStore) historyPrefix(c Coordinates, key string) string {
	return s.historyRoot() + layerPath(c) + key + "/"
}

func (s *etcdStore) historyKey(c Coordinates, key string, version int64) string {
	return s.historyPrefix(c, key) + fmt.Sprintf("%020d", version)
}

func decodeEntry(raw []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, xerrors.Wrap(err, "decode config entry")
	}
	return e, nil
}

func (s *etcdStore) Layer(ctx context.Context, c Coordinates) ([]Entry, error) {
	c, err := c.normalize()
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Get(ctx, s.dataRoot()+layerPath(c), clientv3.WithPrefix())
	if err != nil {
		return nil, xerrors.Wrapf(err, "get layer %s", c)
	}
	entries := make([]Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		e, err := decodeEntry(kv.Value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, nil
}

func (s *etcdStore) HasApplication(ctx context.Context, app string) (bool, error) {
	if err := validSegment("application", app, true); err != nil {
		return false, err
	}
	resp, err := s.client.Get(ctx, s.dataRoot()+app+"/", clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return false, xerrors.Wrapf(err, "count application %s", app)
	}
	return resp.Count > 0, nil
}

// latestVersion 历史中最大的版本号，没有历史时为 0
func (s *etcdStore) latestVersion(ctx context.Context, c Coordinates, key string) (int64, error) {
	resp, err := s.client.Get(ctx, s.historyPrefix(c, key), clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend), clientv3.WithLimit(1))
	if err != nil {
		return 0, err
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	e, err := decodeEntry(resp.Kvs[0].Value)
	if err != nil {
		return 0, err
	}
	return e.Version, nil
}

func (s *etcdStore) Put(ctx context.Context, c Coordinates, key, value string) (e Entry, err error) {
	defer func() { s.feed.countWrite(ctx, "put", err) }()

	c, err = c.normalize()
	if err != nil {
		return Entry{}, err
	}
	if err = validKey(key); err != nil {
		return Entry{}, err
	}
	return s.put(ctx, c, key, value)
}

func (s *etcdStore) put(ctx context.Context, c Coordinates, key, value string) (Entry, error) {
	dataKey := s.dataKey(c, key)
	for attempt := 0; attempt < s.cfg.MaxTxnRetries; attempt++ {
		cur, err := s.client.Get(ctx, dataKey)
		if err != nil {
			return Entry{}, xerrors.Wrapf(err, "get %s", dataKey)
		}

		var (
			version int64
			guard   clientv3.Cmp
		)
		if len(cur.Kvs) > 0 {
			prev, err := decodeEntry(cur.Kvs[0].Value)
			if err != nil {
				return Entry{}, err
			}
			version = prev.Version + 1
			guard = clientv3.Compare(clientv3.ModRevision(dataKey), "=", cur.Kvs[0].ModRevision)
		} else {
			// 删除后再写，版本号在历史基础上继续
			latest, err := s.latestVersion(ctx, c, key)
			if err != nil {
				return Entry{}, xerrors.Wrapf(err, "get history %s", dataKey)
			}
			version = latest + 1
			guard = clientv3.Compare(clientv3.CreateRevision(dataKey), "=", 0)
		}

		e := Entry{
			Application: c.Application,
			Profile:     c.Profile,
			Label:       c.Label,
			Key:         key,
			Value:       value,
			Version:     version,
			UpdatedAt:   s.now().UTC(),
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return Entry{}, xerrors.Wrap(err, "encode config entry")
		}
		historyKey := s.historyKey(c, key, version)

		resp, err := s.client.Txn(ctx).
			If(guard, clientv3.Compare(clientv3.CreateRevision(historyKey), "=", 0)).
			Then(clientv3.OpPut(dataKey, string(raw)), clientv3.OpPut(historyKey, string(raw))).
			Commit()
		if err != nil {
			return Entry{}, xerrors.Wrapf(err, "commit %s", dataKey)
		}
		if resp.Succeeded {
			return e, nil
		}
		s.logger.Debug("config write conflict, retrying",
			clog.String("key", dataKey), clog.Int("attempt", attempt+1))
	}
	return Entry{}, xerrors.Wrapf(ErrConflict, "%s %s", c, key)
}

func (s *etcdStore) Delete(ctx context.Context, c Coordinates, key string) (err error) {
	defer func() { s.feed.countWrite(ctx, "delete", err) }()

	c, err = c.normalize()
	if err != nil {
		return err
	}
	if err = validKey(key); err != nil {
		return err
	}
	dataKey := s.dataKey(c, key)
	for attempt := 0; attempt < s.cfg.MaxTxnRetries; attempt++ {
		cur, err := s.client.Get(ctx, dataKey)
		if err != nil {
			return xerrors.Wrapf(err, "get %s", dataKey)
		}
		if len(cur.Kvs) == 0 {
			return xerrors.Wrapf(ErrNotFound, "%s %s", c, key)
		}
		resp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(dataKey), "=", cur.Kvs[0].ModRevision)).
			Then(clientv3.OpDelete(dataKey)).
			Commit()
		if err != nil {
			return xerrors.Wrapf(err, "delete %s", dataKey)
		}
		if resp.Succeeded {
			return nil
		}
	}
	return xerrors.Wrapf(ErrConflict, "%s %s", c, key)
}

func (s *etcdStore) History(ctx context.Context, c Coordinates, key string) ([]Entry, error) {
	c, err := c.normalize()
	if err != nil {
		return nil, err
	}
	if err := validKey(key); err != nil {
		return nil, err
	}
	resp, err := s.client.Get(ctx, s.historyPrefix(c, key), clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, xerrors.Wrapf(err, "get history %s %s", c, key)
	}
	if len(resp.Kvs) == 0 {
		return nil, xerrors.Wrapf(ErrNotFound, "%s %s", c, key)
	}
	entries := make([]Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		e, err := decodeEntry(kv.Value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *etcdStore) Rollback(ctx context.Context, c Coordinates, key string, version int64) (e Entry, err error) {
	defer func() { s.feed.countWrite(ctx, "rollback", err) }()

	c, err = c.normalize()
	if err != nil {
		return Entry{}, err
	}
	if err = validKey(key); err != nil {
		return Entry{}, err
	}
	resp, err := s.client.Get(ctx, s.historyKey(c, key, version))
	if err != nil {
		return Entry{}, xerrors.Wrapf(err, "get version %d", version)
	}
	if len(resp.Kvs) == 0 {
		return Entry{}, xerrors.Wrapf(ErrNotFound, "%s %s version %d", c, key, version)
	}
	old, err := decodeEntry(resp.Kvs[0].Value)
	if err != nil {
		return Entry{}, err
	}
	return s.put(ctx, c, key, old.Value)
}

func (s *etcdStore) Changes() <-chan Change { return s.feed.changes() }

// watchLoop 监听 data 前缀，断开后按退避重连
func (s *etcdStore) watchLoop(ctx context.Context) {
	defer s.wg.Done()
	root := s.dataRoot()
	backoff := 100 * time.Millisecond

	for ctx.Err() == nil {
		wch := s.client.Watch(clientv3.WithRequireLeader(ctx), root, clientv3.WithPrefix())
		for resp := range wch {
			if err := resp.Err(); err != nil {
				s.logger.Warn("config watch error", clog.Error(err))
				break
			}
			backoff = 100 * time.Millisecond
			apps := make(map[string]bool)
			for _, ev := range resp.Events {
				rest := strings.TrimPrefix(string(ev.Kv.Key), root)
				if i := strings.Index(rest, "/"); i > 0 {
					apps[rest[:i]] = true
				}
			}
			now := s.now()
			for app := range apps {
				s.feed.emit(Change{Application: app, At: now})
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
	}
}

func (s *etcdStore) Close() error {
	if s.feed.closed() {
		return nil
	}
	s.feed.stop()
	s.cancel()
	s.wg.Wait()
	s.feed.closeCh()
	return nil
}
