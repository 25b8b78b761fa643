package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ceyewan/hms-plane/discovery"
	"github.com/ceyewan/hms-plane/registry"
	"github.com/ceyewan/hms-plane/trace"
	"github.com/ceyewan/hms-plane/xerrors"
)

// discoveryClient Discovery Service 的 REST 客户端，失败时轮换地址
type discoveryClient struct {
	servers []string
	next    atomic.Uint32
	http    *http.Client
	timeout time.Duration
}

func (d *discoveryClient) server() string {
	return d.servers[int(d.next.Load())%len(d.servers)]
}

func (d *discoveryClient) rotate() {
	if len(d.servers) > 1 {
		d.next.Add(1)
	}
}

// call 发送请求，extra 为长轮询额外的超时预算。非 2xx 响应转为带分类码的错误。
func (d *discoveryClient) call(ctx context.Context, method, path string, in, out any, extra time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout+extra)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, xerrors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.server()+path, body)
	if err != nil {
		return 0, xerrors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	trace.InjectHTTP(ctx, req.Header)

	resp, err := d.http.Do(req)
	if err != nil {
		return 0, xerrors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e xerrors.Response
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
			return resp.StatusCode, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
		return resp.StatusCode, xerrors.WithCode(xerrors.New(e.Message), e.Code)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, xerrors.Wrapf(err, "decode %s %s", method, path)
		}
	}
	return resp.StatusCode, nil
}

func (d *discoveryClient) register(ctx context.Context, req *discovery.RegisterRequest) (*discovery.RegisterResponse, error) {
	var resp discovery.RegisterResponse
	if _, err := d.call(ctx, http.MethodPost, "/register", req, &resp, 0); err != nil {
		return nil, err
	}
	return &resp, nil
}

func instancePath(prefix, svc, id string) string {
	return prefix + url.PathEscape(svc) + "/" + url.PathEscape(id)
}

func (d *discoveryClient) renew(ctx context.Context, svc, id string) error {
	status, err := d.call(ctx, http.MethodPut, instancePath("/renew/", svc, id), nil, nil, 0)
	if status == http.StatusNotFound {
		return xerrors.Join(errLeaseGone, err)
	}
	return err
}

func (d *discoveryClient) deregister(ctx context.Context, svc, id string) error {
	_, err := d.call(ctx, http.MethodDelete, instancePath("/deregister/", svc, id), nil, nil, 0)
	return err
}

func (d *discoveryClient) instances(ctx context.Context, svc string) ([]*registry.ServiceInstance, error) {
	var list []*registry.ServiceInstance
	if _, err := d.call(ctx, http.MethodGet, "/instances/"+url.PathEscape(svc), nil, &list, 0); err != nil {
		return nil, err
	}
	return list, nil
}

func (d *discoveryClient) services(ctx context.Context) (*registry.Snapshot, error) {
	var snap registry.Snapshot
	if _, err := d.call(ctx, http.MethodGet, "/services", nil, &snap, 0); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (d *discoveryClient) watch(ctx context.Context, since uint64, epoch string, timeout time.Duration) (*discovery.WatchResponse, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatUint(since, 10))
	q.Set("timeoutMs", strconv.FormatInt(timeout.Milliseconds(), 10))
	if epoch != "" {
		q.Set("epoch", epoch)
	}
	var res discovery.WatchResponse
	if _, err := d.call(ctx, http.MethodGet, "/watch?"+q.Encode(), nil, &res, timeout); err != nil {
		return nil, err
	}
	return &res, nil
}
