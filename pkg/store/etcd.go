package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	client "go.etcd.io/etcd/client/v2"

	"github.com/confctl/confctl/pkg/config"
)

const lockTTL = 60 * time.Second

func init() {
	MustRegister("etcd", newEtcdDriver)
}

// etcdDriver speaks the etcd v2 keys API. Every value stored at a leaf is a
// JSON object; anything else at a leaf is reported as a BackendError.
type etcdDriver struct {
	kapi client.KeysAPI
	base string

	mu    sync.Mutex
	locks map[string]string
}

func newEtcdDriver(cfg config.Config) (Driver, error) {
	configfile := "/etc/conftool/etcdrc"
	if v, ok := cfg.DriverOptions["etcd_config_file"].(string); ok && v != "" {
		configfile = v
	}
	rc := loadRC(configfile)

	endpoints := cfg.Hosts
	if len(rc.Hosts) > 0 {
		endpoints = rc.Hosts
	} else if rc.Host != "" {
		proto := rc.Protocol
		if proto == "" {
			proto = "https"
		}
		port := rc.Port
		if port == 0 {
			port = 2379
		}
		endpoints = []string{fmt.Sprintf("%s://%s:%d", proto, rc.Host, port)}
	}

	transport, err := rcTransport(rc)
	if err != nil {
		return nil, err
	}
	c, err := client.New(client.Config{
		Endpoints:               endpoints,
		Transport:               transport,
		Username:                rc.Username,
		Password:                rc.Password,
		HeaderTimeoutPerRequest: 3 * time.Second,
	})
	if err != nil {
		return nil, wrapErr("", err)
	}
	return &etcdDriver{
		kapi:  client.NewKeysAPI(c),
		base:  basePath(cfg),
		locks: map[string]string{},
	}, nil
}

// rcTransport builds the HTTP transport, loading TLS material when the rc
// files point at certificates.
func rcTransport(rc rcConfig) (client.CancelableTransport, error) {
	tlsConfig := &tls.Config{}
	if rc.CACert != "" {
		pem, err := os.ReadFile(rc.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading ca_cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", rc.CACert)
		}
		tlsConfig.RootCAs = pool
	}
	if rc.Cert != "" && rc.Key != "" {
		cert, err := tls.LoadX509KeyPair(rc.Cert, rc.Key)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     tlsConfig,
	}, nil
}

// retryPolicy bounds transient-failure retries: transport hiccups are worth
// a couple of attempts, anything else is permanent.
func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	return backoff.WithMaxRetries(b, 3)
}

func isTransient(err error) bool {
	var ce *client.ClusterError
	return errors.As(err, &ce)
}

func (d *etcdDriver) get(ctx context.Context, key string, opts *client.GetOptions) (*client.Response, error) {
	var resp *client.Response
	err := backoff.Retry(func() error {
		var err error
		resp, err = d.kapi.Get(ctx, key, opts)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(retryPolicy(), ctx))
	return resp, err
}

func (d *etcdDriver) Read(ctx context.Context, key string) (map[string]interface{}, error) {
	p := abspath(d.base, key)
	resp, err := d.get(ctx, p, &client.GetOptions{Quorum: true})
	if err != nil {
		return nil, d.wrap(p, err)
	}
	return d.data(resp.Node)
}

func (d *etcdDriver) Write(ctx context.Context, key string, value map[string]interface{}) error {
	p := abspath(d.base, key)
	resp, err := d.get(ctx, p, &client.GetOptions{Quorum: true})
	if err != nil {
		if !errors.Is(d.wrap(p, err), ErrNotFound) {
			return d.wrap(p, err)
		}
		// Create, guarded against concurrent creation.
		raw, err := json.Marshal(value)
		if err != nil {
			return wrapErr(p, err)
		}
		_, err = d.kapi.Set(ctx, p, string(raw), &client.SetOptions{PrevExist: client.PrevNoExist})
		return d.wrap(p, err)
	}

	// Merge into the existing object: a shallow update, so an incoming
	// top-level value wholly replaces the stored one.
	current, err := d.data(resp.Node)
	if err != nil {
		return err
	}
	for k, v := range value {
		current[k] = v
	}
	raw, err := json.Marshal(current)
	if err != nil {
		return wrapErr(p, err)
	}
	_, err = d.kapi.Set(ctx, p, string(raw), &client.SetOptions{PrevIndex: resp.Node.ModifiedIndex})
	return d.wrap(p, err)
}

func (d *etcdDriver) Delete(ctx context.Context, key string) error {
	p := abspath(d.base, key)
	_, err := d.kapi.Delete(ctx, p, nil)
	if err := d.wrap(p, err); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (d *etcdDriver) IsDir(ctx context.Context, p string) (bool, error) {
	key := abspath(d.base, p)
	resp, err := d.get(ctx, key, nil)
	if err != nil {
		if errors.Is(d.wrap(key, err), ErrNotFound) {
			return false, nil
		}
		return false, d.wrap(key, err)
	}
	return resp.Node.Dir, nil
}

func (d *etcdDriver) Ls(ctx context.Context, p string, recursive bool) ([]KV, error) {
	nodes, err := d.ls(ctx, p, recursive)
	if err != nil {
		return nil, err
	}
	prefix := abspath(d.base, p) + "/"
	res := make([]KV, 0, len(nodes))
	for _, n := range nodes {
		if recursive && n.Dir {
			continue
		}
		value, err := d.data(n)
		if err != nil && !n.Dir {
			return nil, err
		}
		res = append(res, KV{Key: strings.TrimPrefix(n.Key, prefix), Value: value})
	}
	return res, nil
}

func (d *etcdDriver) AllKeys(ctx context.Context, p string) ([][]string, error) {
	nodes, err := d.ls(ctx, p, true)
	if err != nil {
		return nil, err
	}
	prefix := abspath(d.base, p) + "/"
	var res [][]string
	for _, n := range nodes {
		if n.Dir {
			continue
		}
		rel := strings.ReplaceAll(strings.TrimPrefix(n.Key, prefix), "//", "/")
		res = append(res, strings.Split(rel, "/"))
	}
	return res, nil
}

func (d *etcdDriver) AllData(ctx context.Context, p string) ([]KV, error) {
	return d.Ls(ctx, p, true)
}

func (d *etcdDriver) FindInPath(ctx context.Context, p string, name string) ([][]string, error) {
	keys, err := d.AllKeys(ctx, p)
	if err != nil {
		return nil, err
	}
	var res [][]string
	for _, segments := range keys {
		if segments[len(segments)-1] == name {
			res = append(res, segments)
		}
	}
	return res, nil
}

func (d *etcdDriver) ls(ctx context.Context, p string, recursive bool) ([]*client.Node, error) {
	key := abspath(d.base, p)
	resp, err := d.get(ctx, key, &client.GetOptions{Recursive: recursive, Quorum: true})
	if err != nil {
		return nil, d.wrap(key, err)
	}
	if !resp.Node.Dir {
		return nil, &BackendError{Key: key, Err: fmt.Errorf("not a directory")}
	}
	var flatten func(n *client.Node) []*client.Node
	flatten = func(n *client.Node) []*client.Node {
		var out []*client.Node
		for _, child := range n.Nodes {
			out = append(out, child)
			if recursive {
				out = append(out, flatten(child)...)
			}
		}
		return out
	}
	return flatten(resp.Node), nil
}

// data deserializes a leaf value. Directories have no value.
func (d *etcdDriver) data(n *client.Node) (map[string]interface{}, error) {
	if n == nil || n.Dir {
		return nil, nil
	}
	var value map[string]interface{}
	if err := json.Unmarshal([]byte(n.Value), &value); err != nil {
		return nil, &BackendError{Key: n.Key, Err: fmt.Errorf("the kvstore contains malformed data: %w", err)}
	}
	return value, nil
}

func (d *etcdDriver) lockKey(p string) string {
	return path.Join("/", "locks", strings.ReplaceAll(p, "/", "-"))
}

func (d *etcdDriver) GetLock(ctx context.Context, p string) error {
	owner := uuid.NewString()
	opts := &client.SetOptions{
		PrevExist: client.PrevNoExist,
		TTL:       lockTTL,
	}
	key := d.lockKey(p)
	if _, err := d.kapi.Set(ctx, key, owner, opts); err != nil {
		return d.wrap(key, err)
	}
	d.mu.Lock()
	d.locks[key] = owner
	d.mu.Unlock()
	return nil
}

func (d *etcdDriver) ReleaseLock(ctx context.Context, p string) error {
	key := d.lockKey(p)
	d.mu.Lock()
	owner, ok := d.locks[key]
	delete(d.locks, key)
	d.mu.Unlock()
	if !ok {
		// Never release a lock we did not take.
		return nil
	}
	_, err := d.kapi.Delete(ctx, key, &client.DeleteOptions{PrevValue: owner})
	return d.wrap(key, err)
}

// wrap translates etcd client errors into the driver error taxonomy.
func (d *etcdDriver) wrap(key string, err error) error {
	if err == nil {
		return nil
	}
	var ee client.Error
	if errors.As(err, &ee) && ee.Code == client.ErrorCodeKeyNotFound {
		return ErrNotFound
	}
	return wrapErr(key, err)
}
