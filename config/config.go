// Package config loads the enumerated connection/pool options
// from code or from a YAML/JSON/property file, and resolves an endpoint
// string into the network/address pair a dialer needs.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mervinkid/rediwire/conn"
	"github.com/mervinkid/rediwire/misc"
	"github.com/mervinkid/rediwire/resp"
	"github.com/mervinkid/rediwire/util"
)

// Options is the enumerated configuration surface: per-
// connection decode/chunking knobs, pool sizing, and the gather timeout.
type Options struct {
	Endpoint      string
	DB            int
	Encoding      conn.Encoding
	MaxChunkSize  int
	MinSize       int
	MaxSize       int
	Parser        resp.Parser
	Timeout       time.Duration
	PruneInterval time.Duration
}

// Default returns the documented defaults: db 0, text encoding,
// 65535-byte chunks, a pool of exactly one connection, 30s gather timeout,
// no background pruning.
func Default() Options {
	return Options{
		DB:           0,
		Encoding:     conn.EncodingText,
		MaxChunkSize: 65535,
		MinSize:      1,
		MaxSize:      1,
		Timeout:      30 * time.Second,
	}
}

// Network resolves Endpoint into what net.Dial expects, covering these
// forms:
//
//	redis://host:port, rediss://host:port -> ("tcp", "host:port")
//	unix://<url-encoded-path>             -> ("unix", path)
//	host:port (no scheme)                 -> ("tcp", "host:port")
func (o Options) Network() (network, address string, err error) {
	if o.Endpoint == "" {
		return "", "", fmt.Errorf("config: empty endpoint")
	}
	u := util.ParseUrl(o.Endpoint)
	switch u.Protocol {
	case "", "redis", "rediss":
		host := u.Host
		if host == "" {
			return "", "", fmt.Errorf("config: endpoint %q has no host", o.Endpoint)
		}
		if u.Port != 0 {
			return "tcp", fmt.Sprintf("%s:%d", host, u.Port), nil
		}
		return "tcp", host, nil
	case "unix":
		path, err := url.PathUnescape(strings.TrimPrefix(strings.TrimSpace(o.Endpoint), "unix://"))
		if err != nil {
			return "", "", fmt.Errorf("config: unix endpoint %q: %w", o.Endpoint, err)
		}
		if path == "" {
			return "", "", fmt.Errorf("config: unix endpoint %q has no path", o.Endpoint)
		}
		return "unix", path, nil
	default:
		return "", "", fmt.Errorf("config: unsupported endpoint scheme %q", u.Protocol)
	}
}

// FromYAML loads Options from a YAML file via a yaml.v2-backed
// loader, overlaying onto Default().
func FromYAML(path string) (Options, error) {
	raw, err := misc.LoadYmlFile(path)
	if err != nil {
		return Options{}, err
	}
	return fromGenericMap(raw)
}

// FromJSON loads Options from a JSON file via the
// encoding/json-backed loader, overlaying onto Default().
func FromJSON(path string) (Options, error) {
	raw, err := misc.LoadJsonFile(path)
	if err != nil {
		return Options{}, err
	}
	return fromGenericMap(raw)
}

// FromProperties loads Options from a flat key=value property file via a
// regex-based loader, overlaying onto Default().
func FromProperties(path string) (Options, error) {
	raw, err := misc.LoadPropertyFile(path)
	if err != nil {
		return Options{}, err
	}
	generic := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		generic[k] = v
	}
	return fromGenericMap(generic)
}

func fromGenericMap(raw map[string]interface{}) (Options, error) {
	o := Default()
	if v, ok := raw["endpoint"]; ok {
		o.Endpoint = fmt.Sprint(v)
	}
	if v, ok := raw["db"]; ok {
		n, err := toInt(v)
		if err != nil {
			return Options{}, fmt.Errorf("config: db: %w", err)
		}
		o.DB = n
	}
	if v, ok := raw["encoding"]; ok {
		switch fmt.Sprint(v) {
		case "raw-bytes":
			o.Encoding = conn.EncodingRawBytes
		case "utf-8", "text", "":
			o.Encoding = conn.EncodingText
		default:
			return Options{}, fmt.Errorf("config: unknown encoding %q", v)
		}
	}
	if v, ok := raw["max_chunk_size"]; ok {
		n, err := toInt(v)
		if err != nil {
			return Options{}, fmt.Errorf("config: max_chunk_size: %w", err)
		}
		if n <= 0 {
			return Options{}, fmt.Errorf("config: max_chunk_size must be > 0")
		}
		o.MaxChunkSize = n
	}
	if v, ok := raw["min_size"]; ok {
		n, err := toInt(v)
		if err != nil {
			return Options{}, fmt.Errorf("config: min_size: %w", err)
		}
		o.MinSize = n
	}
	if v, ok := raw["max_size"]; ok {
		n, err := toInt(v)
		if err != nil {
			return Options{}, fmt.Errorf("config: max_size: %w", err)
		}
		o.MaxSize = n
	}
	if v, ok := raw["timeout"]; ok {
		n, err := toFloat(v)
		if err != nil {
			return Options{}, fmt.Errorf("config: timeout: %w", err)
		}
		o.Timeout = time.Duration(n * float64(time.Second))
	}
	if v, ok := raw["prune_interval"]; ok {
		n, err := toFloat(v)
		if err != nil {
			return Options{}, fmt.Errorf("config: prune_interval: %w", err)
		}
		o.PruneInterval = time.Duration(n * float64(time.Second))
	}
	if o.MinSize < 0 || o.MaxSize < o.MinSize {
		return Options{}, fmt.Errorf("config: min_size/max_size invalid (%d/%d)", o.MinSize, o.MaxSize)
	}
	return o, nil
}

func toInt(v interface{}) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
