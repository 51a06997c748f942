package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mervinkid/rediwire/config"
	"github.com/mervinkid/rediwire/conn"
)

func TestNetworkParsesRedisURI(t *testing.T) {
	o := config.Options{Endpoint: "redis://localhost:6379"}
	network, address, err := o.Network()
	if err != nil {
		t.Fatal(err)
	}
	if network != "tcp" || address != "localhost:6379" {
		t.Fatalf("got %s %s", network, address)
	}
}

func TestNetworkParsesRedissURI(t *testing.T) {
	o := config.Options{Endpoint: "rediss://cache.example.com:6380"}
	network, address, err := o.Network()
	if err != nil {
		t.Fatal(err)
	}
	if network != "tcp" || address != "cache.example.com:6380" {
		t.Fatalf("got %s %s", network, address)
	}
}

func TestNetworkParsesUnixURI(t *testing.T) {
	o := config.Options{Endpoint: "unix:///var/run/redis.sock"}
	network, address, err := o.Network()
	if err != nil {
		t.Fatal(err)
	}
	if network != "unix" || address != "/var/run/redis.sock" {
		t.Fatalf("got %s %s", network, address)
	}
}

func TestNetworkParsesBareHostPort(t *testing.T) {
	o := config.Options{Endpoint: "localhost:6379"}
	network, address, err := o.Network()
	if err != nil {
		t.Fatal(err)
	}
	if network != "tcp" || address != "localhost:6379" {
		t.Fatalf("got %s %s", network, address)
	}
}

func TestNetworkRejectsUnsupportedScheme(t *testing.T) {
	o := config.Options{Endpoint: "http://localhost:80"}
	if _, _, err := o.Network(); err == nil {
		t.Fatal("expected unsupported scheme to error")
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rediwire.yml")
	contents := "endpoint: redis://localhost:6379\ndb: 2\nencoding: raw-bytes\nmin_size: 2\nmax_size: 8\ntimeout: 5\nprune_interval: 30\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	o, err := config.FromYAML(path)
	if err != nil {
		t.Fatal(err)
	}
	if o.Endpoint != "redis://localhost:6379" {
		t.Fatalf("endpoint: %q", o.Endpoint)
	}
	if o.DB != 2 {
		t.Fatalf("db: %d", o.DB)
	}
	if o.Encoding != conn.EncodingRawBytes {
		t.Fatalf("encoding: %v", o.Encoding)
	}
	if o.MinSize != 2 || o.MaxSize != 8 {
		t.Fatalf("sizes: %d/%d", o.MinSize, o.MaxSize)
	}
	if o.Timeout.Seconds() != 5 {
		t.Fatalf("timeout: %v", o.Timeout)
	}
	if o.MaxChunkSize != 65535 {
		t.Fatalf("expected default MaxChunkSize to survive overlay, got %d", o.MaxChunkSize)
	}
	if o.PruneInterval.Seconds() != 30 {
		t.Fatalf("prune_interval: %v", o.PruneInterval)
	}
}

func TestFromPropertiesRejectsInvalidSizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rediwire.properties")
	contents := "min_size=9\nmax_size=2\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := config.FromProperties(path); err == nil {
		t.Fatal("expected min_size > max_size to error")
	}
}
