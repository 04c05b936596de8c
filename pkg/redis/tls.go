package redis

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// TLSOptions Redis TLS 选项，通常来自环境变量
// REDIS_TLS / REDIS_CACERT / REDIS_CERT / REDIS_KEY / REDIS_SERVER_NAME
type TLSOptions struct {
	Enabled    bool
	CACert     string
	Cert       string
	Key        string
	ServerName string
}

// TLSConfig 根据选项构造 tls.Config，未启用时返回 nil
func TLSConfig(opts TLSOptions) (*tls.Config, error) {
	if !opts.Enabled {
		return nil, nil
	}

	caCertPath := strings.TrimSpace(opts.CACert)
	certPath := strings.TrimSpace(opts.Cert)
	keyPath := strings.TrimSpace(opts.Key)

	if (certPath == "") != (keyPath == "") {
		return nil, fmt.Errorf("redis client cert and key must be set together")
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: strings.TrimSpace(opts.ServerName),
	}

	if caCertPath != "" {
		caBytes, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("read redis ca cert: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(caBytes); !ok {
			return nil, fmt.Errorf("append redis ca cert %s: no valid certificates found", caCertPath)
		}
		cfg.RootCAs = pool
	}

	if certPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
