// Package redisclient builds go-redis clients from process configuration.
package redisclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"

	"vodpipe/internal/errs"
)

// TLSConfig controls TLS behaviour for Redis connections.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// Config describes a standalone, sentinel or cluster deployment.
type Config struct {
	Addr         string
	Addrs        []string
	MasterName   string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          TLSConfig
}

// Addresses returns the configured addresses without blanks.
func (cfg Config) Addresses() []string {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	return addrs
}

// New returns a universal client for cfg.
func New(cfg Config) (redis.UniversalClient, error) {
	addrs := cfg.Addresses()
	if len(addrs) == 0 {
		return nil, errs.New(errs.FatalConfig, "redis addr is required")
	}
	tlsConfig, err := BuildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, errs.Wrap(errs.FatalConfig, err, "redis tls")
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	}), nil
}

// BuildTLSConfig returns nil when no TLS settings are present.
func BuildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify && cfg.ServerName == "" {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, MinVersion: tls.VersionTLS12}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// AsynqOpt maps cfg onto the connection option asynq expects: a sentinel
// failover when MasterName is set, a cluster for several addresses and a
// single node otherwise.
func AsynqOpt(cfg Config) (asynq.RedisConnOpt, error) {
	addrs := cfg.Addresses()
	if len(addrs) == 0 {
		return nil, errs.New(errs.FatalConfig, "redis addr is required")
	}
	tlsConfig, err := BuildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, errs.Wrap(errs.FatalConfig, err, "redis tls")
	}
	switch {
	case strings.TrimSpace(cfg.MasterName) != "":
		return asynq.RedisFailoverClientOpt{
			MasterName:    strings.TrimSpace(cfg.MasterName),
			SentinelAddrs: addrs,
			Username:      strings.TrimSpace(cfg.Username),
			Password:      cfg.Password,
			DB:            cfg.DB,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
			PoolSize:      cfg.PoolSize,
			TLSConfig:     tlsConfig,
		}, nil
	case len(addrs) > 1:
		return asynq.RedisClusterClientOpt{
			Addrs:        addrs,
			Username:     strings.TrimSpace(cfg.Username),
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			TLSConfig:    tlsConfig,
		}, nil
	default:
		return asynq.RedisClientOpt{
			Addr:         addrs[0],
			Username:     strings.TrimSpace(cfg.Username),
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			TLSConfig:    tlsConfig,
		}, nil
	}
}
