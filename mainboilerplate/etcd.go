package mainboilerplate

import (
	"context"
	"crypto/tls"
	"net/url"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
)

// EtcdConfig configures the application Etcd session.
type EtcdConfig struct {
	Address       string        `long:"address" env:"ADDRESS" default:"http://localhost:2379" description:"Etcd service address endpoint"`
	CertFile      string        `long:"cert-file" env:"CERT_FILE" default:"" description:"Path to the client TLS certificate"`
	CertKeyFile   string        `long:"cert-key-file" env:"CERT_KEY_FILE" default:"" description:"Path to the client TLS private key"`
	TrustedCAFile string        `long:"trusted-ca-file" env:"TRUSTED_CA_FILE" default:"" description:"Path to the trusted CA for client verification of server certificates"`
	Root          string        `long:"root" env:"ROOT" default:"/salesops" description:"Etcd key prefix under which tables are stored"`
	Timeout       time.Duration `long:"timeout" env:"TIMEOUT" default:"20s" description:"Bound of Etcd dial and keep-alive timeouts"`
}

// TLSConfig returns the client TLS configuration of an https:// Address,
// or nil if the Address doesn't use TLS.
func (c *EtcdConfig) TLSConfig() (*tls.Config, error) {
	var addr, err = url.Parse(c.Address)
	if err != nil || addr.Scheme != "https" {
		return nil, err
	}
	var info = transport.TLSInfo{
		CertFile:      c.CertFile,
		KeyFile:       c.CertKeyFile,
		TrustedCAFile: c.TrustedCAFile,
	}
	return info.ClientConfig()
}

// MustDial builds an Etcd client connection.
func (c *EtcdConfig) MustDial() *clientv3.Client {
	var addr, err = url.Parse(c.Address)
	Must(err, "failed to parse Etcd address", "address", c.Address)

	tlsConfig, err := c.TLSConfig()
	Must(err, "failed to build TLS config")

	if addr.Scheme == "unix" {
		// The Etcd client requires hostname is stripped from unix:// URLs.
		addr.Host = ""
	}

	// Use a blocking dial to build a trial connection to Etcd. If we're actively
	// partitioned or mis-configured there's nothing actionable to do anyway,
	// aside from wait (or be SIGTERM'd).
	var timer = time.AfterFunc(time.Second, func() {
		log.WithField("addr", addr.String()).Warn("dialing Etcd is taking a while (is network okay?)")
	})
	trialEtcd, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{addr.String()},
		DialOptions: []grpc.DialOption{grpc.WithBlock()},
		TLS:         tlsConfig,
	})
	Must(err, "failed to build trial Etcd client")

	_ = trialEtcd.Close()
	timer.Stop()

	etcd, err := clientv3.New(clientv3.Config{
		Endpoints: []string{addr.String()},
		// Periodically sync the set of Etcd servers, so that a network split
		// may be navigated by trying other members.
		AutoSyncInterval:     time.Minute,
		DialTimeout:          c.Timeout / 4,
		DialKeepAliveTime:    c.Timeout / 4,
		DialKeepAliveTimeout: c.Timeout / 4,
		RejectOldCluster:     true,
		TLS:                  tlsConfig,
		DialOptions: []grpc.DialOption{
			grpc.WithUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
			grpc.WithStreamInterceptor(grpc_prometheus.StreamClientInterceptor),
		},
	})
	Must(err, "failed to build Etcd client")

	Must(etcd.Sync(context.Background()), "initial Etcd endpoint sync failed")
	return etcd
}
