package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/diwise/sensor-fleet/internal/pkg/application/config"
	"golang.org/x/net/proxy"
)

const (
	DefaultConnectTimeout       time.Duration = 10 * time.Second
	DefaultOperationTimeout     time.Duration = 5 * time.Second
	DefaultMaxReconnectInterval time.Duration = 32 * time.Second
	DefaultKeepAlive            time.Duration = 30 * time.Second
)

type Options struct {
	BrokerURL string
	TLSConfig *tls.Config
	Headers   http.Header

	// Dialer wraps socket creation for tcp/tls brokers, ProxyURL does the same for
	// websocket brokers.
	Dialer   proxy.Dialer
	ProxyURL *url.URL

	ConnectTimeout       time.Duration
	OperationTimeout     time.Duration
	MaxReconnectInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.OperationTimeout == 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.MaxReconnectInterval == 0 {
		o.MaxReconnectInterval = DefaultMaxReconnectInterval
	}
	return o
}

// OptionsFromConfig translates the fleet settings into connection options. All
// sessions share the result, certificates are only read once.
func OptionsFromConfig(cfg *config.FleetConfig) (Options, error) {
	opts := Options{}

	host := net.JoinHostPort(cfg.Endpoint, strconv.Itoa(cfg.Port))

	tlsConfig, err := newTLSConfig(cfg.RootCAPath, cfg.CertificatePath, cfg.PrivateKeyPath)
	if err != nil {
		return opts, err
	}
	opts.TLSConfig = tlsConfig

	if cfg.UseWebsocket {
		opts.BrokerURL = "wss://" + host + "/mqtt"
		opts.Headers = http.Header{"Authorization": {"Bearer " + cfg.Token}}
	} else {
		opts.BrokerURL = "tls://" + host
	}

	if cfg.UseProxy {
		proxyURL := &url.URL{Scheme: cfg.ProxyType, Host: cfg.ProxyAddress()}

		if cfg.UseWebsocket {
			opts.ProxyURL = proxyURL
		} else {
			opts.Dialer, err = newProxyDialer(proxyURL, DefaultConnectTimeout)
			if err != nil {
				return opts, err
			}
		}
	}

	return opts, nil
}

func newTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read root CA: %s", err.Error())
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse root CA certificate %s", caFile)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %s", err.Error())
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
