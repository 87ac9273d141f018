package mqtt

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

func newProxyDialer(proxyURL *url.URL, timeout time.Duration) (proxy.Dialer, error) {
	forward := &net.Dialer{Timeout: timeout}

	switch proxyURL.Scheme {
	case "http":
		return &httpConnectDialer{proxyAddr: proxyURL.Host, forward: forward, timeout: timeout}, nil
	default:
		d, err := proxy.FromURL(proxyURL, forward)
		if err != nil {
			return nil, fmt.Errorf("failed to create proxy dialer: %s", err.Error())
		}
		return d, nil
	}
}

// httpConnectDialer tunnels through an HTTP proxy using CONNECT.
// The whole CONNECT exchange must complete within timeout.
type httpConnectDialer struct {
	proxyAddr string
	forward   proxy.Dialer
	timeout   time.Duration
}

func (d *httpConnectDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := d.forward.Dial(network, d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to reach proxy %s: %s", d.proxyAddr, err.Error())
	}

	if d.timeout > 0 {
		conn.SetDeadline(time.Now().Add(d.timeout))
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: http.Header{},
	}

	if err = req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT to proxy: %s", err.Error())
	}

	// the broker never speaks first, so nothing beyond the response is buffered
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read proxy response: %s", err.Error())
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy refused CONNECT to %s with status code %d", addr, resp.StatusCode)
	}

	conn.SetDeadline(time.Time{})

	return conn, nil
}
