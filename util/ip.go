package util

import (
	"net"
	"net/url"
	"strings"
)

// GetOutboundIP returns the local address used to reach the internet, or loopback when there is no route
func GetOutboundIP() net.IP {
	conn, err := net.Dial("udp", "1.1.1.1:53")
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP
}

// EndpointHost extracts the host of an endpoint given either as host:port or as a URL
func EndpointHost(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return ""
		}
		return u.Hostname()
	}
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint
	}
	return host
}

// ReplaceEndpointHost keeps the scheme and port of endpoint and swaps its host
func ReplaceEndpointHost(endpoint, host string) string {
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return endpoint
		}
		if port := u.Port(); port != "" {
			u.Host = net.JoinHostPort(host, port)
		} else {
			u.Host = host
		}
		return u.String()
	}
	_, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return host
	}
	return net.JoinHostPort(host, port)
}

// RemoteHost strips the port from an http.Request style remote address
func RemoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
