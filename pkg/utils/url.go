package utils

import (
	"fmt"
	"net/url"
)

// Parses a listen or dial address of the form tcp://host[:port] and
// returns host:port. The port defaults to defaultPort.
func parseTcpUrl(urlstr, defaultPort string) (string, error) {
	uri, err := url.Parse(urlstr)
	if err != nil {
		return "", err
	}

	if uri.Scheme != "tcp" {
		return "", fmt.Errorf("%w: unsupported protocol: %q", ErrParse, uri.Scheme)
	}

	host := uri.Host
	if uri.Port() == "" {
		host += ":" + defaultPort
	}

	return host, nil
}

// Parses an HTTP listen address. The default port is 8080.
func ParseHttpUrl(urlstr string) (string, error) {
	return parseTcpUrl(urlstr, "8080")
}

// Parses a gRPC address. The default port is 9090.
func ParseGrpcUrl(urlstr string) (string, error) {
	return parseTcpUrl(urlstr, "9090")
}
