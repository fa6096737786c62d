package ws

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/vovakirdan/wirepush/internal/proto"
)

const (
	clientName    = "wirepush-go"
	clientVersion = "0.1.0"
)

// Endpoint describes where the realtime server lives.
type Endpoint struct {
	Host   string
	Port   int
	Path   string
	Key    string
	UseTLS bool
}

// ClusterHost returns the hosted-service host for a cluster name.
func ClusterHost(cluster string) string {
	return "ws-" + cluster + ".pusher.com"
}

// URL builds the socket URL including the protocol query parameters.
func (e Endpoint) URL() (string, error) {
	if e.Host == "" {
		return "", fmt.Errorf("endpoint host is empty")
	}
	if e.Key == "" {
		return "", fmt.Errorf("app key is empty")
	}

	scheme := "ws"
	port := e.Port
	if e.UseTLS {
		scheme = "wss"
	}
	if port == 0 {
		port = 80
		if e.UseTLS {
			port = 443
		}
	}

	u := url.URL{
		Scheme: scheme,
		Host:   e.Host + ":" + strconv.Itoa(port),
		Path:   strings.TrimSuffix(e.Path, "/") + "/app/" + e.Key,
	}
	q := url.Values{}
	q.Set("client", clientName)
	q.Set("version", clientVersion)
	q.Set("protocol", strconv.Itoa(proto.ProtocolVersion))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
