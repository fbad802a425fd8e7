package realtime

import (
	"errors"
	"net/url"
	"strings"

	"ring-go-home/internal/api"
)

// ErrBadTicket is returned for ticket responses without a usable host and
// code.
var ErrBadTicket = errors.New("ticket has no host and code")

// SocketURL derives the socket URL from either ticket response shape.
func SocketURL(t *api.Ticket) (string, error) {
	return socketURL("wss", t)
}

func socketURL(scheme string, t *api.Ticket) (string, error) {
	if t == nil {
		return "", ErrBadTicket
	}
	host, code := t.Host, t.Ticket
	if host == "" || code == "" {
		host, code = t.Server, t.AuthCode
	}
	if host == "" || code == "" {
		return "", ErrBadTicket
	}
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	host = strings.TrimSuffix(host, "/")
	return scheme + "://" + host + "/socket.io/?authcode=" + url.QueryEscape(code) +
		"&ack=false&EIO=3&transport=websocket", nil
}
