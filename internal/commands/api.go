package commands

import (
	"fmt"
	"net"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/cinderd/cinder/internal/command"
	"github.com/cinderd/cinder/internal/render"
)

// apiCommand tells the operator how to reach the HTTP API, with a
// terminal QR code for the phone-on-the-same-network case.
func apiCommand() command.Descriptor {
	return command.Descriptor{
		Name:        "api",
		Description: "Show the API endpoint and an access QR code",
		Handler: func(ctx *command.Context, args []string) (string, error) {
			b := ctx.Bundle
			if !b.Bool("api.enabled", false) {
				return "API is disabled. Enable it with: /config set api.enabled true\n", nil
			}

			listen := b.String("api.listen", "127.0.0.1:8787")
			auth := "disabled"
			if b.String("api.token_hash", "") != "" {
				auth = "bearer token"
			}

			var out strings.Builder
			out.WriteString(render.KeyValues([][2]string{
				{"listen", listen},
				{"auth", auth},
			}))

			url := apiURL(listen)
			qr, err := qrcode.New(url, qrcode.Low)
			if err != nil {
				return out.String(), nil
			}
			out.WriteString("\n" + url + "\n")
			out.WriteString(qr.ToSmallString(false))
			return out.String(), nil
		},
	}
}

// apiURL builds a reachable base URL for the listen address. A
// wildcard host is replaced with the node's first non-loopback
// address so the QR code points somewhere a phone can reach.
func apiURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if addr := firstLANAddr(); addr != "" {
			host = addr
		} else {
			host = "127.0.0.1"
		}
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, port))
}

func firstLANAddr() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
