package redis

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

const defaultPort = "6379"

// ParseConnectionString accepts the forms hosts hand to workers:
//
//	redis://[user:password@]host:port[/db]
//	rediss://...                              (TLS)
//	host[:port][,password=...][,ssl=true][,user=...][,defaultDatabase=N]
//
// The last form is the one orchestrators such as Aspire inject through
// ConnectionStrings__redis. Unknown options are ignored.
func ParseConnectionString(raw string) (*goredis.Options, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("redis: empty connection string")
	}
	if strings.Contains(raw, "://") {
		opts, err := goredis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("redis: parse connection string: %w", err)
		}
		return opts, nil
	}

	parts := strings.Split(raw, ",")
	addr := strings.TrimSpace(parts[0])
	if addr == "" || strings.Contains(addr, "=") {
		return nil, fmt.Errorf("redis: connection string has no host")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultPort)
	}
	opts := &goredis.Options{Addr: addr}

	useTLS := false
	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "password":
			opts.Password = value
		case "user", "username":
			opts.Username = value
		case "ssl":
			enabled, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("redis: invalid ssl option %q", value)
			}
			useTLS = enabled
		case "defaultdatabase":
			db, err := strconv.Atoi(value)
			if err != nil || db < 0 {
				return nil, fmt.Errorf("redis: invalid defaultDatabase %q", value)
			}
			opts.DB = db
		}
	}
	if useTLS {
		host, _, _ := net.SplitHostPort(addr)
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
	}
	return opts, nil
}
