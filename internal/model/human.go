// human readable and writable stdlib types
// which can be used inside config file
package model

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
)

type URL struct {
	*url.URL
}

func (u *URL) UnmarshalText(text []byte) error {
	if u == nil {
		return errors.New("can't unmarshal to nil")
	}
	parsed, err := url.Parse(os.ExpandEnv(string(text)))
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("url %q must have a scheme and a host", parsed.String())
	}
	u.URL = parsed
	return nil
}

func (u URL) MarshalText() ([]byte, error) {
	if u.URL == nil {
		return []byte{}, nil
	}
	return []byte(u.String()), nil
}

type TCPAddr struct {
	*net.TCPAddr
}

func (addr *TCPAddr) UnmarshalText(text []byte) error {
	if addr == nil {
		return errors.New("can't unmarshal to nil")
	}
	if len(text) == 0 {
		return errors.New("can't be empty")
	}
	parsed, err := net.ResolveTCPAddr("tcp", os.ExpandEnv(string(text)))
	if err != nil {
		return err
	}
	addr.TCPAddr = parsed
	return nil
}

func (addr TCPAddr) MarshalText() ([]byte, error) {
	if addr.TCPAddr == nil {
		return []byte{}, nil
	}
	return []byte(addr.String()), nil
}

// WebhookURL returns the parsed events.webhook or nil if not configured.
// Environment variables in the value are expanded.
func (e Events) WebhookURL() (*url.URL, error) {
	if e.Webhook == nil {
		return nil, nil
	}
	var u URL
	if err := u.UnmarshalText([]byte(*e.Webhook)); err != nil {
		return nil, fmt.Errorf("parsing events.webhook: %w", err)
	}
	return u.URL, nil
}

// ListenAddr resolves service.listen.
func (s Service) ListenAddr() (*net.TCPAddr, error) {
	var addr TCPAddr
	if err := addr.UnmarshalText([]byte(s.Listen)); err != nil {
		return nil, fmt.Errorf("parsing service.listen: %w", err)
	}
	return addr.TCPAddr, nil
}
