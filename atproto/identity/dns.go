package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Looks up DNS TXT records. A name which does not exist (NXDOMAIN) returns an empty slice and no error.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// [TXTResolver] using the system (or a custom-dialed) DNS resolver.
type NetTXTResolver struct {
	Resolver *net.Resolver
}

func (r *NetTXTResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	recs, err := res.LookupTXT(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, nil
		}
		return nil, err
	}
	return recs, nil
}

// [TXTResolver] which queries a DNS-over-HTTPS service using the JSON API ("application/dns-json"), as offered by Cloudflare and Google public resolvers.
//
// Useful in environments without raw DNS socket access.
type DoHResolver struct {
	// eg, "https://cloudflare-dns.com/dns-query"
	ServiceURL string
	Client     *http.Client
}

type dohResponse struct {
	Status int         `json:"Status"`
	Answer []dohAnswer `json:"Answer"`
}

type dohAnswer struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	Data string `json:"data"`
}

const (
	dnsTypeTXT       = 16
	dnsRcodeNXDomain = 3
)

func (r *DoHResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	u, err := url.Parse(r.ServiceURL)
	if err != nil {
		return nil, fmt.Errorf("invalid DoH service URL: %w", err)
	}
	q := u.Query()
	q.Set("name", name)
	q.Set("type", "TXT")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-json")

	c := r.Client
	if c == nil {
		c = defaultHTTPClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("DoH request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DoH request failed: HTTP status %d", resp.StatusCode)
	}

	var body dohResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid DoH response JSON: %w", err)
	}
	switch body.Status {
	case 0:
	case dnsRcodeNXDomain:
		return nil, nil
	default:
		return nil, fmt.Errorf("DoH lookup failed: rcode=%d", body.Status)
	}

	var out []string
	for _, ans := range body.Answer {
		if ans.Type != dnsTypeTXT {
			continue
		}
		out = append(out, unquoteTXT(ans.Data))
	}
	return out, nil
}

// TXT data comes back as one or more quoted character-strings, which are concatenated.
func unquoteTXT(data string) string {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "\"") {
		return data
	}
	var sb strings.Builder
	for _, part := range strings.Split(data, "\" \"") {
		sb.WriteString(strings.Trim(part, "\""))
	}
	return sb.String()
}
