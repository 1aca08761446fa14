package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/atoauth/atproto/syntax"
)

func (r *BaseResolver) resolveHandleDNS(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	res, err := r.TXTResolver.LookupTXT(ctx, "_atproto."+handle.String())
	if err != nil {
		return "", fmt.Errorf("%w: DNS TXT lookup: %w", ErrHandleResolutionFailed, err)
	}
	return parseTXTResp(res)
}

func parseTXTResp(res []string) (syntax.DID, error) {
	for _, s := range res {
		if strings.HasPrefix(s, "did=") {
			parts := strings.SplitN(s, "=", 2)
			did, err := syntax.ParseDID(strings.TrimSpace(parts[1]))
			if err != nil {
				return "", fmt.Errorf("%w: invalid DID in handle DNS record: %w", ErrHandleResolutionFailed, err)
			}
			return did, nil
		}
	}
	return "", ErrHandleNotFound
}

func (r *BaseResolver) resolveHandleWellKnown(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("https://%s/.well-known/atproto-did", handle), nil)
	if err != nil {
		return "", fmt.Errorf("constructing HTTP request for handle resolution: %w", err)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		// look for NXDOMAIN
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return "", ErrHandleNotFound
		}
		return "", fmt.Errorf("%w: HTTP well-known request error: %w", ErrHandleResolutionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", ErrHandleNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP well-known status %d", ErrHandleResolutionFailed, resp.StatusCode)
	}

	if resp.ContentLength > 2048 {
		return "", fmt.Errorf("%w: HTTP well-known route returned too much data", ErrHandleResolutionFailed)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if err != nil {
		return "", fmt.Errorf("%w: HTTP well-known response read: %w", ErrHandleResolutionFailed, err)
	}
	did, err := syntax.ParseDID(strings.TrimSpace(string(b)))
	if err != nil {
		return "", fmt.Errorf("%w: invalid DID in HTTP well-known response: %w", ErrHandleResolutionFailed, err)
	}
	return did, nil
}

// Tries DNS TXT resolution first (unless skipped for this domain), then falls back to HTTPS well-known.
func (r *BaseResolver) ResolveHandle(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	start := time.Now()
	handle = handle.Normalize()
	if !handle.AllowedTLD() || handle.IsInvalidHandle() {
		return "", ErrHandleReservedTLD
	}

	tryDNS := r.TXTResolver != nil
	for _, suffix := range r.SkipDNSDomainSuffixes {
		if strings.HasSuffix(handle.String(), suffix) {
			tryDNS = false
			break
		}
	}

	var did syntax.DID
	var dnsErr error
	if tryDNS {
		did, dnsErr = r.resolveHandleDNS(ctx, handle)
	}
	err := dnsErr
	if !tryDNS || dnsErr != nil {
		var httpErr error
		did, httpErr = r.resolveHandleWellKnown(ctx, handle)
		err = httpErr
		// a hard DNS failure is more informative than an HTTP "not found"
		if httpErr != nil && dnsErr != nil && errors.Is(httpErr, ErrHandleNotFound) && !errors.Is(dnsErr, ErrHandleNotFound) {
			err = dnsErr
		}
	}

	status := "success"
	if err != nil {
		status = "error"
		if errors.Is(err, ErrHandleNotFound) {
			status = "not_found"
		}
	}
	handleResolution.WithLabelValues("base", status).Inc()
	handleResolutionDuration.WithLabelValues("base", status).Observe(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	return did, nil
}
