package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/atoauth/atproto/syntax"
)

// WARNING: this does *not* bi-directionally verify account metadata; it only implements direct DID-to-DID-document lookup for the supported DID methods.
func (r *BaseResolver) ResolveDID(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	start := time.Now()
	var doc *DIDDocument
	var err error
	switch did.Method() {
	case "web":
		doc, err = r.resolveDIDWeb(ctx, did)
	case "plc":
		doc, err = r.resolveDIDPLC(ctx, did)
	default:
		err = fmt.Errorf("%w: DID method not supported: %s", ErrDIDResolutionFailed, did.Method())
	}
	if err == nil && doc.DID != did {
		err = fmt.Errorf("%w: document id %q does not match %s", ErrDIDResolutionFailed, doc.DID, did)
	}

	status := "success"
	if err != nil {
		status = "error"
		if errors.Is(err, ErrDIDNotFound) {
			status = "not_found"
		}
	}
	didResolution.WithLabelValues("base", status).Inc()
	didResolutionDuration.WithLabelValues("base", status).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (r *BaseResolver) resolveDIDWeb(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	// a port may be included, percent-encoded
	hostport := strings.Replace(did.Identifier(), "%3A", ":", 1)
	hostname, _, _ := strings.Cut(hostport, ":")
	handle, err := syntax.ParseHandle(hostname)
	if err != nil {
		return nil, fmt.Errorf("%w: did:web identifier not a simple hostname: %s", ErrDIDResolutionFailed, hostname)
	}
	if !handle.AllowedTLD() {
		return nil, fmt.Errorf("%w: did:web hostname has disallowed TLD: %s", ErrDIDResolutionFailed, hostname)
	}
	return r.fetchDIDDocument(ctx, "https://"+hostport+"/.well-known/did.json")
}

func (r *BaseResolver) resolveDIDPLC(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	if r.PLCLimiter != nil {
		if err := r.PLCLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: PLC directory rate limit: %w", ErrDIDResolutionFailed, err)
		}
	}
	return r.fetchDIDDocument(ctx, r.plcURL()+"/"+did.String())
}

func (r *BaseResolver) fetchDIDDocument(ctx context.Context, docURL string) (*DIDDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, fmt.Errorf("constructing HTTP request for DID resolution: %w", err)
	}
	req.Header.Set("Accept", "application/did+ld+json, application/json")

	resp, err := r.client().Do(req)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, ErrDIDNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrDIDResolutionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, ErrDIDNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP status %d from %s", ErrDIDResolutionFailed, resp.StatusCode, docURL)
	}

	var doc DIDDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, 256*1024)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: failed parse of DID document JSON: %w", ErrDIDResolutionFailed, err)
	}
	return &doc, nil
}
