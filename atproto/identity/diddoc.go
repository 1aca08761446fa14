package identity

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bluesky-social/atoauth/atproto/syntax"
)

type DIDDocument struct {
	DID                syntax.DID              `json:"id"`
	AlsoKnownAs        []string                `json:"alsoKnownAs,omitempty"`
	VerificationMethod []DocVerificationMethod `json:"verificationMethod,omitempty"`
	Service            []DocService            `json:"service,omitempty"`
}

type DocVerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

type DocService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// Extracts the PDS service endpoint. The document must have exactly one service with fragment "#atproto_pds" and type "AtprotoPersonalDataServer", with an HTTP(S) URL endpoint.
func (d *DIDDocument) PDSEndpoint() (string, error) {
	var found []string
	for _, svc := range d.Service {
		if svc.ID != "#atproto_pds" && svc.ID != d.DID.String()+"#atproto_pds" {
			continue
		}
		if svc.Type != "AtprotoPersonalDataServer" {
			continue
		}
		found = append(found, svc.ServiceEndpoint)
	}
	if len(found) != 1 {
		return "", fmt.Errorf("%w: found %d entries", ErrNoPDSEndpoint, len(found))
	}
	u, err := url.Parse(found[0])
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", fmt.Errorf("%w: invalid endpoint URL: %q", ErrNoPDSEndpoint, found[0])
	}
	return strings.TrimSuffix(found[0], "/"), nil
}

// Returns all syntactically valid handles from "alsoKnownAs", normalized, in document order.
func (d *DIDDocument) DeclaredHandles() []syntax.Handle {
	var out []syntax.Handle
	for _, u := range d.AlsoKnownAs {
		if !strings.HasPrefix(u, "at://") {
			continue
		}
		h, err := syntax.ParseHandle(strings.TrimPrefix(u, "at://"))
		if err != nil {
			continue
		}
		out = append(out, h.Normalize())
	}
	return out
}

// The first valid handle declared in the document.
func (d *DIDDocument) DeclaredHandle() (syntax.Handle, error) {
	hdls := d.DeclaredHandles()
	if len(hdls) == 0 {
		return "", fmt.Errorf("DID document did not declare a handle")
	}
	return hdls[0], nil
}

func (d *DIDDocument) DeclaresHandle(h syntax.Handle) bool {
	h = h.Normalize()
	for _, declared := range d.DeclaredHandles() {
		if declared == h {
			return true
		}
	}
	return false
}
