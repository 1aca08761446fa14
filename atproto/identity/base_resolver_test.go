package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/bluesky-social/atoauth/atproto/syntax"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sends every request to the test server, preserving the original Host header for routing
type rewriteTransport struct {
	target *url.URL
	inner  http.RoundTripper
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = t.target.Scheme
	out.URL.Host = t.target.Host
	return t.inner.RoundTrip(out)
}

type fakeTXT struct {
	records map[string][]string
	err     error
}

func (f *fakeTXT) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records[name], nil
}

// serves handle well-known and did:web documents, keyed by Host header, plus PLC documents by path
func newFakeNetwork(t *testing.T, wellKnown map[string]string, docs map[string]DIDDocument) (*httptest.Server, *http.Client) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		switch {
		case r.URL.Path == "/.well-known/atproto-did":
			did, ok := wellKnown[host]
			if !ok {
				http.NotFound(w, r)
				return
			}
			fmt.Fprintln(w, did)
		case r.URL.Path == "/.well-known/did.json":
			doc, ok := docs["did:web:"+strings.Replace(host, ":", "%3A", 1)]
			if !ok {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(doc)
		case strings.HasPrefix(r.URL.Path, "/did:plc:"):
			doc, ok := docs[strings.TrimPrefix(r.URL.Path, "/")]
			if !ok {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(doc)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	target, _ := url.Parse(srv.URL)
	client := &http.Client{Transport: &rewriteTransport{target: target, inner: srv.Client().Transport}}
	return srv, client
}

func pdsDoc(did, handle, pds string) DIDDocument {
	return DIDDocument{
		DID:         syntax.DID(did),
		AlsoKnownAs: []string{"at://" + handle},
		Service: []DocService{{
			ID:              "#atproto_pds",
			Type:            "AtprotoPersonalDataServer",
			ServiceEndpoint: pds,
		}},
	}
}

func TestResolveHandleDNS(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	_, client := newFakeNetwork(t, nil, nil)
	r := BaseResolver{
		TXTResolver: &fakeTXT{records: map[string][]string{
			"_atproto.alice.test": {"something-else", "did=did:plc:ewvi7nxzyoun6zhxrhs64oiz"},
			"_atproto.bad.test":   {"did=not-a-did"},
		}},
		HTTPClient: client,
	}

	did, err := r.ResolveHandle(ctx, syntax.Handle("Alice.TEST"))
	assert.NoError(err)
	assert.Equal(syntax.DID("did:plc:ewvi7nxzyoun6zhxrhs64oiz"), did)

	_, err = r.ResolveHandle(ctx, syntax.Handle("bad.test"))
	assert.ErrorIs(err, ErrHandleResolutionFailed)

	_, err = r.ResolveHandle(ctx, syntax.Handle("laptop.local"))
	assert.ErrorIs(err, ErrHandleReservedTLD)
}

func TestResolveHandleWellKnownFallback(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	_, client := newFakeNetwork(t, map[string]string{
		"bob.test":  "did:plc:bobbobbobbobbobbobbobbob",
		"junk.test": "<html>",
	}, nil)
	r := BaseResolver{
		TXTResolver: &fakeTXT{records: map[string][]string{}},
		HTTPClient:  client,
	}

	did, err := r.ResolveHandle(ctx, syntax.Handle("bob.test"))
	assert.NoError(err)
	assert.Equal(syntax.DID("did:plc:bobbobbobbobbobbobbobbob"), did)

	_, err = r.ResolveHandle(ctx, syntax.Handle("nobody.test"))
	assert.ErrorIs(err, ErrHandleNotFound)

	_, err = r.ResolveHandle(ctx, syntax.Handle("junk.test"))
	assert.ErrorIs(err, ErrHandleResolutionFailed)

	// a hard DNS failure is reported over an HTTP "not found"
	r.TXTResolver = &fakeTXT{err: errors.New("dns service down")}
	_, err = r.ResolveHandle(ctx, syntax.Handle("nobody.test"))
	assert.ErrorIs(err, ErrHandleResolutionFailed)
	assert.NotErrorIs(err, ErrHandleNotFound)

	// DNS skipped entirely for configured suffixes
	r.SkipDNSDomainSuffixes = []string{".test"}
	did, err = r.ResolveHandle(ctx, syntax.Handle("bob.test"))
	assert.NoError(err)
	assert.Equal(syntax.DID("did:plc:bobbobbobbobbobbobbobbob"), did)
}

func TestResolveDID(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	plcDoc := pdsDoc("did:plc:ewvi7nxzyoun6zhxrhs64oiz", "alice.test", "https://pds.example.com")
	wrongDoc := pdsDoc("did:plc:ewvi7nxzyoun6zhxrhs64oiz", "alice.test", "https://pds.example.com")
	webDoc := pdsDoc("did:web:web.example.com", "web.example.com", "https://pds.example.com/")

	srv, client := newFakeNetwork(t, nil, map[string]DIDDocument{
		"did:plc:ewvi7nxzyoun6zhxrhs64oiz":  plcDoc,
		"did:plc:wrongwrongwrongwrongwrong": wrongDoc,
		"did:web:web.example.com":           webDoc,
	})
	r := BaseResolver{PLCURL: srv.URL, HTTPClient: client}

	doc, err := r.ResolveDID(ctx, plcDoc.DID)
	require.NoError(err)
	assert.Equal(plcDoc.DID, doc.DID)

	_, err = r.ResolveDID(ctx, syntax.DID("did:plc:missingmissingmissingmiss"))
	assert.ErrorIs(err, ErrDIDNotFound)

	// served document is for a different DID
	_, err = r.ResolveDID(ctx, syntax.DID("did:plc:wrongwrongwrongwrongwrong"))
	assert.ErrorIs(err, ErrDIDResolutionFailed)

	doc, err = r.ResolveDID(ctx, webDoc.DID)
	require.NoError(err)
	pds, err := doc.PDSEndpoint()
	require.NoError(err)
	assert.Equal("https://pds.example.com", pds)

	_, err = r.ResolveDID(ctx, syntax.DID("did:key:zQ3shXjHeiBuRCKmM36cuYnm7YEMzhGnCmCyW92sRJ9pribSF"))
	assert.ErrorIs(err, ErrDIDResolutionFailed)
}

func TestLookup(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	r := NewMockResolver()
	r.Insert("did:plc:alicealicealicealicealic", "alice.test", "https://pds.example.com/")
	r.Insert("did:plc:nohandlenohandlenohandle", "", "https://pds.example.com")
	r.Handles["mallory.test"] = "did:plc:alicealicealicealicealic"

	ident, err := Lookup(ctx, r, syntax.AtIdentifier("alice.test"))
	require.NoError(err)
	assert.Equal(syntax.DID("did:plc:alicealicealicealicealic"), ident.DID)
	assert.Equal(syntax.Handle("alice.test"), ident.Handle)
	assert.Equal("https://pds.example.com", ident.PDSEndpoint)

	ident, err = Lookup(ctx, r, syntax.AtIdentifier("did:plc:alicealicealicealicealic"))
	require.NoError(err)
	assert.Equal(syntax.Handle("alice.test"), ident.Handle)

	ident, err = Lookup(ctx, r, syntax.AtIdentifier("did:plc:nohandlenohandlenohandle"))
	require.NoError(err)
	assert.True(ident.Handle.IsInvalidHandle())

	// handle points at a DID which does not declare it
	_, err = Lookup(ctx, r, syntax.AtIdentifier("mallory.test"))
	assert.ErrorIs(err, ErrHandleMismatch)

	_, err = Lookup(ctx, r, syntax.AtIdentifier("nobody.test"))
	assert.ErrorIs(err, ErrHandleNotFound)
}

func TestPDSEndpoint(t *testing.T) {
	assert := assert.New(t)

	doc := pdsDoc("did:plc:alicealicealicealicealic", "alice.test", "https://pds.example.com")
	pds, err := doc.PDSEndpoint()
	assert.NoError(err)
	assert.Equal("https://pds.example.com", pds)

	// full DID fragment form
	doc.Service[0].ID = "did:plc:alicealicealicealicealic#atproto_pds"
	_, err = doc.PDSEndpoint()
	assert.NoError(err)

	// wrong type
	doc.Service[0].Type = "SomethingElse"
	_, err = doc.PDSEndpoint()
	assert.ErrorIs(err, ErrNoPDSEndpoint)

	// ambiguous: two entries
	doc = pdsDoc("did:plc:alicealicealicealicealic", "alice.test", "https://pds.example.com")
	doc.Service = append(doc.Service, doc.Service[0])
	_, err = doc.PDSEndpoint()
	assert.ErrorIs(err, ErrNoPDSEndpoint)

	// not a URL
	doc = pdsDoc("did:plc:alicealicealicealicealic", "alice.test", "pds.example.com")
	_, err = doc.PDSEndpoint()
	assert.ErrorIs(err, ErrNoPDSEndpoint)

	doc.Service = nil
	_, err = doc.PDSEndpoint()
	assert.ErrorIs(err, ErrNoPDSEndpoint)
}

func TestDeclaredHandles(t *testing.T) {
	assert := assert.New(t)

	doc := DIDDocument{
		DID: "did:plc:alicealicealicealicealic",
		AlsoKnownAs: []string{
			"https://http.example.com",
			"at://under_example_com",
			"at://correct.EXAMPLE.com",
			"at://other.example.com",
		},
	}
	hdl, err := doc.DeclaredHandle()
	assert.NoError(err)
	assert.Equal("correct.example.com", hdl.String())
	assert.True(doc.DeclaresHandle("Other.Example.com"))
	assert.False(doc.DeclaresHandle("under_example_com"))

	doc.AlsoKnownAs = []string{"https://http.example.com"}
	_, err = doc.DeclaredHandle()
	assert.Error(err)
}

func TestBaseResolverDefaultClientPublicOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("did:plc:internalinternalinternal"))
	}))
	defer srv.Close()

	r := BaseResolver{}
	_, err := r.client().Get(srv.URL + "/.well-known/atproto-did")
	assert.ErrorContains(t, err, "not a public IP address")
}
