package main

import (
	"net/http"
	"strings"

	"github.com/flosch/pongo2/v6"
	"github.com/labstack/echo/v4"
)

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "oauthd"})
}

// Returns the account DID from the browser session cookie, or an empty string if not signed in.
func (srv *Server) currentSessionDID(c echo.Context) string {
	sess, _ := srv.cookies.Get(c.Request(), sessionCookieName)
	did, ok := sess.Values["account_did"].(string)
	if !ok {
		return ""
	}
	return did
}

func (srv *Server) WebHome(c echo.Context) error {
	return c.Render(http.StatusOK, "home.html", pongo2.Context{
		"clientID":   srv.app.Config.ClientID,
		"clientName": srv.app.Config.ClientName,
		"did":        srv.currentSessionDID(c),

		"defaultSigninURL":  srv.defaultSigninURL,
		"defaultSigninHost": strings.TrimPrefix(srv.defaultSigninURL, "https://"),
	})
}

// Starts an auth flow for a handle, DID, or PDS/entryway URL, and redirects the browser to the auth server. An empty input signs in with the default server, if one is configured.
func (srv *Server) HandleSignin(c echo.Context) error {
	input := strings.TrimSpace(c.FormValue("input"))
	if input == "" {
		input = srv.defaultSigninURL
	}
	if input == "" {
		return c.JSON(http.StatusBadRequest, ErrorBody{
			Error:   "InvalidIdentifier",
			Message: "account handle, DID, or server URL required",
		})
	}

	redirectURL, err := srv.app.StartAuthFlow(c.Request().Context(), input)
	if err != nil {
		return srv.oauthError(c, err)
	}
	return c.Redirect(http.StatusFound, redirectURL)
}

func (srv *Server) HandleCallback(c echo.Context) error {
	tokens, err := srv.app.ProcessCallback(c.Request().Context(), c.QueryParams())
	if err != nil {
		return srv.oauthError(c, err)
	}

	// signed cookie session records only the account; tokens are not persisted
	sess, _ := srv.cookies.Get(c.Request(), sessionCookieName)
	sess.Values["account_did"] = tokens.Subject.String()
	sess.Values["issuer"] = tokens.Issuer
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		return err
	}

	srv.logger.Info("login successful", "did", tokens.Subject, "issuer", tokens.Issuer, "scope", tokens.Scope)
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Render(http.StatusOK, "session.html", pongo2.Context{
		"did":       tokens.Subject.String(),
		"issuer":    tokens.Issuer,
		"pds":       tokens.PDSEndpoint,
		"scope":     tokens.Scope,
		"expiresAt": tokens.ExpiresAt.UTC().Format("2006-01-02 15:04:05 UTC"),
	})
}

func (srv *Server) HandleLogout(c echo.Context) error {
	sess, _ := srv.cookies.Get(c.Request(), sessionCookieName)
	sess.Values = make(map[any]any)
	sess.Options.MaxAge = -1
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, "/")
}

func (srv *Server) HandleClientMetadata(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "public, max-age=600")
	return c.JSON(http.StatusOK, srv.app.ClientMetadata())
}

func (srv *Server) HandleJWKS(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "public, max-age=600")
	return c.JSON(http.StatusOK, srv.app.JWKS())
}
