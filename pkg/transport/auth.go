package transport

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned by an Authenticator to refuse a connection.
var ErrUnauthorized = errors.New("transport: unauthorized")

// Authenticator establishes who is connecting before the WebSocket
// upgrade. It returns the peer identity, "" for an anonymous peer, or an
// error to refuse the request with 401.
//
// The identity is fixed for the life of the connection. The name a peer
// announces later is display only.
type Authenticator func(r *http.Request) (identity string, err error)

// Credential binds a bearer token to an identity.
type Credential struct {
	Identity string
	Token    string
}

// TokenAuthenticator accepts "Authorization: Bearer <token>" for one of
// creds. A request without the header connects anonymously; an unknown
// token is refused.
func TokenAuthenticator(creds []Credential) Authenticator {
	creds = append([]Credential(nil), creds...)
	return func(r *http.Request) (string, error) {
		header := r.Header.Get("Authorization")
		if header == "" {
			return "", nil
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return "", ErrUnauthorized
		}
		identity := ""
		for _, c := range creds {
			if subtle.ConstantTimeCompare([]byte(c.Token), []byte(token)) == 1 && c.Token != "" {
				identity = c.Identity
			}
		}
		if identity == "" {
			return "", ErrUnauthorized
		}
		return identity, nil
	}
}
