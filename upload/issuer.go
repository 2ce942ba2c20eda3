// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package upload

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"mellium.im/xmppd/jid"
)

// Errors returned by the Issuer.
var (
	ErrNoSecret    = errors.New("upload: signing secret is empty")
	ErrBadBase     = errors.New("upload: base URL must be an absolute http or https URL")
	ErrInvalidFile = errors.New("upload: file name and size are required")
	ErrInvalidSlot = errors.New("upload: invalid slot token")
)

// TooLargeError is returned when a file exceeds the maximum upload size.
type TooLargeError struct {
	Max uint64
}

func (e TooLargeError) Error() string {
	return fmt.Sprintf("upload: file is larger than %d bytes", e.Max)
}

// Claims are the claims of a slot token.
type Claims struct {
	jwt.RegisteredClaims
	Filename    string `json:"filename"`
	Size        uint64 `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// Issuer creates signed upload slots.
type Issuer struct {
	base    *url.URL
	secret  []byte
	maxSize uint64
	ttl     time.Duration
	now     func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// TTL sets how long a slot can be used after it is issued.
// The default is five minutes.
func TTL(d time.Duration) Option {
	return func(i *Issuer) {
		i.ttl = d
	}
}

// Clock replaces the function used to get the current time.
func Clock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer returns an issuer of slots below base signed with secret.
// A maxSize of zero places no limit on the size of files.
func NewIssuer(base string, secret []byte, maxSize uint64, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrBadBase
	}
	i := &Issuer{
		base:    u,
		secret:  secret,
		maxSize: maxSize,
		ttl:     5 * time.Minute,
		now:     time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i, nil
}

// MaxSize returns the largest file size accepted by the issuer.
func (i *Issuer) MaxSize() uint64 {
	return i.maxSize
}

// Issue returns a slot for uploading f on behalf of from.
// The put request must carry the Authorization header of the slot.
func (i *Issuer) Issue(from jid.JID, f File) (Slot, error) {
	name := path.Base("/" + f.Name)
	if f.Name == "" || name == "/" || f.Size == 0 {
		return Slot{}, ErrInvalidFile
	}
	if i.maxSize > 0 && f.Size > i.maxSize {
		return Slot{}, TooLargeError{Max: i.maxSize}
	}
	id, err := uuid.NewV4()
	if err != nil {
		return Slot{}, err
	}
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.String(),
			Subject:   from.Bare().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Filename:    name,
		Size:        f.Size,
		ContentType: f.Type,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Slot{}, err
	}

	u := *i.base
	u.Path = path.Join("/", i.base.Path, id.String(), name)
	u.RawPath = ""
	get := u
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+signed)
	return Slot{PutURL: &u, GetURL: &get, Header: header}, nil
}

// Verify checks a token from the Authorization header of a put request and
// returns its claims.
func (i *Issuer) Verify(token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidSlot, err)
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidSlot
	}
	return claims, nil
}
