// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package auth authenticates users and peer servers.
//
// Users authenticate with SASL PLAIN against argon2id password hashes and may
// create, change or delete their account with in-band registration
// (XEP-0077). Peer servers authenticate with SASL EXTERNAL using the
// certificate they presented during the TLS handshake.
package auth // import "mellium.im/xmppd/auth"

import (
	"context"
	"crypto/tls"
	"errors"

	"go.uber.org/zap"
	"mellium.im/sasl"

	"mellium.im/xmppd/internal/saslerr"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/storage"
	"mellium.im/xmppd/x509"
)

// Mechanism names.
const (
	MechPlain    = "PLAIN"
	MechExternal = "EXTERNAL"
)

// Store is the credential storage used by an Authenticator.
type Store interface {
	CreateCredential(ctx context.Context, local, hash string) error
	SetCredential(ctx context.Context, local, hash string) error
	Credential(ctx context.Context, local string) (string, error)
	RemoveAccount(ctx context.Context, local, bare string) error
}

// Authenticator verifies credentials for a single domain.
type Authenticator struct {
	store  Store
	domain string
	params Params
	logger *zap.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithParams sets the argon2id parameters used for new password hashes.
func WithParams(p Params) Option {
	return func(a *Authenticator) {
		a.params = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Authenticator) {
		a.logger = l
	}
}

// New returns an Authenticator for accounts of domain.
func New(store Store, domain string, opts ...Option) *Authenticator {
	a := &Authenticator{
		store:  store,
		domain: domain,
		params: DefaultParams,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Domain returns the domain the accounts belong to.
func (a *Authenticator) Domain() string {
	return a.domain
}

func (a *Authenticator) account(username string) (jid.JID, error) {
	if username == "" {
		return jid.JID{}, stanza.ErrNotAcceptable
	}
	j, err := jid.New(username, a.domain, "")
	if err != nil {
		return jid.JID{}, stanza.Error{Type: stanza.Modify, Condition: stanza.JIDMalformed, Text: err.Error()}
	}
	return j, nil
}

// Register creates an account and returns its bare JID.
// It returns a stanza.Error with the conflict condition if the username is
// taken.
func (a *Authenticator) Register(ctx context.Context, username, password string) (jid.JID, error) {
	j, err := a.account(username)
	if err != nil {
		return j, err
	}
	if password == "" {
		return jid.JID{}, stanza.ErrNotAcceptable
	}
	hash, err := HashPassword(password, a.params)
	if err != nil {
		return jid.JID{}, err
	}
	err = a.store.CreateCredential(ctx, j.Localpart(), hash)
	switch {
	case errors.Is(err, storage.ErrConflict):
		return jid.JID{}, stanza.ErrConflict
	case err != nil:
		return jid.JID{}, err
	}
	a.logger.Info("account registered", zap.Stringer("jid", j))
	return j, nil
}

// ChangePassword replaces the password of the account j.
func (a *Authenticator) ChangePassword(ctx context.Context, j jid.JID, password string) error {
	if password == "" {
		return stanza.ErrNotAcceptable
	}
	hash, err := HashPassword(password, a.params)
	if err != nil {
		return err
	}
	err = a.store.SetCredential(ctx, j.Localpart(), hash)
	if errors.Is(err, storage.ErrNotFound) {
		return stanza.ErrItemNotFound
	}
	return err
}

// Unregister deletes the account j and everything stored for it.
func (a *Authenticator) Unregister(ctx context.Context, j jid.JID) error {
	err := a.store.RemoveAccount(ctx, j.Localpart(), j.Bare().String())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return stanza.ErrItemNotFound
	case err != nil:
		return err
	}
	a.logger.Info("account removed", zap.Stringer("jid", j.Bare()))
	return nil
}

// Plain runs the server side of a SASL PLAIN exchange with the decoded
// initial response payload and returns the authenticated bare JID.
//
// Authentication failures are returned as a saslerr.Failure.
func (a *Authenticator) Plain(ctx context.Context, payload []byte) (jid.JID, error) {
	var (
		user     jid.JID
		storeErr error
	)
	n := sasl.NewServer(sasl.Plain, func(n *sasl.Negotiator) bool {
		username, password, identity := n.Credentials()
		j, err := jid.New(string(username), a.domain, "")
		if err != nil {
			return false
		}
		// An authorization identity other than the user's own is not
		// supported.
		if len(identity) > 0 && string(identity) != j.String() && string(identity) != j.Localpart() {
			return false
		}
		hash, err := a.store.Credential(ctx, j.Localpart())
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				storeErr = err
			}
			return false
		}
		ok, err := VerifyPassword(string(password), hash)
		if err != nil {
			storeErr = err
			return false
		}
		user = j
		return ok
	})

	_, _, err := n.Step(payload)
	switch {
	case storeErr != nil:
		a.logger.Error("credential lookup failed", zap.Error(storeErr))
		return jid.JID{}, saslerr.Failure{Condition: saslerr.TemporaryAuthFailure}
	case errors.Is(err, sasl.ErrInvalidChallenge):
		return jid.JID{}, saslerr.Failure{Condition: saslerr.MalformedRequest}
	case err != nil:
		return jid.JID{}, saslerr.Failure{Condition: saslerr.NotAuthorized}
	}
	return user, nil
}

// External runs the server side of a SASL EXTERNAL exchange for a peer server.
// The peer is identified by payload if it is not empty, or by the from
// attribute of its stream header otherwise, and the identity must be
// contained in the certificate it presented.
func (a *Authenticator) External(state tls.ConnectionState, from jid.JID, payload []byte) (jid.JID, error) {
	var peer jid.JID
	n := sasl.NewServer(TLSAuth(), func(n *sasl.Negotiator) bool {
		_, _, identity := n.Credentials()
		claimed := from.Domainpart()
		if len(identity) > 0 {
			if claimed != "" && claimed != string(identity) {
				return false
			}
			claimed = string(identity)
		}
		if claimed == "" {
			return false
		}
		cs := n.TLSState()
		if cs == nil || len(cs.PeerCertificates) == 0 {
			return false
		}
		crt, err := x509.FromCertificate(cs.PeerCertificates[0])
		if err != nil {
			a.logger.Warn("unreadable peer certificate", zap.Error(err))
			return false
		}
		if err := crt.VerifyDomain(claimed); err != nil {
			a.logger.Info("peer certificate rejected", zap.String("claimed", claimed), zap.Error(err))
			return false
		}
		peer, err = jid.Domain(claimed)
		return err == nil
	}, sasl.TLSState(state))

	if _, _, err := n.Step(payload); err != nil {
		return jid.JID{}, saslerr.Failure{Condition: saslerr.NotAuthorized}
	}
	return peer, nil
}

// TLSAuth returns a SASL mechanism that authenticates the connection using the
// TLS client certificate.
// This is an implementation of SASL EXTERNAL specifically tailored to XMPP.
func TLSAuth() sasl.Mechanism {
	return sasl.Mechanism{
		Name: MechExternal,
		Start: func(m *sasl.Negotiator) (bool, []byte, interface{}, error) {
			_, _, identity := m.Credentials()
			return false, identity, nil, nil
		},
		Next: func(m *sasl.Negotiator, challenge []byte, _ interface{}) (bool, []byte, interface{}, error) {
			// Only a server that has not yet answered may receive the identity.
			if m.State()&sasl.Receiving == 0 || m.State()&sasl.StepMask != sasl.AuthTextSent {
				return false, nil, nil, sasl.ErrTooManySteps
			}
			if m.Permissions(sasl.Credentials(func() ([]byte, []byte, []byte) {
				return nil, nil, challenge
			})) {
				return false, nil, nil, nil
			}
			return false, nil, nil, sasl.ErrAuthn
		},
	}
}
