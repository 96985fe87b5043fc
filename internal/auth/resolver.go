package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"schoolchat/pkg/chaterrors"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

// Resolver maps an opaque bearer credential to a concrete identity. It runs
// once per connection at handshake; the result is cached on the session for
// the connection's lifetime and never re-checked per event.
type Resolver struct {
	secret []byte
	store  interfaces.IdentityStore
}

func NewResolver(secret string, store interfaces.IdentityStore) *Resolver {
	return &Resolver{
		secret: []byte(secret),
		store:  store,
	}
}

// claims is the credential payload the platform's auth service issues.
type claims struct {
	Role types.Role `json:"role"`
	jwt.RegisteredClaims
}

// Resolve verifies the credential and looks the subject up in the student
// store then the teacher store; first match wins. An id must not exist in
// both stores, so lookup order carries no ambiguity.
func (r *Resolver) Resolve(ctx context.Context, credential string) (*types.Identity, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, chaterrors.ErrNoCredential
	}

	cleaned := strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))

	var c claims
	token, err := jwt.ParseWithClaims(cleaned, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, chaterrors.Wrap(chaterrors.CodeAuth, "invalid authentication credential", err)
	}

	subject := c.Subject
	if subject == "" {
		return nil, chaterrors.ErrInvalidCredential
	}

	identity, err := r.lookup(ctx, subject)
	if err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			return nil, chaterrors.ErrIdentityNotFound
		}
		return nil, chaterrors.Storage(err)
	}

	return identity, nil
}

func (r *Resolver) lookup(ctx context.Context, id string) (*types.Identity, error) {
	student, err := r.store.FindStudentByID(ctx, id)
	if err == nil {
		return student, nil
	}
	if !errors.Is(err, interfaces.ErrUserNotFound) {
		return nil, err
	}

	teacher, err := r.store.FindTeacherByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return teacher, nil
}
