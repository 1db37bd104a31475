package session

import (
	"context"
	"io"

	"github.com/c360studio/doctrack/query"
)

// Identity is implemented by providers that know the signed-in user.
type Identity interface {
	User() User
}

// Session ties a token provider and its query cache to one signed-in
// session. Closing the session drops everything cached under it.
type Session struct {
	tokens TokenProvider
	cache  *query.Cache
}

// New creates a session. The cache is owned by the session from here on.
func New(tokens TokenProvider, cache *query.Cache) *Session {
	if cache == nil {
		cache = query.NewCache()
	}
	return &Session{tokens: tokens, cache: cache}
}

// Token implements TokenProvider.
func (s *Session) Token(ctx context.Context) (string, error) {
	if s.tokens == nil {
		return "", nil
	}
	return s.tokens.Token(ctx)
}

// User returns the current identity, or the zero User when the provider
// does not carry one.
func (s *Session) User() User {
	if id, ok := s.tokens.(Identity); ok {
		return id.User()
	}
	return User{}
}

// Cache returns the session's query cache.
func (s *Session) Cache() *query.Cache {
	return s.cache
}

// Close clears the cache and releases the token provider.
func (s *Session) Close() error {
	s.cache.Clear()
	if c, ok := s.tokens.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
