// Package access decodes a connection's bearer token into an AccessContext
// and answers publish/subscribe/rate-limit allow-list questions for it.
package access

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eventhub/eventhub/internal/topic"
)

// RateLimitRule is one entry of a token's "rlimit" claim.
type RateLimitRule struct {
	Topic      string `json:"topic"`
	IntervalMs int64  `json:"interval"`
	Max        int64  `json:"max"`
}

// Claims is the custom JWT payload Eventhub expects. Tokens are signed
// HS256; verification of the signature itself happens in Authenticate.
type Claims struct {
	Write  []string        `json:"write"`
	Read   []string        `json:"read"`
	Sub    string           `json:"sub"`
	RLimit []RateLimitRule `json:"rlimit"`
	jwt.RegisteredClaims
}

// Context holds the decoded, validated access rules for one connection. It
// is created once at authentication time and consulted on every RPC call.
type Context struct {
	Subject         string
	PublishAllow    []string
	SubscribeAllow  []string
	RateLimitRules  []RateLimitRule
	IsAuthenticated bool
	authDisabled    bool
}

// New returns a Context with no allow-lists or rate-limit rules. When
// authDisabled is true every allow check passes regardless of claims; when
// it is false the context is unauthenticated and grants nothing.
func New(authDisabled bool) *Context {
	return &Context{IsAuthenticated: authDisabled, authDisabled: authDisabled}
}

// Authenticate decodes and validates token with secret, then populates the
// context's allow-lists and rate-limit rules. Invalid allow-list entries are
// dropped silently; authentication fails if the resulting write∪read set is
// empty.
func Authenticate(token, secret string, authDisabled bool) (*Context, error) {
	ctx := New(authDisabled)
	if authDisabled {
		return ctx, nil
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	ctx.Subject = claims.Sub
	for _, entry := range claims.Write {
		if isValidTopicOrFilter(entry) {
			ctx.PublishAllow = append(ctx.PublishAllow, entry)
		}
	}
	for _, entry := range claims.Read {
		if isValidTopicOrFilter(entry) {
			ctx.SubscribeAllow = append(ctx.SubscribeAllow, entry)
		}
	}
	if len(ctx.PublishAllow) == 0 && len(ctx.SubscribeAllow) == 0 {
		return nil, fmt.Errorf("token grants no publish or subscribe access")
	}
	ctx.RateLimitRules = claims.RLimit
	ctx.IsAuthenticated = true
	return ctx, nil
}

func isValidTopicOrFilter(s string) bool {
	return topic.IsValidTopic(s) || topic.IsValidTopicFilter(s)
}

// AllowPublish reports whether t may be published to under this context.
func (c *Context) AllowPublish(t string) bool {
	if c.authDisabled {
		return true
	}
	return matchesAny(c.PublishAllow, t)
}

// AllowSubscribe reports whether t may be subscribed to under this context.
func (c *Context) AllowSubscribe(t string) bool {
	if c.authDisabled {
		return true
	}
	return matchesAny(c.SubscribeAllow, t)
}

func matchesAny(allowList []string, t string) bool {
	for _, entry := range allowList {
		if entry == t || topic.IsFilterMatched(entry, t) {
			return true
		}
	}
	return false
}

// ErrNoRateLimitForTopic is returned by RateLimitForTopic when no rule
// applies to t.
var ErrNoRateLimitForTopic = fmt.Errorf("no rate limit rule for topic")

// RateLimitForTopic returns the rule that applies to t, preferring an exact
// topic match over the longest matching filter.
func (c *Context) RateLimitForTopic(t string) (RateLimitRule, error) {
	var best *RateLimitRule
	for i := range c.RateLimitRules {
		rule := &c.RateLimitRules[i]
		if rule.Topic == t {
			return *rule, nil
		}
		if topic.IsFilterMatched(rule.Topic, t) {
			if best == nil || len(rule.Topic) > len(best.Topic) {
				best = rule
			}
		}
	}
	if best == nil {
		return RateLimitRule{}, ErrNoRateLimitForTopic
	}
	return *best, nil
}
