package comms

import (
	"context"

	"github.com/morezero/module-comms/pkg/commserr"
	"github.com/morezero/module-comms/pkg/modules"
)

// Caller is the identity behind a cross-module call.
type Caller struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenantId,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	// Secure is set by the auth provider when the call arrived over a
	// confidential channel. Encrypted modules require it.
	Secure bool `json:"secure,omitempty"`
}

// HasAny reports whether the caller holds at least one of perms.
func (c *Caller) HasAny(perms []string) bool {
	for _, want := range perms {
		for _, have := range c.Permissions {
			if have == want {
				return true
			}
		}
	}
	return false
}

type callerKey struct{}

// WithCaller attaches a caller to ctx.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached to ctx, if any.
func CallerFrom(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(*Caller)
	return c, ok && c != nil
}

// AuthProvider resolves the caller for a call.
type AuthProvider interface {
	Authenticate(ctx context.Context) (*Caller, error)
}

// ContextAuthProvider trusts the caller placed on the context by the transport.
type ContextAuthProvider struct{}

// Authenticate returns the context caller or a security error.
func (ContextAuthProvider) Authenticate(ctx context.Context) (*Caller, error) {
	c, ok := CallerFrom(ctx)
	if !ok || c.ID == "" {
		return nil, commserr.Security("no caller context")
	}
	return c, nil
}

// AuthFunc adapts a function to AuthProvider.
type AuthFunc func(ctx context.Context) (*Caller, error)

// Authenticate calls f.
func (f AuthFunc) Authenticate(ctx context.Context) (*Caller, error) { return f(ctx) }

// authorize enforces target's security level. A nil caller is returned for
// levels that do not need one.
func authorize(ctx context.Context, auth AuthProvider, target modules.Info) (*Caller, error) {
	level := target.SecurityLevel
	if !level.RequiresCaller() {
		c, _ := CallerFrom(ctx)
		return c, nil
	}
	caller, err := auth.Authenticate(ctx)
	if err != nil {
		if commserr.IsCode(err, commserr.CodeSecurity) {
			return nil, err
		}
		return nil, commserr.Wrap(commserr.CodeSecurity, err, "caller could not be authenticated")
	}
	if caller == nil || caller.ID == "" {
		return nil, commserr.Security("module %s requires an authenticated caller", target.ID)
	}
	if level.RequiresPermission() && !caller.HasAny(target.RequiredPermissions) {
		return caller, commserr.Security("caller %s lacks permission for module %s", caller.ID, target.ID).
			WithDetails(map[string]interface{}{"required": target.RequiredPermissions})
	}
	if level == modules.SecurityEncrypted && !caller.Secure {
		return caller, commserr.Security("module %s requires a secure channel", target.ID)
	}
	return caller, nil
}
