// Package auditctx carries the caller of an audited action through a context, so services
// can record who acted without threading request data through every signature.
package auditctx

import "context"

// Actor describes whoever triggered an audited action.
type Actor struct {
	IdentityID string
	SessionID  string
	Email      string
	IPAddress  string
	UserAgent  string
}

type actorKey struct{}

// WithActor stores actor on ctx. Fields left empty keep the value of an actor already on
// ctx, so the auth middleware and a handler can each contribute what they know.
func WithActor(ctx context.Context, actor Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if prev, ok := FromContext(ctx); ok {
		actor = prev.merge(actor)
	}
	return context.WithValue(ctx, actorKey{}, actor)
}

// FromContext returns the actor stored by WithActor.
func FromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

func (a Actor) merge(next Actor) Actor {
	pick := func(cur, override string) string {
		if override != "" {
			return override
		}
		return cur
	}
	return Actor{
		IdentityID: pick(a.IdentityID, next.IdentityID),
		SessionID:  pick(a.SessionID, next.SessionID),
		Email:      pick(a.Email, next.Email),
		IPAddress:  pick(a.IPAddress, next.IPAddress),
		UserAgent:  pick(a.UserAgent, next.UserAgent),
	}
}
