package invitations

import (
	"context"
	"errors"
	"strings"

	apperrors "github.com/charlesng35/sentinel/pkg/errors"
)

// CodeChecker looks an invitation code up on behalf of callerEmail.
type CodeChecker interface {
	CheckCode(ctx context.Context, code, callerEmail string) (*Details, error)
}

// RemoteAcceptor runs the privileged acceptance operation. Only it may change an
// invitation's status.
type RemoteAcceptor interface {
	AcceptInvitation(ctx context.Context, code, bearerToken string) (*Details, error)
}

// JoinFlow is the client side of redeeming an invitation. It performs no local optimistic
// update: the caller refreshes its profile after a successful Accept.
type JoinFlow struct {
	checker  CodeChecker
	acceptor RemoteAcceptor
}

// NewJoinFlow builds a JoinFlow.
func NewJoinFlow(checker CodeChecker, acceptor RemoteAcceptor) (*JoinFlow, error) {
	if checker == nil || acceptor == nil {
		return nil, errors.New("invitations: checker and acceptor are required")
	}
	return &JoinFlow{checker: checker, acceptor: acceptor}, nil
}

// CheckCode validates code for callerEmail. Failures are surfaced verbatim.
func (f *JoinFlow) CheckCode(ctx context.Context, code, callerEmail string) (*Details, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperrors.ErrInvitationInvalid
	}
	return f.checker.CheckCode(ctx, code, callerEmail)
}

// Accept redeems code with the caller's bearer token. It is a single request without retry.
func (f *JoinFlow) Accept(ctx context.Context, code, bearerToken string) (*Details, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperrors.ErrInvitationInvalid
	}
	if strings.TrimSpace(bearerToken) == "" {
		return nil, apperrors.ErrSessionRequired
	}
	return f.acceptor.AcceptInvitation(ctx, code, bearerToken)
}
