// Package verify reconciles the scripted client's and the browser's views of
// whether an account is logged in.
package verify

import (
	"context"

	"go.uber.org/zap"
)

// Observer reports whether the session it watches is authenticated.
type Observer interface {
	Name() string
	Authenticated(ctx context.Context) (bool, error)
}

// Verdict is the reconciled login decision.
type Verdict struct {
	LoggedIn bool
	// Degraded is set when only the scripted session confirmed the login.
	Degraded bool
	Scripted bool
	Browser  bool
}

// Reconcile applies the precedence rule. A positive browser signal is
// authoritative; a positive scripted signal alone still counts as logged in
// but is marked degraded.
func Reconcile(scripted, browser bool) Verdict {
	v := Verdict{Scripted: scripted, Browser: browser}
	switch {
	case browser:
		v.LoggedIn = true
	case scripted:
		v.LoggedIn = true
		v.Degraded = true
	}
	return v
}

// Verifier queries both observers and reconciles their answers.
type Verifier struct {
	scripted Observer
	browser  Observer
	logger   *zap.Logger
}

// New builds a Verifier.
func New(scripted, browser Observer, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{scripted: scripted, browser: browser, logger: logger}
}

// Verify asks both observers. Observer errors count as a negative signal.
func (v *Verifier) Verify(ctx context.Context) Verdict {
	browserOK := v.observe(ctx, v.browser)
	scriptedOK := v.observe(ctx, v.scripted)
	verdict := Reconcile(scriptedOK, browserOK)
	if verdict.Degraded {
		v.logger.Warn("login confirmed by scripted session only; browser shows no login marker")
	}
	return verdict
}

func (v *Verifier) observe(ctx context.Context, o Observer) bool {
	if o == nil {
		return false
	}
	ok, err := o.Authenticated(ctx)
	if err != nil {
		v.logger.Warn("login observer failed", zap.String("observer", o.Name()), zap.Error(err))
		return false
	}
	v.logger.Debug("login observer answered", zap.String("observer", o.Name()), zap.Bool("authenticated", ok))
	return ok
}
