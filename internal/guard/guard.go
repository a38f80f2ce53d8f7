// Package guard confines tenant-scoped operations to the caller's organization.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/google/uuid"

	"hsurvey.org/identity/internal/auth"
	"hsurvey.org/identity/internal/obs"
)

// DefaultParam is the argument name searched when no explicit target is declared.
const DefaultParam = "organizationId"

// tagName marks the struct field carrying the target organization: `guard:"organization"`.
const tagName = "guard"

// ErrTargetNotDeclared reports a guarded operation whose arguments carry no organization.
// It is a programming error, not a caller error.
var ErrTargetNotDeclared = errors.New("guard: target organization not declared")

// Scoped is implemented by request values that know their target organization.
type Scoped interface {
	TargetOrganization() uuid.UUID
}

// Arg is a named argument passed to Resolve.
type Arg struct {
	Name  string
	Value any
}

// Named pairs an argument value with its parameter name.
func Named(name string, value any) Arg {
	return Arg{Name: name, Value: value}
}

// DeniedError describes a cross-tenant attempt.
type DeniedError struct {
	CallerOrganization uuid.UUID
	TargetOrganization uuid.UUID
	hidden             bool
}

func (e *DeniedError) Error() string {
	if e.hidden {
		return auth.ErrNotFound.Error()
	}
	return fmt.Sprintf("%s: caller organization %s, target %s",
		auth.ErrCrossTenantAccess, e.CallerOrganization, e.TargetOrganization)
}

func (e *DeniedError) Unwrap() error {
	if e.hidden {
		return auth.ErrNotFound
	}
	return auth.ErrCrossTenantAccess
}

// Guard checks that the caller's organization matches the target of an operation.
type Guard struct {
	rootBypass bool
	param      string
	hide       bool
	metrics    bool
	log        *slog.Logger
}

// Option configures Guard behavior.
type Option func(*Guard)

// WithoutRootBypass makes root administrators subject to the check.
func WithoutRootBypass() Option {
	return func(g *Guard) { g.rootBypass = false }
}

// WithParam overrides the argument name used for named resolution.
func WithParam(name string) Option {
	return func(g *Guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.param = name
		}
	}
}

// WithHiddenExistence reports denials as auth.ErrNotFound.
func WithHiddenExistence() Option {
	return func(g *Guard) { g.hide = true }
}

// WithLogger overrides the logger used for decisions.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

// WithMetrics toggles the denial counter.
func WithMetrics(enabled bool) Option {
	return func(g *Guard) { g.metrics = enabled }
}

// New constructs a Guard. Root bypass and metrics are on by default.
func New(opts ...Option) *Guard {
	g := &Guard{
		rootBypass: true,
		param:      DefaultParam,
		metrics:    true,
		log:        obs.Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check verifies the caller stored in ctx may act on target.
func (g *Guard) Check(ctx context.Context, target uuid.UUID) error {
	caller, ok := auth.CallerFromContext(ctx)
	if !ok {
		return g.deny(ctx, "no_tenant", auth.ErrNoTenantContext)
	}
	if g.bypass(ctx, caller) {
		return nil
	}
	if target == uuid.Nil {
		return ErrTargetNotDeclared
	}
	return g.compare(ctx, caller, target)
}

// CheckArgs resolves the target among args and verifies the caller may act on it.
func (g *Guard) CheckArgs(ctx context.Context, args ...any) error {
	caller, ok := auth.CallerFromContext(ctx)
	if !ok {
		return g.deny(ctx, "no_tenant", auth.ErrNoTenantContext)
	}
	if g.bypass(ctx, caller) {
		return nil
	}
	target, err := g.Resolve(args...)
	if err != nil {
		g.log.ErrorContext(ctx, "guarded operation declares no organization", "param", g.param)
		return err
	}
	return g.compare(ctx, caller, target)
}

// Wrap returns op guarded by g. The check runs before op is invoked.
func Wrap[Req, Resp any](g *Guard, op func(context.Context, Req) (Resp, error)) func(context.Context, Req) (Resp, error) {
	return func(ctx context.Context, req Req) (Resp, error) {
		if err := g.CheckArgs(ctx, req); err != nil {
			var zero Resp
			return zero, err
		}
		return op(ctx, req)
	}
}

func (g *Guard) bypass(ctx context.Context, caller auth.CallerContext) bool {
	if !g.rootBypass || !caller.IsRootAdmin {
		return false
	}
	g.log.DebugContext(ctx, "root administrator bypasses organization check", "subject", caller.Subject)
	return true
}

func (g *Guard) compare(ctx context.Context, caller auth.CallerContext, target uuid.UUID) error {
	own, err := caller.RequireOrganization()
	if err != nil {
		return g.deny(ctx, "no_tenant", err)
	}
	if own == target {
		return nil
	}
	g.log.WarnContext(ctx, "cross-tenant access denied",
		"subject", caller.Subject,
		"caller_organization", own.String(),
		"target_organization", target.String(),
	)
	return g.deny(ctx, "cross_tenant", &DeniedError{CallerOrganization: own, TargetOrganization: target, hidden: g.hide})
}

func (g *Guard) deny(ctx context.Context, reason string, err error) error {
	if g.metrics {
		obs.GuardDenials.WithLabelValues(reason).Inc()
	}
	if reason == "no_tenant" {
		g.log.InfoContext(ctx, "caller has no organization")
	}
	return err
}

var uuidType = reflect.TypeOf(uuid.UUID{})

// Resolve finds the target organization among args. Explicit declarations win over
// the configured parameter name, which wins over the first UUID-typed value. A declared
// or named UUID location ends the search even when it holds uuid.Nil.
func (g *Guard) Resolve(args ...any) (uuid.UUID, error) {
	for _, a := range args {
		if id, ok := explicitTarget(a); ok {
			return declared(id)
		}
	}
	for _, a := range args {
		if id, ok := g.namedTarget(a); ok {
			return declared(id)
		}
	}
	for _, a := range args {
		if id, ok := firstUUID(a); ok {
			return id, nil
		}
	}
	return uuid.Nil, ErrTargetNotDeclared
}

func declared(id uuid.UUID) (uuid.UUID, error) {
	if id == uuid.Nil {
		return uuid.Nil, ErrTargetNotDeclared
	}
	return id, nil
}

func explicitTarget(arg any) (uuid.UUID, bool) {
	if a, ok := arg.(Arg); ok {
		arg = a.Value
	}
	if s, ok := arg.(Scoped); ok {
		return s.TargetOrganization(), true
	}
	return scanFields(arg, true, func(f reflect.StructField) bool {
		return f.Tag.Get(tagName) == "organization"
	})
}

func (g *Guard) namedTarget(arg any) (uuid.UUID, bool) {
	if a, ok := arg.(Arg); ok {
		if !strings.EqualFold(a.Name, g.param) {
			return uuid.Nil, false
		}
		id, ok := uuidTyped(reflect.ValueOf(a.Value))
		if !ok {
			g.log.Warn("named organization argument is not a uuid", "param", a.Name, "type", fmt.Sprintf("%T", a.Value))
		}
		return id, ok
	}
	return scanFields(arg, true, func(f reflect.StructField) bool {
		if strings.EqualFold(f.Name, g.param) {
			return true
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name != "" && strings.EqualFold(name, g.param)
	})
}

func firstUUID(arg any) (uuid.UUID, bool) {
	if a, ok := arg.(Arg); ok {
		arg = a.Value
	}
	if id, ok := uuidValue(reflect.ValueOf(arg)); ok {
		return id, true
	}
	return scanFields(arg, false, func(reflect.StructField) bool { return true })
}

// scanFields returns the UUID held by the first field of a struct (or pointer to struct)
// that satisfies match. With keepNil a matching UUID-typed field holding uuid.Nil is
// reported too; otherwise such fields are skipped.
func scanFields(arg any, keepNil bool, match func(reflect.StructField) bool) (uuid.UUID, bool) {
	v := reflect.ValueOf(arg)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return uuid.Nil, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct || v.Type() == uuidType {
		return uuid.Nil, false
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || !match(f) {
			continue
		}
		id, typed := uuidTyped(v.Field(i))
		if typed && (keepNil || id != uuid.Nil) {
			return id, true
		}
	}
	return uuid.Nil, false
}

func uuidValue(v reflect.Value) (uuid.UUID, bool) {
	id, typed := uuidTyped(v)
	return id, typed && id != uuid.Nil
}

// uuidTyped reports whether v holds a uuid.UUID, directly or through pointers. A nil
// *uuid.UUID is typed and yields uuid.Nil.
func uuidTyped(v reflect.Value) (uuid.UUID, bool) {
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return uuid.Nil, false
		}
		v = v.Elem()
	}
	for v.IsValid() && v.Kind() == reflect.Pointer {
		if v.Type().Elem() != uuidType && v.Type().Elem().Kind() != reflect.Pointer {
			return uuid.Nil, false
		}
		if v.IsNil() {
			return uuid.Nil, true
		}
		v = v.Elem()
	}
	if !v.IsValid() || v.Type() != uuidType {
		return uuid.Nil, false
	}
	return v.Interface().(uuid.UUID), true
}
