package loader

import "context"

// Body is a resolved library body ready to be evaluated.
type Body interface {
	Eval(ctx context.Context) error
}

// BodyFunc adapts a plain function to Body.
type BodyFunc func(ctx context.Context) error

func (f BodyFunc) Eval(ctx context.Context) error {
	return f(ctx)
}

// Unit is the result of resolving a module name: either a Body to evaluate or a
// boolean answer that needs no evaluation (true: satisfied natively, false:
// nothing left to load).
type Unit struct {
	body  Body
	value bool
}

// BodyUnit wraps body in a Unit.
func BodyUnit(body Body) Unit {
	return Unit{body: body}
}

// BoolUnit returns a Unit carrying a plain boolean answer.
func BoolUnit(value bool) Unit {
	return Unit{value: value}
}

// Body returns the library body, if the unit carries one.
func (u Unit) Body() (Body, bool) {
	return u.body, u.body != nil
}

// Bool returns the boolean answer of a unit without a body.
func (u Unit) Bool() bool {
	return u.body == nil && u.value
}

func (u Unit) String() string {
	switch {
	case u.body != nil:
		return "body"
	case u.value:
		return "true"
	default:
		return "false"
	}
}

// Namespace is an isolated scope a library body can be evaluated into.
type Namespace interface {
	NamespaceName() string
}

type wrapKind uint8

const (
	wrapNone wrapKind = iota
	wrapExisting
	wrapFresh
)

// Wrap selects the evaluation target for Load.
type Wrap struct {
	kind wrapKind
	ns   Namespace
}

// NoWrap evaluates into the normal top-level scope.
func NoWrap() Wrap {
	return Wrap{}
}

// WrapIn evaluates into ns. A nil ns behaves like NoWrap.
func WrapIn(ns Namespace) Wrap {
	if ns == nil {
		return Wrap{}
	}
	return Wrap{kind: wrapExisting, ns: ns}
}

// WrapFresh evaluates into a namespace allocated for this call only.
func WrapFresh() Wrap {
	return Wrap{kind: wrapFresh}
}

// IsNone reports whether w evaluates into the caller's default scope.
func (w Wrap) IsNone() bool { return w.kind == wrapNone }

// IsFresh reports whether w asks for a namespace allocated per call.
func (w Wrap) IsFresh() bool { return w.kind == wrapFresh }

// Namespace returns the existing namespace carried by w, or nil.
func (w Wrap) Namespace() Namespace {
	if w.kind != wrapExisting {
		return nil
	}
	return w.ns
}

func (w Wrap) String() string {
	switch w.kind {
	case wrapExisting:
		return "namespace " + w.ns.NamespaceName()
	case wrapFresh:
		return "fresh namespace"
	default:
		return "none"
	}
}
