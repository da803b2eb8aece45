package action

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"

	"github.com/SirClappington/ldnq/internal/domain"
)

// Route sends the messages its predicate accepts to Action. An empty When
// matches everything.
type Route struct {
	Name   string
	When   string
	Action Dispatcher
}

type compiledRoute struct {
	name   string
	prog   cel.Program // nil matches all
	action Dispatcher
}

// Router picks the first matching route for each message. Origins outside
// the trusted set are rejected before routing when the set is non-empty.
type Router struct {
	routes  []compiledRoute
	trusted map[string]struct{}
	log     *zap.Logger
}

var _ Dispatcher = (*Router)(nil)

func routeEnv() (*cel.Env, error) {
	return cel.NewEnv(
		// parsed payload
		cel.Variable("json", cel.DynType),
		cel.Variable("types", cel.ListType(cel.StringType)),
		cel.Variable("origin", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("in_reply_to", cel.StringType),
		cel.Variable("payload_ref", cel.StringType),
	)
}

// compileRule type-checks expr as a bool predicate over the route variables.
func compileRule(env *cel.Env, expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if t := checked.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must be bool, got %s", t)
	}
	return env.Program(checked)
}

func NewRouter(routes []Route, trustedOrigins []string, log *zap.Logger) (*Router, error) {
	if log == nil {
		log = zap.NewNop()
	}
	env, err := routeEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	r := &Router{log: log}
	for i, rt := range routes {
		if rt.Action == nil {
			return nil, fmt.Errorf("route %d (%s): no action", i, rt.Name)
		}
		prog, err := compileRule(env, rt.When)
		if err != nil {
			return nil, fmt.Errorf("route %d (%s): %w", i, rt.Name, err)
		}
		r.routes = append(r.routes, compiledRoute{name: rt.Name, prog: prog, action: rt.Action})
	}
	if len(trustedOrigins) > 0 {
		r.trusted = make(map[string]struct{}, len(trustedOrigins))
		for _, o := range trustedOrigins {
			r.trusted[o] = struct{}{}
		}
	}
	return r, nil
}

func (r *Router) Apply(ctx context.Context, m domain.Message) error {
	n, err := Decode(m.Payload)
	if err != nil {
		return err
	}
	origin := n.Origin.GetID()
	if r.trusted != nil {
		if _, ok := r.trusted[origin]; !ok {
			return fmt.Errorf("%w: %q", ErrUntrusted, origin)
		}
	}

	var doc any
	if err := json.Unmarshal(m.Payload, &doc); err != nil {
		return Permanent(fmt.Errorf("decode payload: %w", err))
	}
	types := []string(n.Type)
	if types == nil {
		types = []string{}
	}
	vars := map[string]any{
		"json":        doc,
		"types":       types,
		"origin":      origin,
		"actor":       n.Actor.GetID(),
		"target":      n.Target.GetID(),
		"in_reply_to": n.InReplyTo,
		"payload_ref": m.PayloadRef,
	}

	for _, rt := range r.routes {
		if !r.matches(rt, vars) {
			continue
		}
		r.log.Debug("route matched",
			zap.String("message_id", m.ID),
			zap.String("route", rt.name),
		)
		return rt.action.Apply(ctx, m)
	}
	return fmt.Errorf("%w: type %v", ErrUnmapped, types)
}

func (r *Router) matches(rt compiledRoute, vars map[string]any) bool {
	if rt.prog == nil {
		return true
	}
	out, _, err := rt.prog.Eval(vars)
	if err != nil {
		// missing fields in json.* are evaluation errors; treat as no match
		r.log.Debug("route predicate", zap.String("route", rt.name), zap.Error(err))
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
