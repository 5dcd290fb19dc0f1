package routing

import "fmt"

// Accept merges the remote table into the local one. It returns the table
// both sides will use, or ErrRejected. Neither input is modified.
func Accept(local, remote Table) (Table, error) {
	in := remote.clone()
	out := Table{
		routes: make(map[Range]Route),
		known:  make(map[Name]struct{}),
	}

	def, ok := local.acceptPair(local.def, in.def)
	if !ok {
		return Table{}, fmt.Errorf("%w: default route local=%s remote=%s", ErrRejected, local.def, in.def)
	}
	out.def = def
	out.known[def.Name] = struct{}{}

	// Local ranges the remote does not mention inherit the default decision.
	for rng := range local.routes {
		if _, ok := in.routes[rng]; ok {
			continue
		}
		if local.def.Requirement == Optional {
			in.routes[rng] = out.def
		} else {
			in.routes[rng] = local.def
		}
	}

	for rng, inRoute := range in.routes {
		if lr, ok := local.routes[rng]; ok {
			r, ok := local.acceptPair(lr, inRoute)
			if !ok {
				return Table{}, fmt.Errorf("%w: range [%d,%d] local=%s remote=%s", ErrRejected, rng.Begin, rng.End, lr, inRoute)
			}
			out.routes[rng] = r
			out.known[r.Name] = struct{}{}
			continue
		}
		switch {
		case local.Recognises(inRoute.Name):
			out.routes[rng] = inRoute
		case inRoute.Requirement == Optional:
			out.routes[rng] = out.def
		default:
			return Table{}, fmt.Errorf("%w: range [%d,%d] requires unknown route %s", ErrRejected, rng.Begin, rng.End, inRoute.Name)
		}
		out.known[out.routes[rng].Name] = struct{}{}
	}
	if len(out.routes) > MaxRoutes {
		return Table{}, fmt.Errorf("%w: %d ranges", ErrTooManyRoutes, len(out.routes))
	}
	return out, nil
}

// acceptPair decides one route given the local route and the remote one.
func (t Table) acceptPair(local, remote Route) (Route, bool) {
	if local.Requirement == Optional {
		if t.Recognises(remote.Name) {
			return remote, true
		}
		if remote.Requirement == Optional {
			return local, true
		}
		return Route{}, false
	}
	if local.Name == remote.Name {
		return local, true
	}
	if remote.Requirement == Optional {
		return local, true
	}
	return Route{}, false
}
