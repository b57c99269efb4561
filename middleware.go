package restfuncs

// Chain and the rest of this file descend from the teacher's
// multiplexer.go ServeMux.USE/Chain machinery: the per-verb static route
// table that machinery served has no place in restfuncs (a Server resolves
// one dynamic method name per spec.md §6's path grammar, not a fixed set of
// REST routes), so only the HandlerLinker composition survives, repurposed
// to let a Server be wrapped in cross-cutting handlers (logging, rate
// limiting, auth headers) ahead of dispatch.

import (
	"context"
	"net/http"
)

// Chain links handlers into a single HandlerLinker, the first handler's
// ServeHTTP invoking the second once it completes, and so on. It returns
// nil for an empty input.
func Chain(handlers ...HandlerLinker) HandlerLinker {
	l := len(handlers)
	if l == 0 {
		return nil
	}
	if l > 1 {
		for i := range handlers[:l-1] {
			h := handlers[l-2-i].Link(handlers[l-1-i])
			handlers[l-2-i] = h
		}
	}
	return handlerchain(handlers)
}

type handlerchain []HandlerLinker

func (h handlerchain) ServeHTTP(ctx context.Context, res http.ResponseWriter, req *http.Request) {
	h[0].ServeHTTP(ctx, res, req)
}

func (h handlerchain) Link(l Handler) HandlerLinker {
	length := len(h)
	if length == 0 {
		panic("restfuncs: linking to an empty chain is impossible")
	}
	nh := h[length-1].Link(l)
	h[length-1] = nh
	if length > 1 {
		for i := range h[:length-1] {
			nh := h[length-2-i].Link(h[length-1-i])
			h[length-2-i] = nh
		}
	}
	return h
}

// Wrap composes mw ahead of s's own dispatch, returning a plain
// http.Handler suitable for http.ListenAndServe. Each middleware sees the
// request before Server.ServeHTTP resolves and invokes a remote method.
func (s *Server) Wrap(mw ...HandlerLinker) http.Handler {
	last := HandlerFunc(func(ctx context.Context, w http.ResponseWriter, r *http.Request) {
		s.ServeHTTP(w, r.WithContext(ctx))
	})
	chain := Chain(append(mw, LinkableHandler(last))...)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chain.ServeHTTP(r.Context(), w, r)
	})
}
