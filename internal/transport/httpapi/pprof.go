package httpapi

import (
	"net/http"
	"net/http/pprof"
	"strings"
)

const pprofRoot = "/debug/pprof/"

// mountPprof serves the runtime profiler under prefix. Every route goes
// through auth, including the named profiles served by pprof.Index.
func mountPprof(mux *http.ServeMux, prefix string, auth func(http.HandlerFunc) http.HandlerFunc) {
	root := pprofPrefix(prefix)
	special := map[string]http.HandlerFunc{
		"cmdline": pprof.Cmdline,
		"profile": pprof.Profile,
		"symbol":  pprof.Symbol,
		"trace":   pprof.Trace,
	}

	mux.HandleFunc(root, auth(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, root)
		if h, ok := special[name]; ok {
			h(w, r)
			return
		}
		// pprof.Index resolves profile names relative to /debug/pprof/.
		r2 := r.Clone(r.Context())
		r2.URL.Path = pprofRoot + name
		pprof.Index(w, r2)
	}))
	mux.Handle(strings.TrimSuffix(root, "/"), http.RedirectHandler(root, http.StatusPermanentRedirect))
}

func pprofPrefix(prefix string) string {
	p := strings.Trim(strings.TrimSpace(prefix), "/")
	if p == "" {
		return pprofRoot
	}
	return "/" + p + "/"
}
