package getwork

import (
	"fmt"
	"net/http"
	"strings"
)

// handleStatus serves the read-only HTML status page (component F): the
// active DAG epoch and each configured upstream's connection state. Pure
// read of the registry and upstream observables, no side effects.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	b.WriteString("<html><body>")

	job := s.reg.CurrentJob()
	if job == nil {
		b.WriteString("<p>no job cached yet</p>")
	} else {
		fmt.Fprintf(&b, "<p>DAG: %s</p>", job.DAGIdentifier())
	}

	b.WriteString("<ul>")
	for _, u := range s.reg.Upstreams() {
		state := "disconnected"
		if u.IsConnected() {
			state = "connected"
		}
		fmt.Fprintf(&b, "<li>%s %s:%d (%s) %s</li>", u.Name(), u.Host(), u.Port(), u.RemoteIP(), state)
	}
	b.WriteString("</ul></body></html>")

	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(b.String()))
}
