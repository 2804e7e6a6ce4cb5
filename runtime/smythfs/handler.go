package smythfs

import (
	"net/http"
	"strings"

	"goa.design/clue/log"

	"github.com/smythos/sre/runtime/acl"
	"github.com/smythos/sre/runtime/fault"
)

// Handler returns the HTTP surface of the virtual filesystem. It serves:
//
//	GET /_temp/<token>                     — temp URLs (404 after expiry)
//	GET /agents/<agentID>/<opaque>.<ext>   — agent resource URLs
//
// Responses carry the stored Content-Type. Expired or destroyed URLs return
// 404 without revealing whether the object still exists.
func (fs *FS) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_temp/{token}", fs.serveTemp)
	mux.HandleFunc("GET /agents/{agent}/{name}", fs.serveResource)
	return mux
}

func (fs *FS) serveTemp(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	record, ok, err := fs.lookupTemp(r.Context(), token)
	if err != nil {
		log.Error(r.Context(), err, log.KV{K: "msg", V: "temp url lookup failed"})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	candidate := acl.Candidate{Role: record.CandidateRole, ID: record.CandidateID}
	fs.serveObject(w, r, record.URI, candidate)
}

func (fs *FS) serveResource(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	opaque := r.PathValue("name")
	if i := strings.IndexByte(opaque, '.'); i > 0 {
		opaque = opaque[:i]
	}
	nkvConn, err := fs.nkv()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	candidate := acl.Agent(agentID)
	raw, ok, err := nkvConn.Get(r.Context(), candidate.ReadRequest(), resourceStore(agentID), opaque)
	if err != nil || !ok {
		http.NotFound(w, r)
		return
	}
	record, err := decodeResourceRecord(raw)
	if err != nil || record.AgentID != agentID {
		http.NotFound(w, r)
		return
	}
	fs.serveObject(w, r, record.URI, candidate)
}

func (fs *FS) serveObject(w http.ResponseWriter, r *http.Request, uri string, candidate acl.Candidate) {
	data, err := fs.Read(r.Context(), uri, candidate)
	if err != nil {
		switch fault.KindOf(err) {
		case fault.KindNotFound, fault.KindAccessDenied:
			http.NotFound(w, r)
		default:
			log.Error(r.Context(), err, log.KV{K: "msg", V: "serve smythfs object failed"})
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	contentType, err := fs.ContentType(r.Context(), uri, candidate)
	if err != nil || contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}
