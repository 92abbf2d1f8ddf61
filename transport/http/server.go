package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zonekit/zonekit/cursor"
	"github.com/zonekit/zonekit/logging"
	"github.com/zonekit/zonekit/record"
	"github.com/zonekit/zonekit/transport"
	"github.com/zonekit/zonekit/transport/memory"
)

// Server exposes an in-memory zone over the transport's HTTP
// protocol. It is the reference remote used by the serve command and
// by integration tests; a production deployment would put a durable
// zone store behind the same routes.
type Server struct {
	zone   *memory.Zone
	logger *logging.Logger
	router chi.Router
}

// NewServer creates a zone server around the given zone.
func NewServer(zone *memory.Zone, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{zone: zone, logger: logger.WithComponent("zone-server")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/zone", s.handleProvision)
	r.Delete("/zone", s.handleDeprovision)
	r.Post("/zone/records", s.handleWrite)
	r.Post("/zone/changes", s.handleChanges)
	s.router = r

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	if err := s.zone.ProvisionZone(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeprovision(w http.ResponseWriter, r *http.Request) {
	if err := s.zone.DeprovisionZone(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed write request: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.zone.WriteRecords(r.Context(), decodeRecords(req.ToSave), req.ToDelete)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := WriteResponse{}
	for i := range result.Saved {
		resp.Saved = append(resp.Saved, *toJSONRecord(&result.Saved[i]))
	}
	for _, c := range result.Conflicts {
		resp.Conflicts = append(resp.Conflicts, JSONConflict{
			Server:   toJSONRecord(c.Server),
			Client:   toJSONRecord(c.Client),
			Ancestor: toJSONRecord(c.Ancestor),
		})
	}
	s.respond(w, r, resp)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	var req DeltaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed delta request: "+err.Error(), http.StatusBadRequest)
		return
	}

	var token []byte
	if req.Cursor != nil {
		var err error
		token, err = cursor.UnmarshalWire(req.Cursor)
		if err != nil {
			http.Error(w, "invalid cursor: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	delta, err := s.zone.FetchDeltaSince(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	wc, err := cursor.MarshalWire(cursor.KindOpaque, delta.Cursor.Token)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := DeltaResponse{
		DeletedRecordIDs: delta.DeletedRecordIDs,
		MoreComing:       delta.Cursor.MoreComing,
		Cursor:           *wc,
	}
	for i := range delta.Records {
		resp.Records = append(resp.Records, *toJSONRecord(&delta.Records[i]))
	}
	s.respond(w, r, resp)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.LogError(r.Context(), err, "failed to encode response")
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.LogError(r.Context(), err, "zone request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func decodeRecords(in []JSONRecord) []record.RemoteRecord {
	out := make([]record.RemoteRecord, 0, len(in))
	for i := range in {
		out = append(out, *fromJSONRecord(&in[i]))
	}
	return out
}

var _ transport.Remote = (*memory.Zone)(nil)
