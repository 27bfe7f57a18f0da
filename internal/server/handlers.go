package server

import (
	"barmatch/internal/chat"
	"barmatch/internal/directory"
	"barmatch/internal/realtime"
	"barmatch/internal/session"
	"barmatch/internal/storage"
	"encoding/json"
	"errors"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type parsers struct {
	venuePool   fastjson.ParserPool
	menuPool    fastjson.ParserPool
	sessionPool fastjson.ParserPool
	messagePool fastjson.ParserPool
	framePool   fastjson.ParserPool
}

type handler struct {
	logger    *zap.SugaredLogger
	store     storage.Repository
	transport *realtime.Adapter
	sessions  *session.Manager
	parsers   parsers

	adoptTimeout time.Duration
	live         liveSessions
}

// respond writes v as JSON with status
func (h *handler) respond(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(payload)
	if err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

func (h *handler) internalError(w http.ResponseWriter, err error) {
	h.logger.Error(err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// stringField reads an optional string field, an error is written when it has another type
func stringField(w http.ResponseWriter, v *fastjson.Value, name string) (string, bool) {
	if !v.Exists(name) {
		return "", true
	}
	fv := v.Get(name)
	if fv.Type() != fastjson.TypeString {
		http.Error(w, "Field \""+name+"\" must be a string", http.StatusBadRequest)
		return "", false
	}
	return string(fv.GetStringBytes()), true
}

// requiredString reads a string field that must be present and not blank
func requiredString(w http.ResponseWriter, v *fastjson.Value, name string) (string, bool) {
	if !v.Exists(name) {
		http.Error(w, "Missing Field \""+name+"\"", http.StatusBadRequest)
		return "", false
	}
	s, ok := stringField(w, v, name)
	if !ok {
		return "", false
	}
	if strings.TrimSpace(s) == "" {
		http.Error(w, "Field \""+name+"\" must have non-zero length", http.StatusBadRequest)
		return "", false
	}
	return s, true
}

// venueField reads and resolves the "venue" reference
func (h *handler) venueField(w http.ResponseWriter, r *http.Request, v *fastjson.Value) (storage.Venue, bool) {
	ref, ok := requiredString(w, v, "venue")
	if !ok {
		return storage.Venue{}, false
	}

	id, err := session.ParseVenueRef(ref)
	if err != nil {
		http.Error(w, "Venue not found", http.StatusNotFound)
		return storage.Venue{}, false
	}

	venue, err := h.store.VenueByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrVenueNotExist) {
			http.Error(w, "Venue not found", http.StatusNotFound)
			return storage.Venue{}, false
		}
		h.internalError(w, err)
		return storage.Venue{}, false
	}
	return venue, true
}

// bindingField resolves the "token" field to its session binding
func (h *handler) bindingField(w http.ResponseWriter, r *http.Request, v *fastjson.Value) (session.Binding, bool) {
	token, ok := requiredString(w, v, "token")
	if !ok {
		return session.Binding{}, false
	}

	b, err := h.sessions.Binding(r.Context(), token)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return session.Binding{}, false
		}
		h.internalError(w, err)
		return session.Binding{}, false
	}
	return b, true
}

// createVenue handles HTTP requests on "/venues/add" endpoint
func (h *handler) createVenue(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.venuePool.Get()
	defer h.parsers.venuePool.Put(parser)
	v, _ := parser.ParseBytes(body)

	name, ok := requiredString(w, v, "name")
	if !ok {
		return
	}
	venue := storage.Venue{Name: strings.TrimSpace(name)}
	for field, dst := range map[string]*string{"address": &venue.Address, "city": &venue.City, "logo_url": &venue.LogoURL} {
		s, ok := stringField(w, v, field)
		if !ok {
			return
		}
		*dst = strings.TrimSpace(s)
	}

	venue, err := h.store.CreateVenue(r.Context(), venue)
	if err != nil {
		h.internalError(w, err)
		return
	}

	h.respond(w, http.StatusCreated, venue)
}

// venueByRef handles HTTP requests on "/venues/get" endpoint
func (h *handler) venueByRef(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.venuePool.Get()
	defer h.parsers.venuePool.Put(parser)
	v, _ := parser.ParseBytes(body)

	venue, ok := h.venueField(w, r, v)
	if !ok {
		return
	}

	h.respond(w, http.StatusOK, venue)
}

// listVenues handles HTTP requests on "/venues/list" endpoint
func (h *handler) listVenues(w http.ResponseWriter, r *http.Request) {
	venues, err := h.store.Venues(r.Context())
	if err != nil {
		h.internalError(w, err)
		return
	}
	if venues == nil {
		venues = []storage.Venue{}
	}

	h.respond(w, http.StatusOK, venues)
}

// addMenuItems handles HTTP requests on "/menu/add" endpoint
func (h *handler) addMenuItems(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.menuPool.Get()
	defer h.parsers.menuPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	venue, ok := h.venueField(w, r, v)
	if !ok {
		return
	}

	if !v.Exists("items") {
		http.Error(w, "Missing Field \"items\"", http.StatusBadRequest)
		return
	}
	itemValues, err := v.Get("items").Array()
	if err != nil || len(itemValues) == 0 {
		http.Error(w, "Field \"items\" must be a non-empty array", http.StatusBadRequest)
		return
	}

	items := make([]storage.MenuItem, 0, len(itemValues))
	for _, iv := range itemValues {
		if iv.Type() != fastjson.TypeObject {
			http.Error(w, "Each item in \"items\" array must be an object", http.StatusBadRequest)
			return
		}
		name, ok := requiredString(w, iv, "name")
		if !ok {
			return
		}
		category, ok := stringField(w, iv, "category")
		if !ok {
			return
		}
		priceValue := iv.Get("price_cents")
		if priceValue == nil {
			http.Error(w, "Field \"price_cents\" must be a non-negative integer", http.StatusBadRequest)
			return
		}
		price, err := priceValue.Int64()
		if err != nil || price < 0 {
			http.Error(w, "Field \"price_cents\" must be a non-negative integer", http.StatusBadRequest)
			return
		}
		items = append(items, storage.MenuItem{
			Name:       strings.TrimSpace(name),
			Category:   strings.TrimSpace(category),
			PriceCents: price,
		})
	}

	n, err := h.store.AddMenuItems(r.Context(), venue.ID, items)
	if err != nil {
		if errors.Is(err, storage.ErrVenueNotExist) {
			http.Error(w, "Venue not found", http.StatusNotFound)
			return
		}
		h.internalError(w, err)
		return
	}

	h.respond(w, http.StatusCreated, map[string]int64{"added": n})
}

// menuByVenue handles HTTP requests on "/menu/get" endpoint
func (h *handler) menuByVenue(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.menuPool.Get()
	defer h.parsers.menuPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	venue, ok := h.venueField(w, r, v)
	if !ok {
		return
	}

	items, err := h.store.MenuByVenue(r.Context(), venue.ID)
	if err != nil {
		h.internalError(w, err)
		return
	}
	if items == nil {
		items = []storage.MenuItem{}
	}

	h.respond(w, http.StatusOK, items)
}

type joinResponse struct {
	Token   string          `json:"token"`
	Profile storage.Profile `json:"profile"`
}

// joinSession handles HTTP requests on "/session/join" endpoint
func (h *handler) joinSession(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.sessionPool.Get()
	defer h.parsers.sessionPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	var req session.JoinRequest
	var interest string
	for field, dst := range map[string]*string{
		"venue":     &req.VenueRef,
		"name":      &req.Name,
		"phone":     &req.Phone,
		"photo_url": &req.PhotoURL,
		"interest":  &interest,
		"table":     &req.TableLabel,
	} {
		s, ok := stringField(w, v, field)
		if !ok {
			return
		}
		*dst = s
	}
	req.Interest = storage.Interest(interest)

	c, err := h.sessions.Join(r.Context(), req)
	if err != nil {
		switch {
		case session.IsValidation(err):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, session.ErrVenueNotFound):
			http.Error(w, "Venue not found", http.StatusNotFound)
		default:
			h.internalError(w, err)
		}
		return
	}

	h.live.hold(c, h.adoptTimeout, func(c *session.Context) {
		h.logger.Infof("Session of profile (id: %s) was not picked up by a stream, disconnecting", c.ProfileID())
		if err := c.Disconnect(zapContext(c)); err != nil {
			h.logger.Errorf("Disconnecting unclaimed session: %v", err)
		}
	})

	h.respond(w, http.StatusCreated, joinResponse{Token: c.Token(), Profile: c.Profile()})
}

// leaveSession handles HTTP requests on "/session/leave" endpoint
func (h *handler) leaveSession(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.sessionPool.Get()
	defer h.parsers.sessionPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	token, ok := requiredString(w, v, "token")
	if !ok {
		return
	}

	if err := h.leave(r, token); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionEnded) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		h.internalError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// leave ends the visit through whichever context currently holds token
func (h *handler) leave(r *http.Request, token string) error {
	if c, ok := h.live.take(token); ok {
		return c.Leave(r.Context())
	}
	if s, ok := h.live.stream(token); ok {
		return s.leave(r.Context())
	}
	return h.sessions.Leave(r.Context(), token)
}

// profilesByVenue handles HTTP requests on "/profiles/get" endpoint
func (h *handler) profilesByVenue(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.venuePool.Get()
	defer h.parsers.venuePool.Put(parser)
	v, _ := parser.ParseBytes(body)

	venue, ok := h.venueField(w, r, v)
	if !ok {
		return
	}

	profiles, err := directory.New(venue.ID, directory.RemoveOnDelete).LoadAll(r.Context(), h.store)
	if err != nil {
		h.internalError(w, err)
		return
	}
	if profiles == nil {
		profiles = []directory.Profile{}
	}

	h.respond(w, http.StatusOK, profiles)
}

// messagesBetween handles HTTP requests on "/messages/get" endpoint
func (h *handler) messagesBetween(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.messagePool.Get()
	defer h.parsers.messagePool.Put(parser)
	v, _ := parser.ParseBytes(body)

	b, ok := h.bindingField(w, r, v)
	if !ok {
		return
	}
	peer, ok := requiredString(w, v, "peer")
	if !ok {
		return
	}

	messages, err := h.store.MessagesBetween(r.Context(), b.VenueID, b.ProfileID, peer)
	if err != nil {
		h.internalError(w, err)
		return
	}
	if messages == nil {
		messages = []storage.Message{}
	}

	h.respond(w, http.StatusOK, messages)
}

// createMessage handles HTTP requests on "/messages/add" endpoint
func (h *handler) createMessage(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.messagePool.Get()
	defer h.parsers.messagePool.Put(parser)
	v, _ := parser.ParseBytes(body)

	b, ok := h.bindingField(w, r, v)
	if !ok {
		return
	}
	peer, ok := requiredString(w, v, "peer")
	if !ok {
		return
	}
	text, ok := stringField(w, v, "body")
	if !ok {
		return
	}
	clientRef, ok := stringField(w, v, "client_ref")
	if !ok {
		return
	}
	if storage.EncodedLen(clientRef) > storage.MaxClientRefBytes {
		http.Error(w, "Field \"client_ref\" must be at most "+strconv.Itoa(storage.MaxClientRefBytes)+" bytes", http.StatusBadRequest)
		return
	}

	text, err := chat.NormalizeBody(text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m, err := h.store.CreateMessage(r.Context(), storage.Message{
		VenueID:    b.VenueID,
		SenderID:   b.ProfileID,
		ReceiverID: peer,
		Body:       text,
		ClientRef:  clientRef,
	})
	if err != nil {
		if errors.Is(err, storage.ErrVenueNotExist) {
			http.Error(w, "Venue not found", http.StatusNotFound)
			return
		}
		h.internalError(w, err)
		return
	}

	h.respond(w, http.StatusCreated, m)
}

// likeMessage handles HTTP requests on "/messages/like" endpoint
func (h *handler) likeMessage(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.messagePool.Get()
	defer h.parsers.messagePool.Put(parser)
	v, _ := parser.ParseBytes(body)

	b, ok := h.bindingField(w, r, v)
	if !ok {
		return
	}

	if !v.Exists("id") {
		http.Error(w, "Missing Field \"id\"", http.StatusBadRequest)
		return
	}
	id, err := v.Get("id").Int64()
	if err != nil || id < 1 {
		http.Error(w, "Field \"id\" must be a valid message id greater than zero", http.StatusBadRequest)
		return
	}

	// only the receiver likes a message, and only inside the venue of the session
	m, err := h.store.MessageByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotExist) {
			http.Error(w, "Message not found", http.StatusNotFound)
			return
		}
		h.internalError(w, err)
		return
	}
	if m.VenueID != b.VenueID || m.ReceiverID != b.ProfileID {
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	}

	if err := h.store.LikeMessage(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, storage.ErrMessageNotExist):
			http.Error(w, "Message not found", http.StatusNotFound)
		case errors.Is(err, storage.ErrAlreadyLiked):
			http.Error(w, "Message is already liked", http.StatusConflict)
		default:
			h.internalError(w, err)
		}
		return
	}

	h.respond(w, http.StatusOK, map[string]int64{"id": id, "likes": 1})
}
