package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/adred-codev/lingerd/internal/broker"
	"github.com/adred-codev/lingerd/internal/snsadapter"
)

// produceParams are the delivery parameters shared by direct adds and
// subscription creation, parsed from the query string.
type produceParams struct {
	priority int
	timeout  time.Duration
	deliver  int
	linger   time.Duration
}

// parseProduceParams reads ?priority=&timeout=&deliver=&linger= with the
// configured default visibility timeout. timeout and linger are seconds,
// fractional values allowed.
func (s *Server) parseProduceParams(q url.Values) (produceParams, error) {
	p := produceParams{timeout: s.cfg.DefaultTimeout}

	if v := q.Get("priority"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, errors.New("priority must be an integer")
		}
		p.priority = n
	}
	if v := q.Get("deliver"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, errors.New("deliver must be a non-negative integer")
		}
		p.deliver = n
	}
	if v := q.Get("timeout"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return p, errors.New("timeout must be non-negative seconds")
		}
		p.timeout = d
	}
	if v := q.Get("linger"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return p, errors.New("linger must be non-negative seconds")
		}
		p.linger = d
	}
	return p, nil
}

// parseSeconds converts a (possibly fractional) non-negative seconds string
// into a duration.
func parseSeconds(v string) (time.Duration, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, errors.New("invalid seconds value")
	}
	return time.Duration(f * float64(time.Second)), nil
}

// handleAddMessage serves POST /channels/{name}: enqueue the form field
// "msg" (or, when the request is an SNS endpoint delivery, the translated
// SNS payload) onto the channel.
func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	params, err := s.parseProduceParams(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if snsType := r.Header.Get(snsadapter.HeaderMessageType); snsType != "" {
		s.handleSNSDelivery(w, r, name, params, snsType)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	if !r.PostForm.Has("msg") {
		http.Error(w, "missing msg field", http.StatusBadRequest)
		return
	}
	body := []byte(r.PostFormValue("msg"))

	if s.guard != nil && !s.guard.AllowPublish() {
		http.Error(w, "publish rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	id, err := s.broker.AddMessage(broker.AddMessageParams{
		Channel:  name,
		Body:     body,
		Mimetype: "text/plain",
		Priority: params.priority,
		Timeout:  params.timeout,
		Deliver:  params.deliver,
		Linger:   params.linger,
	})
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]int64{"id": id})
}

// handleSNSDelivery handles a POST /channels/{name} bearing an SNS message
// type header. A SubscriptionConfirmation kicks off its SubscribeURL fetch
// and creates no message; a Notification enqueues the inner Message field.
func (s *Server) handleSNSDelivery(w http.ResponseWriter, r *http.Request, name string, params produceParams, snsType string) {
	if s.sns == nil {
		http.Error(w, "sns ingestion disabled", http.StatusBadRequest)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	payload, err := s.sns.Parse(raw)
	if err != nil {
		http.Error(w, "malformed sns payload", http.StatusBadRequest)
		return
	}

	switch snsType {
	case snsadapter.TypeSubscriptionConfirmation:
		if err := s.sns.ConfirmSubscription(payload); err != nil {
			s.logger.Warn().Err(err).Str("channel", name).Msg("sns confirmation not attempted")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]any{})

	case snsadapter.TypeNotification:
		if s.guard != nil && !s.guard.AllowPublish() {
			http.Error(w, "publish rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		id, err := s.broker.AddMessage(broker.AddMessageParams{
			Channel:  name,
			Body:     s.sns.ExtractNotification(payload),
			Mimetype: "text/plain",
			Priority: params.priority,
			Timeout:  params.timeout,
			Deliver:  params.deliver,
			Linger:   params.linger,
		})
		if err != nil {
			s.writeBrokerError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]int64{"id": id})

	default:
		// UnsubscribeConfirmation and anything newer: acknowledged, ignored.
		s.writeJSON(w, http.StatusAccepted, map[string]any{})
	}
}

// handleGetMessage serves GET /channels/{name}: the consumer side. Responds
// 200 with the message body (id in X-LINGER-MSG-ID) or 204 when nothing is
// available within the wait budget.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	q := r.URL.Query()

	nowait := q.Get("nowait") != "" && q.Get("nowait") != "0"
	wait := s.cfg.DefaultLongPoll
	if v := q.Get("timeout"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			http.Error(w, "timeout must be non-negative seconds", http.StatusBadRequest)
			return
		}
		wait = d
	}

	if s.guard != nil && !nowait && !s.guard.AllowGetMessage() {
		http.Error(w, "long-poll rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	msg, err := s.broker.GetMessage(r.Context(), name, nowait, wait)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Client went away mid-poll; nothing left to write to.
			return
		}
		s.writeBrokerError(w, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	mimetype := msg.Mimetype
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	w.Header().Set("X-LINGER-MSG-ID", strconv.FormatInt(msg.ID, 10))
	w.Header().Set("Content-Type", mimetype)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(msg.Body); err != nil {
		s.logger.Debug().Err(err).Int64("message_id", msg.ID).Msg("failed to write message body")
	}
}

// handlePublish serves POST /topics/{topic}: fan the form field "msg" out to
// every subscribed channel. Responds 202 with the channel→id mapping, empty
// when nothing is subscribed.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	topicName := ps.ByName("topic")

	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	if !r.PostForm.Has("msg") {
		http.Error(w, "missing msg field", http.StatusBadRequest)
		return
	}

	if s.guard != nil && !s.guard.AllowPublish() {
		http.Error(w, "publish rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	ids, err := s.broker.PublishMessage(topicName, []byte(r.PostFormValue("msg")), "text/plain")
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, ids)
}

// handleDeleteMessage serves DELETE /messages/{id}. Always 204: deleting an
// already-gone message is not an error.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := strconv.ParseInt(ps.ByName("id"), 10, 64)
	if err != nil {
		http.Error(w, "message id must be an integer", http.StatusBadRequest)
		return
	}
	s.broker.DeleteMessageFromID(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleTouchMessage serves POST /messages/{id}/touch: 204 if the hidden
// message's visibility window was extended, 404 otherwise.
func (s *Server) handleTouchMessage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := strconv.ParseInt(ps.ByName("id"), 10, 64)
	if err != nil {
		http.Error(w, "message id must be an integer", http.StatusBadRequest)
		return
	}
	if !s.broker.TouchMessageFromID(id) {
		http.Error(w, "no such hidden message", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDrainChannel serves DELETE /channels/{name}: remove every message on
// the channel, leaving subscriptions in place.
func (s *Server) handleDrainChannel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	n := s.broker.DrainChannel(ps.ByName("name"))
	s.writeJSON(w, http.StatusOK, map[string]int{"drained": n})
}
