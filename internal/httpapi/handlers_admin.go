package httpapi

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/adred-codev/lingerd/internal/broker"
)

// handlePutSubscription serves PUT /channels/{name}/topics/{topic}: create
// or replace the subscription with the given delivery defaults.
func (s *Server) handlePutSubscription(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	params, err := s.parseProduceParams(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.broker.AddSubscription(ps.ByName("name"), ps.ByName("topic"), broker.Subscription{
		Priority: params.priority,
		Timeout:  params.timeout,
		Deliver:  params.deliver,
		Linger:   params.linger,
	})
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteSubscription serves DELETE /channels/{name}/topics/{topic}.
// Always 204: unsubscribing an absent subscription is not an error.
func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.broker.DeleteSubscription(ps.ByName("name"), ps.ByName("topic"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"channels": nonNil(s.broker.ListChannels())})
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"topics": nonNil(s.broker.ListTopics())})
}

func (s *Server) handleListTopicsForChannel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	names := s.broker.ListTopicsForChannel(ps.ByName("name"))
	s.writeJSON(w, http.StatusOK, map[string][]string{"topics": nonNil(names)})
}

func (s *Server) handleListChannelsForTopic(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	names := s.broker.ListChannelsForTopic(ps.ByName("topic"))
	s.writeJSON(w, http.StatusOK, map[string][]string{"channels": nonNil(names)})
}

// handleChannelStats serves GET /channels/{name}/stats: per-channel
// ready/hidden/total counts, or 404 for a channel that doesn't exist.
func (s *Server) handleChannelStats(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	stats, ok := s.broker.ChannelStats(ps.ByName("name"))
	if !ok {
		http.Error(w, "no such channel", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ready":         stats.Ready,
		"hidden":        stats.Hidden,
		"total":         stats.Total,
		"subscriptions": stats.SubscriptionCount,
		"waiters":       stats.WaiterCount,
	})
}

// handleStats serves GET /stats: broker-wide counts plus, when a resource
// guard is wired in, the process resource snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats := s.broker.Stats()
	out := map[string]any{
		"current-messages": stats.CurrentMessages,
		"ready":            stats.Ready,
		"hidden":           stats.Hidden,
		"channels":         stats.Channels,
		"topics":           stats.Topics,
		"waiters":          stats.Waiters,
	}
	if s.guard != nil {
		out["resources"] = s.guard.GetStats()
	}
	s.writeJSON(w, http.StatusOK, out)
}

// nonNil keeps empty listings rendering as [] instead of null.
func nonNil(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}
