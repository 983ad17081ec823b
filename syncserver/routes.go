package syncserver

import (
	"encoding/json"
	"net/http"

	"teilen.sh/core/syncer"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// PushChanges accepts a push request, merges it, and answers with the
// tagged push response. Divergent pushers get needs-pull and are
// expected to pull, merge locally and retry.
func (h *Sync) PushChanges(w http.ResponseWriter, r *http.Request) {
	var req syncer.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, syncer.PushResponse{
			Status:  syncer.StatusMalformed,
			Code:    http.StatusBadRequest,
			Message: "undecodable push request",
		})
		return
	}

	resp, err := syncer.ReceivePushCommits(r.Context(), h.e, &req)
	if err != nil {
		h.l.Error("failed to receive push", "doc", req.DocumentID, "err", err)
		writeJSON(w, http.StatusInternalServerError, syncer.PushResponse{
			Status:     syncer.StatusMalformed,
			Code:       http.StatusInternalServerError,
			DocumentID: req.DocumentID,
			Message:    "failed to apply push",
		})
		return
	}

	if resp.Status == syncer.StatusOK && len(req.Commits) > 0 {
		// everyone else should pull
		h.hub.broadcastPullHint(req.DocumentID, r.URL.Query().Get("clientId"))
	}

	writeJSON(w, resp.Code, resp)
}

// PullChanges serves the commits a puller is missing.
func (h *Sync) PullChanges(w http.ResponseWriter, r *http.Request) {
	var req syncer.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, syncer.PullResponse{
			Code:    http.StatusBadRequest,
			Message: "undecodable pull request",
		})
		return
	}

	resp, err := syncer.PreparePullCommits(h.e, &req)
	if err != nil {
		h.l.Error("failed to prepare pull", "doc", req.DocumentID, "err", err)
		writeJSON(w, http.StatusInternalServerError, syncer.PullResponse{
			Code:       http.StatusInternalServerError,
			DocumentID: req.DocumentID,
			Message:    "failed to prepare pull",
		})
		return
	}

	writeJSON(w, resp.Code, resp)
}
