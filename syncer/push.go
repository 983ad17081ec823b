package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"teilen.sh/core/crr"
)

// PreparePushCommits builds the push request for a document: every
// commit strictly descending from the recorded last-pushed ancestor up
// to the current head, with its changes. Pushing with unresolved
// manual conflicts on the document is refused.
func PreparePushCommits(e *crr.Engine, docID string) (*PushRequest, error) {
	if docID == "" {
		docID = crr.DefaultDocument
	}

	req := &PushRequest{DocumentID: docID}

	doc, err := e.GetDocument(docID)
	if errors.Is(err, crr.ErrUnknownDocument) {
		return req, nil
	}
	if err != nil {
		return nil, err
	}
	if doc.Head == nil {
		return req, nil
	}

	open, err := e.HasOpenConflicts(docID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, crr.ErrConflictPending
	}

	req.FromCommit = doc.LastPushedCommit

	commits, err := commitsSince(e, docID, doc.LastPushedCommit, *doc.Head)
	if err != nil {
		return nil, err
	}
	req.Commits = commits

	ids := make([]string, len(commits))
	for i, c := range commits {
		ids[i] = c.ID
	}
	req.Changes, err = e.ChangesForCommits(ids)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// commitsSince returns the commits reachable from tip but not from
// since, oldest first. Timestamp order is a topological order: a
// commit is always stamped after its parents were known to its author.
func commitsSince(e *crr.Engine, docID string, since *string, tip string) ([]crr.Commit, error) {
	all, err := e.Commits(docID)
	if err != nil {
		return nil, err
	}
	set := newCommitSet(all)

	include := set.ancestors(tip)
	if since != nil {
		for id := range set.ancestors(*since) {
			delete(include, id)
		}
	}

	var out []crr.Commit
	for id := range include {
		if c, ok := set[id]; ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ReceivePushCommits merges a push into the receiving replica. The
// outcome is always a tagged response, never an error escaping to the
// network path: fast-forward and already-seen answer ok, divergence
// answers needs-pull so the pusher can pull, merge locally and retry.
func ReceivePushCommits(ctx context.Context, e *crr.Engine, req *PushRequest) (*PushResponse, error) {
	if req == nil || req.DocumentID == "" {
		return &PushResponse{
			Status:  StatusMalformed,
			Code:    StatusMalformed.Code(),
			Message: "push request missing document id",
		}, nil
	}

	resp := &PushResponse{DocumentID: req.DocumentID}

	if len(req.Commits) == 0 {
		resp.Status = StatusNoCommits
		resp.Code = StatusNoCommits.Code()
		return resp, nil
	}

	for _, c := range req.Commits {
		if c.ID == "" || c.Document != req.DocumentID || len(c.Parents) > 2 {
			resp.Status = StatusMalformed
			resp.Code = StatusMalformed.Code()
			resp.Message = fmt.Sprintf("commit %q is malformed", c.ID)
			return resp, nil
		}
	}

	if _, err := e.EnsureDocument(req.DocumentID); err != nil {
		return nil, err
	}

	head, err := e.Head(req.DocumentID)
	if err != nil {
		return nil, err
	}

	local, err := e.Commits(req.DocumentID)
	if err != nil {
		return nil, err
	}

	union := newCommitSet(local, req.Commits)
	tip := tipOf(req.Commits)

	// receiver already has the tip
	if head != nil && union.isAncestor(tip, *head) {
		resp.Status = StatusOK
		resp.Code = StatusOK.Code()
		resp.Head = head
		return resp, nil
	}

	// fast-forward
	if head == nil || union.isAncestor(*head, tip) {
		if err := e.StoreCommits(req.Commits); err != nil {
			return nil, err
		}
		if _, err := e.ApplyChanges(ctx, req.Changes); err != nil {
			return nil, err
		}
		if err := e.SetHead(req.DocumentID, tip); err != nil {
			return nil, err
		}
		resp.Status = StatusOK
		resp.Code = StatusOK.Code()
		resp.Head = &tip
		resp.AppliedAt = time.Now().UnixNano()
		return resp, nil
	}

	// histories diverged: the pusher is missing commits we have
	resp.Status = StatusNeedsPull
	resp.Code = StatusNeedsPull.Code()
	resp.Head = head
	return resp, nil
}
