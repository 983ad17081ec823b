package syncer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"teilen.sh/core/crr"
)

// PreparePullRequest builds the pull request from the document's
// recorded cursors.
func PreparePullRequest(e *crr.Engine, docID string) (*PullRequest, error) {
	if docID == "" {
		docID = crr.DefaultDocument
	}

	req := &PullRequest{
		DocumentID: docID,
		SiteID:     e.SiteID(),
	}

	doc, err := e.GetDocument(docID)
	if errors.Is(err, crr.ErrUnknownDocument) {
		return req, nil
	}
	if err != nil {
		return nil, err
	}

	req.SinceCommit = doc.LastPulledCommit
	req.LastPulledAt = doc.LastPulledAt
	return req, nil
}

// PreparePullCommits serves a pull request: every commit strictly
// descending from the puller's recorded cursor up to the local head,
// with its changes.
func PreparePullCommits(e *crr.Engine, req *PullRequest) (*PullResponse, error) {
	if req == nil || req.DocumentID == "" {
		return &PullResponse{
			Code:    http.StatusBadRequest,
			Message: "pull request missing document id",
		}, nil
	}

	resp := &PullResponse{
		Code:       http.StatusOK,
		DocumentID: req.DocumentID,
		PulledAt:   time.Now().UnixNano(),
	}

	doc, err := e.GetDocument(req.DocumentID)
	if errors.Is(err, crr.ErrUnknownDocument) {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	if doc.Head == nil {
		return resp, nil
	}

	since := req.SinceCommit
	resp.Commits, err = commitsSince(e, req.DocumentID, since, *doc.Head)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(resp.Commits))
	for i, c := range resp.Commits {
		ids[i] = c.ID
	}
	resp.Changes, err = e.ChangesForCommits(ids)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ApplyPull integrates pull responses, one per document, and collects
// the conflicts each surfaced.
func ApplyPull(ctx context.Context, e *crr.Engine, resps ...*PullResponse) (*PullApplyResult, error) {
	result := &PullApplyResult{}
	for _, resp := range resps {
		sub, err := ReceivePullCommits(ctx, e, resp)
		if err != nil {
			return nil, err
		}
		result.Documents = append(result.Documents, sub.Documents...)
	}
	return result, nil
}

// ReceivePullCommits integrates one pull response: remote commits are
// stored, their changes applied under the usual arbitration, and a
// diverged local head is joined with a synthetic merge commit authored
// by this site. Cursors advance only once everything applied.
func ReceivePullCommits(ctx context.Context, e *crr.Engine, resp *PullResponse) (*PullApplyResult, error) {
	result := &PullApplyResult{}
	if resp == nil || resp.DocumentID == "" {
		return result, nil
	}

	docID := resp.DocumentID
	if _, err := e.EnsureDocument(docID); err != nil {
		return nil, err
	}

	if len(resp.Commits) == 0 {
		if resp.PulledAt > 0 {
			if err := e.SetLastPulledAt(docID, resp.PulledAt); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	if err := e.StoreCommits(resp.Commits); err != nil {
		return nil, err
	}

	conflicts, err := e.ApplyChanges(ctx, resp.Changes)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		result.Documents = append(result.Documents, DocumentConflicts{
			DocumentID: docID,
			Conflicts:  conflicts,
		})
	}

	head, err := e.Head(docID)
	if err != nil {
		return nil, err
	}

	local, err := e.Commits(docID)
	if err != nil {
		return nil, err
	}
	set := newCommitSet(local)
	tip := tipOf(resp.Commits)

	switch {
	case head == nil || set.isAncestor(*head, tip):
		// fast-forward
		if err := e.SetHead(docID, tip); err != nil {
			return nil, err
		}
	case set.isAncestor(tip, *head):
		// already incorporated
	default:
		// diverged: join the branches locally so the next push
		// fast-forwards at the remote
		if _, err := e.CreateMergeCommit(docID, *head, tip); err != nil {
			return nil, err
		}
	}

	if err := e.SetLastPulled(docID, tip, resp.PulledAt); err != nil {
		return nil, err
	}
	return result, nil
}
