package batch

import (
	"context"
	"fmt"
	"strings"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/events"
	"github.com/hochfrequenz/task-orchestrator/internal/gitflow"
)

// combine merges the branches of completed members into the batch branch
// and opens one pull request for it. Member statuses are updated for
// conflicts; a combine that cannot run at all fails every member it
// would have merged.
func (s *Scheduler) combine(st *batchState) {
	st.mu.Lock()
	batchID := st.batch.ID
	into := gitflow.BatchBranchName(batchID)
	st.batch.Branch = into
	conflictBehavior := st.batch.ConflictBehavior
	var branches []string
	byBranch := make(map[string]int)
	for i, m := range st.batch.Members {
		if m.Status == domain.MemberCompleted && m.CommitSHA != "" && m.Branch != "" {
			branches = append(branches, m.Branch)
			byBranch[m.Branch] = i
		}
	}
	s.publish(st, events.BatchMerging, "", "", fmt.Sprintf("Merging %d branches into %s", len(branches), into))
	st.mu.Unlock()

	log := s.logger.With("batch_id", batchID, "branch", into)
	log.Info("combining batch", "branches", len(branches))

	ctx, cancel := context.WithTimeout(context.Background(), s.mergeTimeout)
	defer cancel()

	fail := func(err error) {
		log.Error("combine failed", "error", err)
		st.mu.Lock()
		defer st.mu.Unlock()
		now := s.now()
		for _, idx := range byBranch {
			st.settle(idx, domain.MemberFailed, "Combine failed: "+err.Error(), now)
		}
	}

	workdir, err := s.git.Clone(ctx, s.repo, "batch-"+domain.ShortID(batchID))
	if err != nil {
		fail(fmt.Errorf("cloning: %w", err))
		return
	}
	defer func() {
		if err := s.git.Remove(workdir); err != nil {
			log.Warn("removing batch workdir", "error", err)
		}
	}()

	id := gitflow.ResolveIdentity(nil, s.getenv)
	res, err := s.git.Merge(ctx, workdir, into, branches, id)
	if err != nil {
		fail(fmt.Errorf("merging: %w", err))
		return
	}

	st.mu.Lock()
	now := s.now()
	for _, branch := range res.Conflicted {
		idx := byBranch[branch]
		taskID := st.batch.Members[idx].TaskID
		if conflictBehavior == domain.ConflictFail {
			st.settle(idx, domain.MemberFailed, "Merge conflict with batch branch", now)
			s.publish(st, events.BatchTaskFailed, taskID, "", "Merge conflict with batch branch")
		} else {
			st.settle(idx, domain.MemberSkipped, "Merge conflict, left out of batch branch", now)
			s.publish(st, events.BatchTaskSkipped, taskID, "", "Merge conflict, left out of batch branch")
		}
	}
	titles := make([]string, 0, len(res.Merged))
	for _, branch := range res.Merged {
		titles = append(titles, "- "+st.batch.Members[byBranch[branch]].Title)
	}
	st.mu.Unlock()

	if len(res.Merged) == 0 {
		log.Warn("no branch merged cleanly, skipping pull request")
		return
	}

	if err := s.git.Push(ctx, workdir, into, id); err != nil {
		fail(fmt.Errorf("pushing: %w", err))
		return
	}

	pr, err := s.git.OpenPullRequest(ctx, s.repo, gitflow.PullRequestRequest{
		Branch: into,
		Base:   s.repo.Base(),
		Title:  fmt.Sprintf("Batch %s: %d tasks", domain.ShortID(batchID), len(res.Merged)),
		Body:   "Combined changes of:\n\n" + strings.Join(titles, "\n") + "\n",
	})
	if err != nil && pr.URL == "" {
		fail(fmt.Errorf("opening pull request: %w", err))
		return
	}
	if err != nil {
		log.Warn("pull request fell back to compare link", "error", err)
	}

	st.mu.Lock()
	st.batch.PRURL = pr.URL
	st.batch.IsCompareLink = pr.IsCompareLink
	st.mu.Unlock()
	log.Info("batch combined", "merged", len(res.Merged), "conflicted", len(res.Conflicted), "pr_url", pr.URL)
}
