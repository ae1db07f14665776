package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/campaign-sync/internal/errors"
	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/metrics"
	"github.com/campaign-sync/internal/models"
)

// fanOut turns a sync job into one url_sync child per missing URL. The parent
// stays in processing until every child reaches a terminal state.
func (q *Queue) fanOut(ctx context.Context, parent *models.Job) {
	logger := logging.FromContext(ctx)

	urls, err := q.engine.MissingURLs(ctx)
	if err != nil {
		q.fail(ctx, parent, nil, err.Error())
		return
	}
	if len(urls) == 0 {
		results := models.NewSyncResults(parent.CreatedAt)
		q.engine.Finalize(ctx, results)
		q.settle(ctx, parent, results, nil)
		return
	}

	now := q.now()
	children := make([]*models.Job, len(urls))
	encoded := make([][]byte, len(urls))
	for i, url := range urls {
		child := models.NewJob(models.URLSyncParams{URL: url, ParentID: parent.ID}, now)
		data, err := json.Marshal(child)
		if err != nil {
			q.fail(ctx, parent, nil, err.Error())
			return
		}
		children[i] = child
		encoded[i] = data
	}

	_, err = q.update(ctx, parent.ID, func(j *models.Job) error {
		j.AwaitingChildren = true
		j.URLsTotal = len(children)
		j.URLsProcessed = 0
		j.Results = models.NewSyncResults(now)
		j.ChildIDs = make([]string, len(children))
		for i, c := range children {
			j.ChildIDs[i] = c.ID
		}
		return nil
	}, func(pipe redis.Pipeliner, _ *models.Job) {
		for i, c := range children {
			pipe.Set(ctx, q.jobKey(c.ID), encoded[i], q.opts.JobTTL)
			pipe.SAdd(ctx, q.indexKey(), c.ID)
			pipe.LPush(ctx, q.listKey(), c.ID)
		}
	})
	if err != nil {
		logger.WithError(err).Error("Failed to fan out sync job")
		q.fail(ctx, parent, nil, err.Error())
		return
	}

	for range children {
		metrics.ObserveJob(string(models.JobTypeURLSync), "enqueued")
	}
	logger.WithField("children", len(children)).Info("Fanned out sync job")
}

// reportToParent folds a terminal url_sync child into its parent. The child
// that completes the set finalizes the parent pass.
func (q *Queue) reportToParent(ctx context.Context, child *models.Job) {
	if child == nil || child.Type != models.JobTypeURLSync {
		return
	}
	params, ok := child.Params.(models.URLSyncParams)
	if !ok || params.ParentID == "" {
		return
	}
	logger := logging.FromContext(ctx).WithField("parentId", params.ParentID)

	childResults := child.Results
	if childResults == nil {
		childResults = models.NewSyncResults(child.CreatedAt)
	}

	var complete bool
	parent, err := q.update(ctx, params.ParentID, func(p *models.Job) error {
		if !p.AwaitingChildren {
			return errSkip
		}
		if p.Results == nil {
			p.Results = models.NewSyncResults(p.CreatedAt)
		}
		p.Results.Merge(childResults)
		p.Results.Total = p.URLsTotal
		p.URLsProcessed++
		complete = p.URLsProcessed >= p.URLsTotal
		if complete {
			p.AwaitingChildren = false
		}
		return nil
	}, nil)
	if err != nil {
		if !errors.Is(err, errSkip) {
			logger.WithError(err).Error("Failed to update parent job")
		}
		return
	}

	logger.WithFields(map[string]interface{}{
		"urlsProcessed": parent.URLsProcessed,
		"urlsTotal":     parent.URLsTotal,
	}).Info("Child job reported")
	if !complete {
		return
	}

	q.completeParent(ctx, parent)
}

// completeParent finalizes the merged pass of a parent that stopped waiting
func (q *Queue) completeParent(ctx context.Context, parent *models.Job) {
	logger := logging.FromContext(ctx).WithField("parentId", parent.ID)

	status := q.engine.Finalize(ctx, parent.Results)
	finalResults := parent.Results
	_, err := q.update(ctx, parent.ID, func(p *models.Job) error {
		p.Status = models.JobCompleted
		p.Results = finalResults
		return nil
	}, func(pipe redis.Pipeliner, p *models.Job) {
		pipe.SRem(ctx, q.indexKey(), p.ID)
	})
	if err != nil {
		logger.WithError(err).Error("Failed to complete parent job")
		return
	}
	metrics.ObserveJob(string(models.JobTypeSync), "completed")
	logger.WithField("status", string(status)).Info("Fan-out sync finished")
}

// checkParent closes a waiting parent once its remaining children can no longer
// report: every outstanding child record is gone, or no child has reported for
// ChildrenTimeout.
func (q *Queue) checkParent(ctx context.Context, parent *models.Job) {
	logger := logging.FromContext(ctx).WithField("parentId", parent.ID)
	outstanding := parent.URLsTotal - parent.URLsProcessed

	lost, err := q.lostChildren(ctx, parent)
	if err != nil {
		logger.WithError(err).Warn("Could not check child jobs")
		return
	}

	switch {
	case outstanding <= 0 || (lost > 0 && lost >= outstanding):
		q.closeParent(ctx, parent.ID, "were lost before reporting")
	case parent.UpdatedAt.Before(q.now().Add(-q.opts.ChildrenTimeout)):
		q.closeParent(ctx, parent.ID, fmt.Sprintf("did not report within %s", q.opts.ChildrenTimeout))
	}
}

// lostChildren counts child records that expired or were dropped
func (q *Queue) lostChildren(ctx context.Context, parent *models.Job) (int, error) {
	if len(parent.ChildIDs) == 0 {
		return 0, nil
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(parent.ChildIDs))
	for i, id := range parent.ChildIDs {
		cmds[i] = pipe.Exists(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	lost := 0
	for _, cmd := range cmds {
		if cmd.Val() == 0 {
			lost++
		}
	}
	return lost, nil
}

// closeParent stops waiting, counts unreported children as errors, and finalizes
// with whatever the reported children merged in
func (q *Queue) closeParent(ctx context.Context, parentID, why string) {
	logger := logging.FromContext(ctx).WithField("parentId", parentID)

	var missing int
	parent, err := q.update(ctx, parentID, func(p *models.Job) error {
		if p.Status != models.JobProcessing || !p.AwaitingChildren {
			return errSkip
		}
		missing = p.URLsTotal - p.URLsProcessed
		if missing < 0 {
			missing = 0
		}
		if p.Results == nil {
			p.Results = models.NewSyncResults(p.CreatedAt)
		}
		if missing > 0 {
			p.Results.Errors += missing
			p.Results.AddDetail(apperrors.CodeQueueError,
				fmt.Sprintf("%d of %d child jobs %s", missing, p.URLsTotal, why), q.now().UTC())
		}
		p.Results.Total = p.URLsTotal
		p.AwaitingChildren = false
		return nil
	}, nil)
	if errors.Is(err, errSkip) {
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to close parent job")
		return
	}

	metrics.ObserveStuckJob("children_abandoned")
	logger.WithFields(map[string]interface{}{
		"missing":   missing,
		"urlsTotal": parent.URLsTotal,
	}).Warn("Closing fan-out sync without every child")
	q.completeParent(ctx, parent)
}
