package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	conduit "github.com/xraph/conduit"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
)

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, j *job.ScheduledJob) error {
	_, err := s.col(colJobs).InsertOne(ctx, toJobModel(j))
	if err != nil {
		return fmt.Errorf("conduit/mongo: create job: %w", err)
	}

	return nil
}

// UpdateJob replaces a job document.
func (s *Store) UpdateJob(ctx context.Context, j *job.ScheduledJob) error {
	m := toJobModel(j)
	m.UpdatedAt = now()

	res, err := s.col(colJobs).ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return fmt.Errorf("conduit/mongo: update job: %w", err)
	}

	if res.MatchedCount == 0 {
		return conduit.ErrJobNotFound
	}

	return nil
}

// GetJob returns a job by ID, scoped to the tenant.
func (s *Store) GetJob(ctx context.Context, orgID int32, jobID id.ID) (*job.ScheduledJob, error) {
	var m jobModel

	err := s.col(colJobs).FindOne(ctx, bson.M{
		"_id":    jobID.String(),
		"org_id": orgID,
	}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, conduit.ErrJobNotFound
		}

		return nil, fmt.Errorf("conduit/mongo: get job: %w", err)
	}

	return fromJobModel(&m)
}

// ListJobs returns jobs for a tenant.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.ScheduledJob, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}

	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.col(colJobs).Find(ctx, bson.M{"org_id": opts.OrgID}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: list jobs: %w", err)
	}

	var models []jobModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("conduit/mongo: list jobs: %w", err)
	}

	result := make([]*job.ScheduledJob, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}

		result = append(result, j)
	}

	return result, nil
}

// ListDueJobs returns active jobs with nextRunAt at or before now.
func (s *Store) ListDueJobs(ctx context.Context, nowAt time.Time, limit int) ([]*job.ScheduledJob, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "next_run_at", Value: 1}})
	if limit > 0 {
		findOpts = findOpts.SetLimit(int64(limit))
	}

	cursor, err := s.col(colJobs).Find(ctx, bson.M{
		"is_active":   true,
		"next_run_at": bson.M{"$lte": nowAt},
	}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: list due jobs: %w", err)
	}

	var models []jobModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("conduit/mongo: list due jobs: %w", err)
	}

	result := make([]*job.ScheduledJob, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}

		result = append(result, j)
	}

	return result, nil
}

// ClaimJob advances a job's nextRunAt from prev to next only if it still
// equals prev. Exactly one racing replica wins the update.
func (s *Store) ClaimJob(ctx context.Context, jobID id.ID, prev, next time.Time) (bool, error) {
	res, err := s.col(colJobs).UpdateOne(ctx,
		bson.M{"_id": jobID.String(), "next_run_at": prev},
		bson.M{"$set": bson.M{
			"next_run_at": next,
			"updated_at":  now(),
		}})
	if err != nil {
		return false, fmt.Errorf("conduit/mongo: claim job: %w", err)
	}

	return res.MatchedCount > 0, nil
}

// AppendJobLog persists one run log.
func (s *Store) AppendJobLog(ctx context.Context, l *job.Log) error {
	_, err := s.col(colJobLogs).InsertOne(ctx, toJobLogModel(l))
	if err != nil {
		return fmt.Errorf("conduit/mongo: append job log: %w", err)
	}

	return nil
}

// ListJobLogs returns run logs, newest first.
func (s *Store) ListJobLogs(ctx context.Context, opts job.ListOpts) ([]*job.Log, error) {
	filter := bson.M{}
	if opts.OrgID != 0 {
		filter["org_id"] = opts.OrgID
	}

	if !opts.JobID.IsNil() {
		filter["job_id"] = opts.JobID.String()
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}

	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.col(colJobLogs).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("conduit/mongo: list job logs: %w", err)
	}

	var models []jobLogModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("conduit/mongo: list job logs: %w", err)
	}

	result := make([]*job.Log, 0, len(models))
	for i := range models {
		l, err := fromJobLogModel(&models[i])
		if err != nil {
			return nil, err
		}

		result = append(result, l)
	}

	return result, nil
}
