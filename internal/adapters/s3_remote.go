package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/TheMichaelB/chatvault/internal/config"
	"github.com/TheMichaelB/chatvault/internal/events"
	"github.com/TheMichaelB/chatvault/internal/models"
)

// S3API is the subset of the S3 client the remote uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3Remote stores encrypted records in an S3 bucket. Records are JSON
// objects under records/, deletions leave objects under tombstones/, and the
// passkey credential array lives in passkeys.json.
type S3Remote struct {
	client S3API
	bucket string
	prefix string
	logger *events.Logger
	now    func() time.Time
}

// NewS3Remote builds a remote from the default AWS credential chain.
func NewS3Remote(ctx context.Context, cfg *config.RemoteConfig, logger *events.Logger) (*S3Remote, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewS3RemoteWithClient(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.S3Prefix, logger), nil
}

// NewS3RemoteWithClient wraps an existing client.
func NewS3RemoteWithClient(client S3API, bucket, prefix string, logger *events.Logger) *S3Remote {
	return &S3Remote{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.WithField("component", "s3_remote"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *S3Remote) key(parts ...string) string {
	return path.Join(append([]string{s.prefix}, parts...)...)
}

func (s *S3Remote) recordKey(id string) string {
	return s.key("records", escapeID(id)+".json")
}

func (s *S3Remote) tombstoneKey(id string) string {
	return s.key("tombstones", escapeID(id))
}

func (s *S3Remote) credentialsKey() string {
	return s.key("passkeys.json")
}

// escapeID keeps ids from introducing extra key segments.
func escapeID(id string) string {
	return strings.NewReplacer("/", "%2F", "%", "%25").Replace(id)
}

// CreateID mints a uuid; the bucket has no id authority.
func (s *S3Remote) CreateID(ctx context.Context) (string, error) {
	return uuid.NewString(), nil
}

// UploadRecord writes the record object and clears any tombstone for it.
func (s *S3Remote) UploadRecord(ctx context.Context, record models.RemoteRecord) (*models.RemoteRecord, error) {
	record.UpdatedAt = s.now()

	if err := s.putJSON(ctx, s.recordKey(record.ID), record); err != nil {
		return nil, err
	}
	if err := s.deleteObject(ctx, s.tombstoneKey(record.ID)); err != nil {
		s.logger.WithError(err).WithField("record_id", record.ID).Warn("Failed to clear tombstone")
	}

	s.logger.WithFields(map[string]interface{}{
		"record_id":    record.ID,
		"sync_version": record.SyncVersion,
		"size":         len(record.Content),
	}).Debug("Uploaded record to S3")

	stored := record
	stored.Content = nil
	return &stored, nil
}

// GetRecord reads one record object.
func (s *S3Remote) GetRecord(ctx context.Context, id string) (*models.RemoteRecord, error) {
	var rec models.RemoteRecord
	if err := s.getJSON(ctx, s.recordKey(id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords reads every record object, filters, sorts newest first and
// pages by offset.
func (s *S3Remote) ListRecords(ctx context.Context, opts models.ListOptions) (*models.RecordPage, error) {
	all, err := s.scanRecords(ctx)
	if err != nil {
		return nil, err
	}

	var matched []models.RemoteRecord
	for _, rec := range all {
		if opts.ProjectID != "" && rec.ProjectID != opts.ProjectID {
			continue
		}
		if opts.ChangedSince != nil && !rec.UpdatedAt.After(*opts.ChangedSince) {
			continue
		}
		if !opts.WithContent {
			rec.Content = nil
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	return paginate(matched, opts.Cursor, opts.Limit)
}

func paginate(records []models.RemoteRecord, cursor string, limit int) (*models.RecordPage, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, &models.APIError{StatusCode: http.StatusBadRequest, Code: models.ErrCodeValidation, Message: "invalid cursor"}
		}
		offset = n
	}
	if offset > len(records) {
		offset = len(records)
	}
	if limit <= 0 {
		limit = len(records)
	}

	page := &models.RecordPage{}
	end := offset + limit
	if end < len(records) {
		page.NextCursor = strconv.Itoa(end)
	} else {
		end = len(records)
	}
	page.Records = records[offset:end]
	return page, nil
}

// DeleteRecord removes the record object and writes a tombstone.
func (s *S3Remote) DeleteRecord(ctx context.Context, id string) error {
	key := s.recordKey(id)
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return s.classify("head", key, err)
	}

	if err := s.deleteObject(ctx, key); err != nil {
		return err
	}
	return s.putJSON(ctx, s.tombstoneKey(id), models.Tombstone{ID: id, DeletedAt: s.now()})
}

// SyncStatus scans record objects for the count and newest update.
func (s *S3Remote) SyncStatus(ctx context.Context, projectID string) (*models.SyncStatus, error) {
	all, err := s.scanRecords(ctx)
	if err != nil {
		return nil, err
	}

	status := &models.SyncStatus{}
	for _, rec := range all {
		if projectID != "" && rec.ProjectID != projectID {
			continue
		}
		status.Count++
		if rec.UpdatedAt.After(status.LastUpdated) {
			status.LastUpdated = rec.UpdatedAt
		}
	}
	return status, nil
}

// DeletedSince lists tombstones newer than since.
func (s *S3Remote) DeletedSince(ctx context.Context, since time.Time) ([]models.Tombstone, error) {
	keys, err := s.listKeys(ctx, s.key("tombstones")+"/")
	if err != nil {
		return nil, err
	}

	var out []models.Tombstone
	for _, key := range keys {
		var tomb models.Tombstone
		if err := s.getJSON(ctx, key, &tomb); err != nil {
			if errors.Is(err, models.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		if tomb.DeletedAt.After(since) {
			out = append(out, tomb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetCredentials reads passkeys.json; a missing object is an empty array.
func (s *S3Remote) GetCredentials(ctx context.Context) ([]models.PasskeyCredentialEntry, error) {
	var entries []models.PasskeyCredentialEntry
	err := s.getJSON(ctx, s.credentialsKey(), &entries)
	if errors.Is(err, models.ErrRecordNotFound) {
		return nil, nil
	}
	return entries, err
}

// PutCredentials replaces passkeys.json.
func (s *S3Remote) PutCredentials(ctx context.Context, entries []models.PasskeyCredentialEntry) error {
	if entries == nil {
		entries = []models.PasskeyCredentialEntry{}
	}
	return s.putJSON(ctx, s.credentialsKey(), entries)
}

func (s *S3Remote) scanRecords(ctx context.Context) ([]models.RemoteRecord, error) {
	keys, err := s.listKeys(ctx, s.key("records")+"/")
	if err != nil {
		return nil, err
	}

	records := make([]models.RemoteRecord, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		var rec models.RemoteRecord
		if err := s.getJSON(ctx, key, &rec); err != nil {
			if errors.Is(err, models.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *S3Remote) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.classify("list", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3Remote) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return s.classify("put", key, err)
	}
	return nil
}

func (s *S3Remote) getJSON(ctx context.Context, key string, out interface{}) error {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s.classify("get", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", models.ErrNetwork, key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *S3Remote) deleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s.classify("delete", key, err)
	}
	return nil
}

// classify maps S3 errors onto the remote error taxonomy.
func (s *S3Remote) classify(op, key string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return &models.APIError{StatusCode: http.StatusNotFound, Code: models.ErrCodeNotFound, Message: key}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: s3 %s %s: %v", models.ErrNetwork, op, key, err)
}
