// Package s3store implements storage.Engine on S3 compatible object stores,
// emulating appends with multipart uploads.
package s3store

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"resumable/pkg/logger"
	"resumable/pkg/storage"
	"resumable/pkg/upload"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Multipart limits of S3.
const (
	MinPartSize        = 5 * 1024 * 1024
	MaxPartSize        = 5 * 1024 * 1024 * 1024
	MaxParts           = 10000
	DefaultConcurrency = 10

	// S3 deletes at most 1000 keys per request.
	maxDeleteBatch = 1000
	infoSuffix     = ".info"
)

var (
	// ErrPartSizeTooLarge means the declared length cannot be split into
	// MaxParts parts of at most MaxPartSize bytes.
	ErrPartSizeTooLarge = fmt.Errorf("s3store: upload length exceeds the multipart limits: %w", storage.ErrTooLarge)

	errPartsRemaining = errors.New("s3store: multipart upload still has parts")
)

// API is the subset of *s3.Client the storage needs.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
}

// Config holds S3 connection details.
type Config struct {
	Bucket string
	// Prefix is prepended to every key, separated by a slash.
	Prefix          string
	Region          string
	AccessKey       string
	SecretAccessKey string
	// Endpoint overrides the AWS endpoint for S3 compatible services.
	Endpoint     string
	UsePathStyle bool

	// Concurrency of part copies during concatenation.
	Concurrency int
	MinPartSize int64
	MaxPartSize int64
	MaxParts    int

	// PresignExpiry of download URLs. Defaults to one hour.
	PresignExpiry time.Duration

	// Client lets callers supply an existing client.
	Client API
}

// Storage implements storage.Engine for S3.
type Storage struct {
	client  API
	presign *s3.PresignClient
	bucket  string
	prefix  string

	concurrency   int
	minPartSize   int64
	maxPartSize   int64
	maxParts      int
	presignExpiry time.Duration

	abortAttempts uint
	abortDelay    time.Duration
}

// Init bootstraps the S3 client. Without static credentials the default AWS
// credential chain is used.
func (s *Storage) Init(ctx context.Context, param any) error {
	cfg, ok := param.(Config)
	if !ok {
		if p, ok := param.(*Config); ok && p != nil {
			cfg = *p
		} else {
			return fmt.Errorf("s3store: unexpected config type %T", param)
		}
	}

	if cfg.Bucket == "" {
		return errors.New("s3store: Bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	s.bucket = cfg.Bucket
	s.prefix = strings.Trim(cfg.Prefix, "/")
	s.concurrency = cmp.Or(cfg.Concurrency, DefaultConcurrency)
	s.minPartSize = cmp.Or(cfg.MinPartSize, MinPartSize)
	s.maxPartSize = cmp.Or(cfg.MaxPartSize, MaxPartSize)
	s.maxParts = cmp.Or(cfg.MaxParts, MaxParts)
	s.presignExpiry = cmp.Or(cfg.PresignExpiry, time.Hour)
	s.abortAttempts = 5
	s.abortDelay = 200 * time.Millisecond

	if s.minPartSize > s.maxPartSize {
		return fmt.Errorf("s3store: MinPartSize %d is above MaxPartSize %d", s.minPartSize, s.maxPartSize)
	}

	if cfg.Client != nil {
		s.client = cfg.Client
		if c, ok := cfg.Client.(*s3.Client); ok {
			s.presign = s3.NewPresignClient(c)
		}
		return nil
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("s3store: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	s.client = client
	s.presign = s3.NewPresignClient(client)
	return nil
}

// Close cleans up resources; no-op for S3.
func (s *Storage) Close(_ context.Context) error {
	return nil
}

func (s *Storage) key(uid string) string {
	if s.prefix == "" {
		return uid
	}
	return s.prefix + "/" + uid
}

func (s *Storage) listPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

// partSize is the smallest part size keeping length within maxParts parts.
func (s *Storage) partSize(length *int64) (int64, error) {
	if length == nil {
		return s.minPartSize, nil
	}
	size := max((*length+int64(s.maxParts)-1)/int64(s.maxParts), s.minPartSize)
	if size > s.maxPartSize {
		return 0, fmt.Errorf("%w: %s needs parts of %s", ErrPartSizeTooLarge,
			humanize.IBytes(uint64(*length)), humanize.IBytes(uint64(size)))
	}
	return size, nil
}

// Create initiates the multipart upload and records it in info.
func (s *Storage) Create(ctx context.Context, uid string, info *upload.Info) error {
	if err := s.ensureClient(); err != nil {
		return err
	}
	if _, err := s.partSize(info.Length); err != nil {
		return err
	}

	contentType, disposition := objectHeaders(info)
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:             aws.String(s.bucket),
		Key:                aws.String(s.key(uid)),
		ContentType:        contentType,
		ContentDisposition: disposition,
	})
	if err != nil {
		return fmt.Errorf("s3store: create multipart upload: %w", mapError(err))
	}

	info.Multipart = &upload.Multipart{
		UploadID: aws.ToString(out.UploadId),
		Parts:    []upload.Part{},
	}
	return nil
}

// objectHeaders derives Content-Type and Content-Disposition from metadata.
func objectHeaders(info *upload.Info) (contentType, disposition *string) {
	if ct := info.Metadata.Lookup("content_type"); ct != "" {
		contentType = aws.String(ct)
	}
	if name := info.Metadata.Lookup("filename"); name != "" {
		// SDK signing mangles non-ASCII header values; browsers decode these.
		escaped := strings.ReplaceAll(url.QueryEscape(name), "+", " ")
		disposition = aws.String(fmt.Sprintf("inline; filename=%q", escaped))
	}
	return contentType, disposition
}

// Patch uploads r as consecutive parts. A slice shorter than the part size is
// merged into the one before it. A slice below the minimum part size is only
// uploaded when it completes the upload; otherwise Patch stops and reports
// what was stored so the client resumes from there. Network failures end the
// loop without an error for the same reason.
func (s *Storage) Patch(ctx context.Context, uid string, r io.Reader, info *upload.Info) (int64, error) {
	if err := s.ensureClient(); err != nil {
		return 0, err
	}
	if info == nil || info.Multipart == nil {
		return 0, storage.ErrNotFound
	}

	size, err := s.partSize(info.Length)
	if err != nil {
		return 0, err
	}

	var accepted int64
	chunk, err := readSlice(r, size)
	if err != nil {
		return 0, err
	}

	for len(chunk) > 0 {
		next, err := readSlice(r, size)
		if err != nil {
			return accepted, err
		}
		if len(next) > 0 && int64(len(next)) < size {
			chunk = append(chunk, next...)
			next = nil
		}

		if int64(len(chunk)) < s.minPartSize && !completes(info, accepted+int64(len(chunk))) {
			break
		}

		number := int32(len(info.Multipart.Parts) + 1)
		etag, err := s.uploadPart(ctx, uid, info.Multipart.UploadID, number, chunk)
		if err != nil {
			if isTransient(err) {
				transientErrors.WithLabelValues("upload_part").Inc()
				logger.Warn().Err(err).Str("uid", uid).Int32("part", number).
					Int64("accepted", accepted).Msg("part upload failed, keeping accepted bytes")
				break
			}
			return accepted, mapError(err)
		}

		info.Multipart.Parts = append(info.Multipart.Parts, upload.Part{Number: number, ETag: etag})
		accepted += int64(len(chunk))
		partsUploaded.Inc()
		chunk = next
	}

	return accepted, nil
}

// completes reports whether n more bytes finish an upload of known length.
func completes(info *upload.Info, n int64) bool {
	return info.Length != nil && info.Offset+n == *info.Length
}

func (s *Storage) uploadPart(ctx context.Context, uid, uploadID string, number int32, chunk []byte) (string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(uid)),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(number),
		Body:          bytes.NewReader(chunk),
		ContentLength: aws.Int64(int64(len(chunk))),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.ETag), nil
}

// readSlice reads up to n bytes; a short slice means r is exhausted.
func readSlice(r io.Reader, n int64) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return buf[:read], nil
}

// Finalize completes the multipart upload with the recorded parts.
func (s *Storage) Finalize(ctx context.Context, uid string, info *upload.Info) error {
	if err := s.ensureClient(); err != nil {
		return err
	}
	if info.Multipart == nil {
		return nil
	}

	if len(info.Multipart.Parts) == 0 {
		// S3 refuses to complete an upload without parts.
		if err := s.abort(ctx, uid, info.Multipart.UploadID); err != nil {
			return err
		}
		contentType, disposition := objectHeaders(info)
		if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:             aws.String(s.bucket),
			Key:                aws.String(s.key(uid)),
			Body:               bytes.NewReader(nil),
			ContentLength:      aws.Int64(0),
			ContentType:        contentType,
			ContentDisposition: disposition,
		}); err != nil {
			return fmt.Errorf("s3store: put empty object: %w", mapError(err))
		}
		info.Multipart = nil
		return nil
	}

	parts := slices.Clone(info.Multipart.Parts)
	slices.SortFunc(parts, func(a, b upload.Part) int { return cmp.Compare(a.Number, b.Number) })

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Number),
		})
	}

	if _, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.key(uid)),
		UploadId: aws.String(info.Multipart.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	}); err != nil {
		return fmt.Errorf("s3store: complete multipart upload: %w", mapError(err))
	}

	info.Multipart = nil
	return nil
}

// Concatenate copies every part object into a new multipart upload, one
// destination part per source, and completes it. Sources are deleted only
// once the destination is complete; any failure before that aborts it.
func (s *Storage) Concatenate(ctx context.Context, uid string, partUIDs []string, info *upload.Info) (int64, error) {
	if err := s.Create(ctx, uid, info); err != nil {
		return 0, err
	}
	uploadID := info.Multipart.UploadID

	fail := func(err error) (int64, error) {
		if abortErr := s.abort(context.WithoutCancel(ctx), uid, uploadID); abortErr != nil {
			logger.Error().Err(abortErr).Str("uid", uid).Msg("abort of failed concatenation")
		}
		info.Multipart = nil
		return 0, err
	}

	parts, err := s.copyParts(ctx, uid, uploadID, partUIDs)
	if err != nil {
		return fail(err)
	}
	info.Multipart.Parts = parts

	if err := s.Finalize(ctx, uid, info); err != nil {
		return fail(err)
	}

	keys := make([]string, 0, 2*len(partUIDs))
	for _, part := range partUIDs {
		keys = append(keys, s.key(part), s.key(part)+infoSuffix)
	}
	if err := s.deleteKeys(ctx, keys); err != nil {
		// the result is complete; leftovers are removed by expiration
		logger.Warn().Err(err).Str("uid", uid).Strs("parts", partUIDs).Msg("delete concatenated parts")
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(uid)),
	})
	if err != nil {
		return 0, fmt.Errorf("s3store: head concatenated object: %w", mapError(err))
	}
	return aws.ToInt64(head.ContentLength), nil
}

type copyTask struct {
	number int32
	source string
}

// copyParts runs UploadPartCopy over a pool of workers draining one queue.
// The first failure cancels the remaining copies. Parts come back ordered by
// number whatever order they finished in.
func (s *Storage) copyParts(ctx context.Context, uid, uploadID string, partUIDs []string) ([]upload.Part, error) {
	tasks := make(chan copyTask, len(partUIDs))
	for i, part := range partUIDs {
		tasks <- copyTask{number: int32(i + 1), source: s.key(part)}
	}
	close(tasks)

	var (
		mu    sync.Mutex
		parts = make([]upload.Part, 0, len(partUIDs))
	)

	g, gctx := errgroup.WithContext(ctx)
	for range min(s.concurrency, len(partUIDs)) {
		g.Go(func() error {
			for task := range tasks {
				if err := gctx.Err(); err != nil {
					return err
				}
				part, err := s.copyPart(gctx, uid, uploadID, task)
				if err != nil {
					return err
				}
				mu.Lock()
				parts = append(parts, part)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(parts, func(a, b upload.Part) int { return cmp.Compare(a.Number, b.Number) })
	return parts, nil
}

func (s *Storage) copyPart(ctx context.Context, uid, uploadID string, task copyTask) (upload.Part, error) {
	out, err := s.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.key(uid)),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(task.number),
		CopySource: aws.String(s.bucket + "/" + task.source),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return upload.Part{}, fmt.Errorf("%w: %s", storage.ErrMissingParts, task.source)
		}
		if isTransient(err) {
			transientErrors.WithLabelValues("upload_part_copy").Inc()
		}
		return upload.Part{}, fmt.Errorf("s3store: copy part %d: %w", task.number, mapError(err))
	}
	partsCopied.Inc()

	var etag string
	if out.CopyPartResult != nil {
		etag = aws.ToString(out.CopyPartResult.ETag)
	}
	return upload.Part{Number: task.number, ETag: etag}, nil
}

// abort aborts a multipart upload, retrying until no part is left since
// aborting while parts are still being uploaded may not free them.
func (s *Storage) abort(ctx context.Context, uid, uploadID string) error {
	key := s.key(uid)
	return retry.Do(
		func() error {
			_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(s.bucket),
				Key:      aws.String(key),
				UploadId: aws.String(uploadID),
			})
			if err != nil && !isNoSuchUpload(err) {
				return err
			}

			out, err := s.client.ListParts(ctx, &s3.ListPartsInput{
				Bucket:   aws.String(s.bucket),
				Key:      aws.String(key),
				UploadId: aws.String(uploadID),
			})
			if isNoSuchUpload(err) {
				return nil
			}
			if err != nil {
				return err
			}
			if len(out.Parts) > 0 {
				return errPartsRemaining
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(s.abortAttempts),
		retry.Delay(s.abortDelay),
		retry.LastErrorOnly(true),
	)
}

func (s *Storage) ReadInfo(ctx context.Context, uid string) (*upload.Info, error) {
	if err := s.ensureClient(); err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(uid) + infoSuffix),
	})
	if err != nil {
		return nil, mapError(err)
	}
	defer out.Body.Close()

	var info upload.Info
	if err := json.NewDecoder(out.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("s3store: decode info: %w", err)
	}
	return &info, nil
}

func (s *Storage) UpdateInfo(ctx context.Context, uid string, info *upload.Info) error {
	if err := s.ensureClient(); err != nil {
		return err
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("s3store: encode info: %w", err)
	}
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(uid) + infoSuffix),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("s3store: put info: %w", mapError(err))
	}
	return nil
}

// Get streams the object, passing rng through as a native range request.
func (s *Storage) Get(ctx context.Context, uid string, _ *upload.Info, rng *storage.Range) (*storage.Response, error) {
	if err := s.ensureClient(); err != nil {
		return nil, err
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(uid)),
	}
	if rng != nil {
		input.Range = aws.String(rng.Header())
	}

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		return nil, mapError(err)
	}
	return &storage.Response{
		Length:     aws.ToInt64(out.ContentLength),
		ReadCloser: out.Body,
	}, nil
}

// URL returns a presigned download URL.
func (s *Storage) URL(ctx context.Context, uid string, info *upload.Info) (string, error) {
	if s.presign == nil {
		return "", errors.New("s3store: presigning needs an *s3.Client")
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(uid)),
	}
	if info != nil {
		contentType, disposition := objectHeaders(info)
		input.ResponseContentType = contentType
		input.ResponseContentDisposition = disposition
	}

	req, err := s.presign.PresignGetObject(ctx, input, s3.WithPresignExpires(s.presignExpiry))
	if err != nil {
		return "", fmt.Errorf("s3store: presign: %w", err)
	}
	return req.URL, nil
}

// Delete aborts an unfinished multipart upload or removes the object.
func (s *Storage) Delete(ctx context.Context, uid string, info *upload.Info) error {
	if err := s.ensureClient(); err != nil {
		return err
	}

	if info != nil && info.Multipart != nil {
		if err := s.abort(ctx, uid, info.Multipart.UploadID); err != nil {
			return fmt.Errorf("s3store: abort: %w", mapError(err))
		}
		return s.deleteKeys(ctx, []string{s.key(uid) + infoSuffix})
	}
	return s.deleteKeys(ctx, []string{s.key(uid), s.key(uid) + infoSuffix})
}

func (s *Storage) deleteKeys(ctx context.Context, keys []string) error {
	for _, batch := range lo.Chunk(keys, maxDeleteBatch) {
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{
				Objects: lo.Map(batch, func(key string, _ int) types.ObjectIdentifier {
					return types.ObjectIdentifier{Key: aws.String(key)}
				}),
				Quiet: aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("s3store: delete objects: %w", mapError(err))
		}
		for _, e := range out.Errors {
			if !strings.EqualFold(aws.ToString(e.Code), "NoSuchKey") {
				return fmt.Errorf("s3store: delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
			}
		}
	}
	return nil
}

// Expire deletes objects last modified at or before cutoff and aborts
// multipart uploads initiated at or before it, unless one of their parts
// arrived later.
func (s *Storage) Expire(ctx context.Context, cutoff time.Time) error {
	if err := s.ensureClient(); err != nil {
		return err
	}

	var stale []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.listPrefix()),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3store: list objects: %w", mapError(err))
		}
		for _, obj := range page.Contents {
			if !aws.ToTime(obj.LastModified).After(cutoff) {
				stale = append(stale, aws.ToString(obj.Key))
			}
		}
	}
	if err := s.deleteKeys(ctx, stale); err != nil {
		return err
	}

	var keyMarker, uploadIDMarker *string
	for {
		out, err := s.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
			Bucket:         aws.String(s.bucket),
			Prefix:         aws.String(s.listPrefix()),
			KeyMarker:      keyMarker,
			UploadIdMarker: uploadIDMarker,
		})
		if err != nil {
			return fmt.Errorf("s3store: list multipart uploads: %w", mapError(err))
		}

		for _, mu := range out.Uploads {
			if aws.ToTime(mu.Initiated).After(cutoff) {
				continue
			}
			key, uploadID := aws.ToString(mu.Key), aws.ToString(mu.UploadId)
			active, err := s.partAddedAfter(ctx, key, uploadID, cutoff)
			if err != nil {
				return err
			}
			if active {
				continue
			}
			uid := strings.TrimPrefix(key, s.listPrefix())
			if err := s.abort(ctx, uid, uploadID); err != nil {
				return fmt.Errorf("s3store: abort expired upload %s: %w", uid, err)
			}
		}

		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		keyMarker, uploadIDMarker = out.NextKeyMarker, out.NextUploadIdMarker
	}
}

func (s *Storage) partAddedAfter(ctx context.Context, key, uploadID string, cutoff time.Time) (bool, error) {
	var marker *string
	for {
		out, err := s.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(s.bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if isNoSuchUpload(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("s3store: list parts: %w", mapError(err))
		}
		for _, p := range out.Parts {
			if aws.ToTime(p.LastModified).After(cutoff) {
				return true, nil
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return false, nil
		}
		marker = out.NextPartNumberMarker
	}
}

func (s *Storage) ensureClient() error {
	if s.client == nil {
		return errors.New("s3store: client not initialized")
	}
	return nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && strings.EqualFold(apiErr.ErrorCode(), "NoSuchKey")
}

func isNoSuchUpload(err error) bool {
	if err == nil {
		return false
	}
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && strings.EqualFold(apiErr.ErrorCode(), "NoSuchUpload")
}

// isTransient reports network level failures worth resuming from.
func isTransient(err error) bool {
	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= http.StatusInternalServerError {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}

	if isNoSuchKey(err) || isNoSuchUpload(err) {
		return storage.ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch strings.ToLower(apiErr.ErrorCode()) {
		case "notfound", "404":
			return storage.ErrNotFound
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return storage.ErrNotFound
	}

	return err
}

// Ensure Storage implements the Engine interface.
var (
	_ storage.Engine    = (*Storage)(nil)
	_ storage.Finalizer = (*Storage)(nil)
	_ storage.URLer     = (*Storage)(nil)
)
