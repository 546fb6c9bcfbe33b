package s3store

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeObject struct {
	data        []byte
	modified    time.Time
	contentType string
	disposition string
}

type fakePart struct {
	data     []byte
	etag     string
	modified time.Time
}

type fakeUpload struct {
	key         string
	initiated   time.Time
	contentType string
	disposition string
	parts       map[int32]fakePart
}

// fakeS3 is an in-memory API with failure hooks.
type fakeS3 struct {
	mu      sync.Mutex
	clock   time.Time
	nextID  int
	objects map[string]*fakeObject
	uploads map[string]*fakeUpload

	uploadPartErr func(number int32) error
	copyErr       func(source string) error
	copyDelay     func(number int32) time.Duration
	// abortFailures is how many aborts pretend to succeed but keep the parts.
	abortFailures int
	abortCalls    int
	completed     [][]int32
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		clock:   time.Now(),
		objects: make(map[string]*fakeObject),
		uploads: make(map[string]*fakeUpload),
	}
}

func (f *fakeS3) put(key string, data []byte, modified time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = &fakeObject{data: data, modified: modified}
}

func (f *fakeS3) object(key string) (*fakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	return obj, ok
}

func (f *fakeS3) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *fakeS3) id() string {
	f.nextID++
	return fmt.Sprintf("upload-%d", f.nextID)
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = &fakeObject{
		data:        data,
		modified:    f.clock,
		contentType: aws.ToString(in.ContentType),
		disposition: aws.ToString(in.ContentDisposition),
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	data := obj.data
	if in.Range != nil {
		var start, end int
		if _, err := fmt.Sscanf(aws.ToString(in.Range), "bytes=%d-%d", &start, &end); err != nil {
			return nil, err
		}
		data = data[start : end+1]
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	obj, ok := f.object(aws.ToString(in.Key))
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(obj.data)))}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, key := range slices.Sorted(maps.Keys(f.objects)) {
		if !strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			continue
		}
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			LastModified: aws.Time(f.objects[key].modified),
			Size:         aws.Int64(int64(len(f.objects[key].data))),
		})
	}
	return out, nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id()
	f.uploads[id] = &fakeUpload{
		key:         aws.ToString(in.Key),
		initiated:   f.clock,
		contentType: aws.ToString(in.ContentType),
		disposition: aws.ToString(in.ContentDisposition),
		parts:       make(map[int32]fakePart),
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	number := aws.ToInt32(in.PartNumber)
	if f.uploadPartErr != nil {
		if err := f.uploadPartErr(number); err != nil {
			return nil, err
		}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{}
	}
	etag := fmt.Sprintf("%q", fmt.Sprintf("etag-%d", number))
	up.parts[number] = fakePart{data: data, etag: etag, modified: f.clock}
	return &s3.UploadPartOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeS3) UploadPartCopy(ctx context.Context, in *s3.UploadPartCopyInput, _ ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error) {
	number := aws.ToInt32(in.PartNumber)
	if f.copyDelay != nil {
		select {
		case <-time.After(f.copyDelay(number)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	_, source, _ := strings.Cut(aws.ToString(in.CopySource), "/")
	if f.copyErr != nil {
		if err := f.copyErr(source); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[source]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	up, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{}
	}
	etag := fmt.Sprintf("%q", fmt.Sprintf("copy-%d", number))
	up.parts[number] = fakePart{data: slices.Clone(obj.data), etag: etag, modified: f.clock}
	return &s3.UploadPartCopyOutput{CopyPartResult: &types.CopyPartResult{ETag: aws.String(etag)}}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	up, ok := f.uploads[id]
	if !ok {
		return nil, &types.NoSuchUpload{}
	}

	var (
		data    []byte
		numbers []int32
	)
	for i, p := range in.MultipartUpload.Parts {
		number := aws.ToInt32(p.PartNumber)
		if i > 0 && number <= numbers[i-1] {
			return nil, fmt.Errorf("InvalidPartOrder: part %d after %d", number, numbers[i-1])
		}
		part, ok := up.parts[number]
		if !ok || part.etag != aws.ToString(p.ETag) {
			return nil, fmt.Errorf("InvalidPart: %d", number)
		}
		data = append(data, part.data...)
		numbers = append(numbers, number)
	}

	f.completed = append(f.completed, numbers)
	f.objects[up.key] = &fakeObject{
		data:        data,
		modified:    f.clock,
		contentType: up.contentType,
		disposition: up.disposition,
	}
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls++
	id := aws.ToString(in.UploadId)
	if _, ok := f.uploads[id]; !ok {
		return nil, &types.NoSuchUpload{}
	}
	if f.abortFailures > 0 {
		f.abortFailures--
		return &s3.AbortMultipartUploadOutput{}, nil
	}
	delete(f.uploads, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) ListParts(_ context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{}
	}

	out := &s3.ListPartsOutput{IsTruncated: aws.Bool(false)}
	for _, number := range slices.Sorted(maps.Keys(up.parts)) {
		p := up.parts[number]
		out.Parts = append(out.Parts, types.Part{
			PartNumber:   aws.Int32(number),
			ETag:         aws.String(p.etag),
			LastModified: aws.Time(p.modified),
			Size:         aws.Int64(int64(len(p.data))),
		})
	}
	return out, nil
}

func (f *fakeS3) ListMultipartUploads(_ context.Context, in *s3.ListMultipartUploadsInput, _ ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &s3.ListMultipartUploadsOutput{IsTruncated: aws.Bool(false)}
	for id, up := range f.uploads {
		if !strings.HasPrefix(up.key, aws.ToString(in.Prefix)) {
			continue
		}
		out.Uploads = append(out.Uploads, types.MultipartUpload{
			Key:       aws.String(up.key),
			UploadId:  aws.String(id),
			Initiated: aws.Time(up.initiated),
		})
	}
	slices.SortFunc(out.Uploads, func(a, b types.MultipartUpload) int {
		return cmp.Compare(aws.ToString(a.UploadId), aws.ToString(b.UploadId))
	})
	return out, nil
}

var _ API = (*fakeS3)(nil)
