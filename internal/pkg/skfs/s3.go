package skfs

import (
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/grailbio/base/errors"
	"github.com/mattetti/filebuffer"
	log "github.com/sirupsen/logrus"
)

// S3FileSystem abstracts AWS S3 as a filesystem. Paths are "s3://bucket/key"
// URIs.
type S3FileSystem struct {
	s3Client *s3.S3
	initErr  error
}

// parseS3URI splits an "s3://bucket/key" URI into its bucket and key.
func parseS3URI(uri string) (bucket, key string, err error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", errors.E(errors.Invalid, err)
	}
	if parsed.Scheme != "s3" || parsed.Host == "" {
		return "", "", errors.E(errors.Invalid, fmt.Sprintf("skfs: not an s3 uri: %q", uri))
	}
	return parsed.Host, strings.TrimPrefix(parsed.Path, "/"), nil
}

// globPrefix returns the part of a glob pattern before its first
// metacharacter, usable as an S3 listing prefix.
func globPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?[\\"); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// ListFiles lists the objects whose keys match the glob in pathGlob.
func (s *S3FileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	if s.initErr != nil {
		return nil, s.initErr
	}
	bucket, keyGlob, err := parseS3URI(pathGlob)
	if err != nil {
		return nil, err
	}

	files := make([]FileInfo, 0)
	params := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(globPrefix(keyGlob)),
	}
	var matchErr error
	err = s.s3Client.ListObjectsV2Pages(params, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, object := range page.Contents {
			key := aws.StringValue(object.Key)
			matched, err := path.Match(keyGlob, key)
			if err != nil {
				matchErr = err
				return false
			}
			if !matched {
				continue
			}
			files = append(files, FileInfo{
				Name: fmt.Sprintf("s3://%s/%s", bucket, key),
				Size: aws.Int64Value(object.Size),
			})
		}
		return true
	})
	if matchErr != nil {
		return nil, errors.E(errors.Invalid, matchErr)
	}
	if err != nil {
		return nil, errors.E(errors.Unavailable, err)
	}
	return files, nil
}

// Stat returns information about the object at filePath.
func (s *S3FileSystem) Stat(filePath string) (FileInfo, error) {
	if s.initErr != nil {
		return FileInfo{}, s.initErr
	}
	bucket, key, err := parseS3URI(filePath)
	if err != nil {
		return FileInfo{}, err
	}
	head, err := s.s3Client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return FileInfo{}, errors.E(errors.NotExist, err)
	}
	return FileInfo{Name: filePath, Size: aws.Int64Value(head.ContentLength)}, nil
}

// OpenReader opens the object at filePath with a ranged GET from startAt.
func (s *S3FileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	if s.initErr != nil {
		return nil, s.initErr
	}
	bucket, key, err := parseS3URI(filePath)
	if err != nil {
		return nil, err
	}
	params := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if startAt > 0 {
		params.Range = aws.String(fmt.Sprintf("bytes=%d-", startAt))
	}
	obj, err := s.s3Client.GetObject(params)
	if err != nil {
		return nil, errors.E(errors.NotExist, err)
	}
	return obj.Body, nil
}

// s3Writer buffers an object in memory and uploads it on Close.
type s3Writer struct {
	client *s3.S3
	bucket string
	key    string
	buf    *filebuffer.Buffer
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *s3Writer) Close() error {
	if _, err := w.buf.Seek(0, io.SeekStart); err != nil {
		return errors.E(err)
	}
	_, err := w.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(w.key),
		Body:   w.buf,
	})
	if err != nil {
		return errors.E(errors.Unavailable, err)
	}
	return nil
}

// OpenWriter opens a writer for the object at filePath. The object is
// uploaded when the writer is closed.
func (s *S3FileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	if s.initErr != nil {
		return nil, s.initErr
	}
	bucket, key, err := parseS3URI(filePath)
	if err != nil {
		return nil, err
	}
	return &s3Writer{
		client: s.s3Client,
		bucket: bucket,
		key:    key,
		buf:    filebuffer.New(nil),
	}, nil
}

// Delete deletes the object at filePath.
func (s *S3FileSystem) Delete(filePath string) error {
	if s.initErr != nil {
		return s.initErr
	}
	bucket, key, err := parseS3URI(filePath)
	if err != nil {
		return err
	}
	_, err = s.s3Client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.E(errors.Unavailable, err)
	}
	return nil
}

// Join joins S3 path elements, keeping the scheme of the first element.
func (s *S3FileSystem) Join(elem ...string) string {
	if len(elem) == 0 {
		return ""
	}
	if !strings.HasPrefix(elem[0], "s3://") {
		return path.Join(elem...)
	}
	rest := append([]string{strings.TrimPrefix(elem[0], "s3://")}, elem[1:]...)
	return "s3://" + path.Join(rest...)
}

// MakeDir is a no-op: S3 has no directories.
func (s *S3FileSystem) MakeDir(dirPath string) error {
	return nil
}

// Init creates the S3 client from the default AWS configuration chain.
func (s *S3FileSystem) Init() error {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		log.Errorf("Unable to create AWS session: %s", err)
		s.initErr = errors.E(errors.Unavailable, err)
		return s.initErr
	}
	s.s3Client = s3.New(sess)
	return nil
}
