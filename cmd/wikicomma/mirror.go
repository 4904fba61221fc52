// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// S3 is the subset of minio.Client used in this program.
//
// We define our own interface for easier testing, so we only have to fake
// those parts of the (rather big) S3 interface that we actually use.
// A fake implementation for tests is in FakeS3, implemented in mirror_test.go.
type S3 interface {
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

const archiveContentType = "application/x-7z-compressed"

// Mirror uploads compacted archives to S3-compatible storage. The local
// archive stays authoritative: upload failures are logged and the next
// compaction of the same target tries again. A nil Mirror uploads nothing.
type Mirror struct {
	s3     S3
	bucket string
	log    zerolog.Logger
}

func NewMirror(conf *S3MirrorConfig, log zerolog.Logger) (*Mirror, errors.E) {
	client, err := minio.New(conf.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(conf.AccessKey, conf.SecretKey, ""),
		Secure: conf.Secure,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	client.SetAppInfo("WikiComma", "1.0")
	return &Mirror{s3: client, bucket: conf.Bucket, log: log}, nil
}

// UploadArchive copies one local archive to <wiki>/<relative path within
// the wiki tree>.
func (m *Mirror) UploadArchive(ctx context.Context, wiki, wikiDir, localPath string) {
	if m == nil {
		return
	}
	rel, err := filepath.Rel(wikiDir, localPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(localPath)
	}
	object := path.Join(wiki, filepath.ToSlash(rel))
	options := minio.PutObjectOptions{ContentType: archiveContentType}
	if _, err := m.s3.FPutObject(ctx, m.bucket, object, localPath, options); err != nil {
		m.log.Warn().Err(err).Str("object", object).Msg("archive mirror upload failed")
		return
	}
	m.log.Debug().Str("object", object).Msg("archive mirrored")
}
