package corpus

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Backup mirrors a corpus tree into an S3 bucket as a zip archive, so
// the corpus survives the shared filesystem being torn down between
// competition rounds. Restore is the inverse: on a cold start the
// archive, if present, re-seeds the tree.
type S3Backup struct {
	logger   *slog.Logger
	client   *s3.Client
	bucket   string
	key      string
	dir      string
	interval time.Duration
}

// NewS3Backup constructs an S3Backup for dir, stored at
// s3://bucket/key, using the ambient AWS credential chain.
func NewS3Backup(ctx context.Context, logger *slog.Logger, bucket, key, dir string,
	interval time.Duration) (*S3Backup, error) {

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("corpus: s3 config: %w", err)
	}

	return &S3Backup{
		logger:   logger,
		client:   s3.NewFromConfig(cfg),
		bucket:   bucket,
		key:      key,
		dir:      dir,
		interval: interval,
	}, nil
}

func (b *S3Backup) Name() string            { return "s3-corpus-backup" }
func (b *S3Backup) Interval() time.Duration { return b.interval }

// Execute uploads the current corpus tree. It satisfies the background
// task contract so the scheduler can run it on its own cadence.
func (b *S3Backup) Execute(ctx context.Context) (bool, error) {
	if _, err := os.Stat(b.dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("corpus: s3 backup: %w", err)
	}
	if err := b.Upload(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Upload streams the corpus tree as a zip archive into the bucket. The
// zip is produced through a pipe so the archive never lands on disk.
func (b *S3Backup) Upload(ctx context.Context) error {
	pr, pw := io.Pipe()
	go func() {
		err := b.zipDir(pw)
		if err != nil {
			b.logger.Error("failed to stream corpus zip", "error", err)
		}
		pw.CloseWithError(err)
	}()

	uploader := manager.NewUploader(b.client)
	contentType := "application/zip"
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &b.bucket,
		Key:         &b.key,
		Body:        pr,
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("corpus: uploading s3://%s/%s: %w", b.bucket, b.key, err)
	}

	b.logger.Info("corpus backed up", "s3Bucket", b.bucket, "key", b.key)
	return nil
}

// Restore downloads and unpacks the backup archive into the corpus
// tree. A missing archive is not an error: the corpus starts empty.
func (b *S3Backup) Restore(ctx context.Context) error {
	tmp, err := os.CreateTemp("", "corpus-restore-*.zip")
	if err != nil {
		return fmt.Errorf("corpus: restore scratch: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	downloader := manager.NewDownloader(b.client)
	n, err := downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    &b.key,
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			b.logger.Info("no corpus backup found; starting empty",
				"s3Bucket", b.bucket, "key", b.key)
			return nil
		}
		return fmt.Errorf("corpus: downloading s3://%s/%s: %w", b.bucket, b.key, err)
	}

	if err := b.unzip(tmp.Name()); err != nil {
		return fmt.Errorf("corpus: restore unzip: %w", err)
	}

	b.logger.Info("corpus restored from backup", "bytes", n, "s3Bucket", b.bucket, "key", b.key)
	return nil
}

func (b *S3Backup) zipDir(w io.Writer) error {
	zw := zip.NewWriter(w)
	defer func() {
		if err := zw.Close(); err != nil {
			b.logger.Error("failed to close zip writer", "error", err)
		}
	}()

	baseDir := filepath.Clean(b.dir)
	return filepath.Walk(baseDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		relPath, err := filepath.Rel(baseDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if info.IsDir() {
			header := &zip.FileHeader{Name: relPath + "/", Method: zip.Deflate}
			header.SetMode(info.Mode())
			_, err := zw.CreateHeader(header)
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %q: %w", path, err)
		}
		defer file.Close()

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = relPath
		header.Method = zip.Deflate
		header.SetMode(info.Mode())

		writer, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		_, err = io.Copy(writer, file)
		return err
	})
}

func (b *S3Backup) unzip(zipPath string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := func(f *zip.File) error {
			fullPath := filepath.Join(b.dir, f.Name)

			if f.FileInfo().IsDir() {
				return os.MkdirAll(fullPath, f.Mode())
			}
			if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
				return err
			}

			srcFile, err := f.Open()
			if err != nil {
				return fmt.Errorf("opening zip entry %q: %w", f.Name, err)
			}
			defer srcFile.Close()

			destFile, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
			if err != nil {
				return fmt.Errorf("creating %q: %w", fullPath, err)
			}
			defer destFile.Close()

			_, err = io.Copy(destFile, srcFile)
			return err
		}(f); err != nil {
			return err
		}
	}
	return nil
}
