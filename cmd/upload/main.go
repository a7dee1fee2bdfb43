// The upload command pushes a local file to the gateway as a multipart
// upload: one mpu-create call, the parts uploaded concurrently, then one
// mpu-complete call. A comma-separated bucket list uploads the file to each
// named backend in turn.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/georelay/georelay/cmd/flags"
	"github.com/georelay/georelay/httpserver"
	"github.com/georelay/georelay/interfaces"
	"github.com/urfave/cli/v2"
)

const (
	// maxConcurrentParts caps in-flight part uploads per file.
	maxConcurrentParts = 25

	// partRetries is how often a failed part upload is retried. Unlike the
	// gateway, the client holds the part bytes and can safely replay them.
	partRetries = 3
)

var uploadFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "file",
		Aliases:  []string{"f"},
		Required: true,
		Usage:    "the file to upload",
	},
	&cli.StringFlag{
		Name:     "endpoint",
		Aliases:  []string{"e"},
		Required: true,
		Usage:    "the gateway endpoint to upload to",
	},
	&cli.StringFlag{
		Name:     "bucket",
		Aliases:  []string{"b"},
		Required: true,
		Usage:    "target backend id, or a comma-separated list of ids",
	},
	&cli.IntFlag{
		Name:    "partsize",
		Aliases: []string{"p"},
		Value:   10,
		Usage:   "the size of each part in megabytes (5-100)",
	},
	&cli.StringFlag{
		Name:    "auth",
		Aliases: []string{"a"},
		Usage:   "the bearer token to use for authentication",
	},
}

func main() {
	app := &cli.App{
		Name:   "upload",
		Usage:  "Upload a file to the gateway using multipart upload",
		Flags:  append(uploadFlags, flags.LogJsonFlag, flags.LogDebugFlag),
		Action: runUpload,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runUpload(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	filename := cCtx.String("file")
	if _, err := os.Stat(filename); err != nil {
		return fmt.Errorf("file does not exist: %w", err)
	}

	partSizeMB := cCtx.Int("partsize")
	if partSizeMB < 5 || partSizeMB > 100 {
		return fmt.Errorf("part size must be between 5 and 100 megabytes")
	}

	up := &uploader{
		client:   &http.Client{},
		endpoint: cCtx.String("endpoint"),
		token:    cCtx.String("auth"),
		partSize: int64(partSizeMB) * 1024 * 1024,
		log:      logger,
	}

	logger.Info("Starting upload",
		"file", filename,
		"endpoint", up.endpoint,
		"partSizeMB", partSizeMB)

	for _, bucket := range strings.Split(cCtx.String("bucket"), ",") {
		if err := up.uploadFile(cCtx.Context, filename, bucket); err != nil {
			return fmt.Errorf("upload to %s failed: %w", bucket, err)
		}
	}
	return nil
}

type uploader struct {
	client   *http.Client
	endpoint string
	token    string
	partSize int64
	log      *slog.Logger
}

func (u *uploader) uploadFile(ctx context.Context, filename, bucket string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	partCount := (info.Size() + u.partSize - 1) / u.partSize
	if partCount == 0 {
		return fmt.Errorf("refusing to upload empty file")
	}

	start := time.Now()
	url := u.endpoint + filename

	mpu, err := u.createUpload(ctx, url, bucket)
	if err != nil {
		return err
	}
	u.log.Info("Created multipart upload",
		"bucket", bucket,
		"uploadId", mpu.UploadID,
		"parts", partCount)

	parts := make([]interfaces.CompletedPart, partCount)
	errs := make([]error, partCount)

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrentParts)
	for index := int64(0); index < partCount; index++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(index int64) {
			defer wg.Done()
			defer func() { <-sem }()

			part, err := u.uploadPart(ctx, url, file, mpu.UploadID, bucket, index)
			if err != nil {
				errs[index] = err
				return
			}
			parts[index] = interfaces.CompletedPart{PartNumber: part.PartNumber, ETag: part.ETag}
			u.log.Debug("Uploaded part", "bucket", bucket, "partNumber", part.PartNumber)
		}(index)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	if err := u.completeUpload(ctx, url, bucket, mpu.UploadID, parts); err != nil {
		return err
	}

	u.log.Info("Upload complete",
		"bucket", bucket,
		"bytes", info.Size(),
		"duration", time.Since(start))
	return nil
}

func (u *uploader) createUpload(ctx context.Context, url, bucket string) (interfaces.MultipartUpload, error) {
	var mpu interfaces.MultipartUpload
	resp, err := u.do(ctx, http.MethodPost, url+"?action=mpu-create", bucket, nil)
	if err != nil {
		return mpu, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return mpu, responseError("mpu-create", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&mpu); err != nil {
		return mpu, fmt.Errorf("mpu-create: malformed response: %w", err)
	}
	return mpu, nil
}

// uploadPart reads one part from the file and uploads it, retrying transient
// failures with the buffered bytes.
func (u *uploader) uploadPart(ctx context.Context, url string, file *os.File, uploadID, bucket string, index int64) (interfaces.UploadedPart, error) {
	buf := make([]byte, u.partSize)
	n, err := file.ReadAt(buf, index*u.partSize)
	if err != nil && err != io.EOF {
		return interfaces.UploadedPart{}, fmt.Errorf("failed to read part %d: %w", index+1, err)
	}
	buf = buf[:n]

	partURL := url + "?action=mpu-uploadpart&uploadId=" + uploadID +
		"&partNumber=" + strconv.FormatInt(index+1, 10)

	var lastErr error
	for attempt := 0; attempt <= partRetries; attempt++ {
		resp, err := u.do(ctx, http.MethodPut, partURL, bucket, bytes.NewReader(buf))
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = responseError(fmt.Sprintf("part %d", index+1), resp)
			resp.Body.Close()
			continue
		}

		var part interfaces.UploadedPart
		err = json.NewDecoder(resp.Body).Decode(&part)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("part %d: malformed response: %w", index+1, err)
			continue
		}
		return part, nil
	}
	return interfaces.UploadedPart{}, lastErr
}

func (u *uploader) completeUpload(ctx context.Context, url, bucket, uploadID string, parts []interfaces.CompletedPart) error {
	body, err := json.Marshal(map[string]any{"parts": parts})
	if err != nil {
		return err
	}

	resp, err := u.do(ctx, http.MethodPost, url+"?action=mpu-complete&uploadId="+uploadID, bucket, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError("mpu-complete", resp)
	}
	return nil
}

func (u *uploader) do(ctx context.Context, method, url, bucket string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(httpserver.BucketNameHeader, bucket)
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}
	return u.client.Do(req)
}

func responseError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(msg)))
}
