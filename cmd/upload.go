package main

import (
	"github.com/spf13/cobra"

	"apsbulk/internal/app"
	"apsbulk/internal/config"
)

func newUploadCmd() *cobra.Command {
	var req app.UploadRequest

	cmd := &cobra.Command{
		Use:   "upload FILE --bucket BUCKET",
		Short: "Upload a file in parallel multipart chunks",
		Long: `Upload a file to an OSS bucket (or an S3-compatible target) in parallel parts.
An interrupted upload can be continued with "apsbulk operations resume".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.File = args[0]

			s, err := newSession(cmd, func(c *config.Config) bool {
				return c.Upload.Target == config.TargetAPS
			})
			if err != nil {
				return err
			}
			defer s.close()

			res, err := s.app.Upload(s.ctx, req)
			return finish(cmd, res, err)
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Bucket, "bucket", "", "Target bucket (required)")
	f.StringVar(&req.Key, "key", "", "Object key (default is the file name)")
	f.StringVar(&req.ContentType, "content-type", "", "Content type (default from the file extension)")
	f.String("target", config.TargetAPS, "Upload target (aps/s3)")
	f.Int64("part-size", 5<<20, "Part size in bytes (5MiB to 100MiB)")
	f.String("s3-endpoint", "", "S3-compatible endpoint")
	f.String("s3-access-key", "", "S3 access key (or APSBULK_S3_ACCESS_KEY)")
	f.String("s3-secret-key", "", "S3 secret key (or APSBULK_S3_SECRET_KEY)")
	f.Bool("s3-secure", true, "Use HTTPS for the S3 target")
	cmd.MarkFlagRequired("bucket")

	return cmd
}
