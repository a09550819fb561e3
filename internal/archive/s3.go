package archive

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"voice-consult/pkg"
)

// PutObjectAPI is the subset of the S3 client used by S3Archiver.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Record is the archived form of a finished consultation.
type Record struct {
	Session    pkg.Session             `json:"session"`
	Transcript []pkg.TranscriptMessage `json:"transcript"`
	Report     *pkg.Report             `json:"report,omitempty"`
}

// S3Archiver writes finished consultations to a private bucket.
type S3Archiver struct {
	client PutObjectAPI
	bucket string
}

func NewS3Archiver(client PutObjectAPI, bucket string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket}
}

// Key is the object key of a session's archive.
func Key(sessionID string) string {
	return "consultations/" + sessionID + ".json"
}

func (a *S3Archiver) Archive(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(Key(rec.Session.SessionID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		ACL:         types.ObjectCannedACLPrivate,
	})
	return err
}
