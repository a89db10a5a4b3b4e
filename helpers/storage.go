package helpers

import (
	"bytes"
	"context"
	"io/ioutil"
	"sync"

	"github.com/Seklfreak/robyul-referrals/cache"
	"github.com/minio/minio-go"
	"github.com/pkg/errors"
)

var (
	minioBucket string
	minioClient *minio.Client
	minioLock   sync.Mutex

	// ErrObjectNotFound is returned by RetrieveObject if the object does not exist
	ErrObjectNotFound = errors.New("object not found")
)

// StorageEnabled reports whether an object storage endpoint is configured
func StorageEnabled() bool {
	return ConfigString("s3.endpoint", "") != "" && ConfigString("s3.bucket", "") != ""
}

// uploads an object to the minio object storage
// objectName	: the name of the object to upload
// data			: the data for the new object
// metadata		: additional metadata attached to the object
func UploadObject(ctx context.Context, objectName string, data []byte, metadata map[string]string) (err error) {
	client, bucket, err := getMinioClient()
	if err != nil {
		return err
	}

	cache.GetLogger().WithField("module", "storage").Debugf("uploading %s to minio storage", objectName)

	options := minio.PutObjectOptions{ContentType: "application/json"}
	if len(metadata) > 0 {
		options.UserMetadata = metadata
	}

	_, err = client.PutObjectWithContext(ctx, bucket, objectName, bytes.NewReader(data), int64(len(data)), options)
	return errors.Wrapf(err, "uploading %s failed", objectName)
}

// retrieves an object from the minio object storage
// objectName	: the name of the object to retrieve
func RetrieveObject(ctx context.Context, objectName string) (data []byte, err error) {
	client, bucket, err := getMinioClient()
	if err != nil {
		return nil, err
	}

	cache.GetLogger().WithField("module", "storage").Debugf("retrieving %s from minio storage", objectName)

	minioObject, err := client.GetObjectWithContext(ctx, bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "retrieving %s failed", objectName)
	}
	defer minioObject.Close()

	data, err = ioutil.ReadAll(minioObject)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, errors.Wrapf(err, "reading %s failed", objectName)
	}

	return data, nil
}

func getMinioClient() (*minio.Client, string, error) {
	minioLock.Lock()
	defer minioLock.Unlock()

	if minioClient != nil {
		return minioClient, minioBucket, nil
	}

	err := setupMinioClient()
	if err != nil {
		minioClient = nil
		return nil, "", err
	}
	return minioClient, minioBucket, nil
}

// Initialize the minio client object, and creates the bucket if it doesn't exist yet
func setupMinioClient() (err error) {
	minioBucket = ConfigString("s3.bucket", "")
	minioClient, err = minio.New(
		ConfigString("s3.endpoint", ""),
		ConfigString("s3.access_key", ""),
		ConfigString("s3.secret_key", ""),
		ConfigBool("s3.secure", true),
	)
	if err != nil {
		return errors.Wrap(err, "creating minio client failed")
	}

	bucketExists, err := minioClient.BucketExists(minioBucket)
	if err != nil {
		return errors.Wrap(err, "checking bucket failed")
	}

	if !bucketExists {
		err = minioClient.MakeBucket(minioBucket, ConfigString("s3.location", "us-east-1"))
		if err != nil {
			return errors.Wrap(err, "creating bucket failed")
		}
	}

	return nil
}
