package handoff

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/gophbot/internal/common"
	"github.com/dmitrijs2005/gophbot/internal/cryptox"
	"github.com/dmitrijs2005/gophbot/internal/logging"
	"github.com/dmitrijs2005/gophbot/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memObjects struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleteErr error
}

func newMemObjects() *memObjects { return &memObjects{objects: make(map[string][]byte)} }

func (m *memObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (m *memObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (m *memObjects) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	delete(m.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

type memStore struct {
	states map[string]*models.AuthState
	phones map[string]string
}

func (m *memStore) Load(_ context.Context, id string) (*models.AuthState, models.Backend, error) {
	st, ok := m.states[id]
	if !ok {
		return nil, models.BackendNone, common.ErrorNotFound
	}
	return st, models.BackendFile, nil
}

func (m *memStore) Save(_ context.Context, id, phone string, st *models.AuthState) error {
	m.states[id] = st
	m.phones[id] = phone
	return nil
}

func sampleState() *models.AuthState {
	st := models.NewAuthState()
	st.Creds.NoiseKey = models.KeyPair{Private: []byte{1, 2}, Public: []byte{3, 4}}
	st.Creds.SignedIdentityKey = models.KeyPair{Private: []byte{5}, Public: []byte{6}}
	st.Creds.SignedPreKey = models.SignedKeyPair{KeyPair: models.KeyPair{Private: []byte{7}, Public: []byte{8}}, Signature: []byte{9}, KeyID: 1}
	st.Creds.RegistrationID = 1234
	st.Creds.Registered = true
	st.Keys.Set(models.KeyCategoryPreKey, "1", []byte("pk"))
	return st
}

func TestExportImport_RoundTrip(t *testing.T) {
	objects := newMemObjects()
	src := &memStore{states: map[string]*models.AuthState{"old": sampleState()}, phones: map[string]string{}}
	dst := &memStore{states: map[string]*models.AuthState{}, phones: map[string]string{}}
	pass := []byte("shared passphrase")

	exporter := NewService(objects, "bucket", pass, src, logging.Discard())
	key, err := exporter.Export(context.Background(), "old")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, keyPrefix))

	sealed := objects.objects["bucket/"+key]
	require.NotEmpty(t, sealed)
	assert.NotContains(t, string(sealed), "Gophbot~")
	_, err = cryptox.Open(sealed, pass)
	require.NoError(t, err)

	importer := NewService(objects, "bucket", pass, dst, logging.Discard())
	require.NoError(t, importer.Import(context.Background(), key, "new", "15551234567"))

	got := dst.states["new"]
	require.NotNil(t, got)
	assert.Equal(t, 1234, got.Creds.RegistrationID)
	v, ok := got.Keys.Get(models.KeyCategoryPreKey, "1")
	require.True(t, ok)
	assert.Equal(t, []byte("pk"), v)
	assert.Equal(t, "15551234567", dst.phones["new"])
	assert.Empty(t, objects.objects, "object deleted after import")
}

func TestImport_Failures(t *testing.T) {
	objects := newMemObjects()
	src := &memStore{states: map[string]*models.AuthState{"old": sampleState()}, phones: map[string]string{}}
	dst := &memStore{states: map[string]*models.AuthState{}, phones: map[string]string{}}

	key, err := NewService(objects, "bucket", []byte("right"), src, logging.Discard()).Export(context.Background(), "old")
	require.NoError(t, err)

	wrong := NewService(objects, "bucket", []byte("wrong"), dst, logging.Discard())
	err = wrong.Import(context.Background(), key, "new", "")
	require.ErrorIs(t, err, cryptox.ErrOpen)
	assert.Empty(t, dst.states)
	assert.Len(t, objects.objects, 1, "object kept when import fails")

	err = wrong.Import(context.Background(), "handoff/missing", "new", "")
	require.Error(t, err)

	err = wrong.Import(context.Background(), key, "../x", "")
	require.ErrorIs(t, err, common.ErrInvalidSessionID)
}

func TestImport_DeleteFailureIsNotFatal(t *testing.T) {
	objects := newMemObjects()
	store := &memStore{states: map[string]*models.AuthState{"old": sampleState()}, phones: map[string]string{}}
	svc := NewService(objects, "bucket", []byte("pw"), store, logging.Discard())

	key, err := svc.Export(context.Background(), "old")
	require.NoError(t, err)
	objects.deleteErr = errors.New("denied")
	require.NoError(t, svc.Import(context.Background(), key, "copy", ""))
	assert.NotNil(t, store.states["copy"])
}

func TestExport_Errors(t *testing.T) {
	store := &memStore{states: map[string]*models.AuthState{}, phones: map[string]string{}}

	_, err := NewService(newMemObjects(), "", []byte("pw"), store, logging.Discard()).Export(context.Background(), "x")
	require.ErrorIs(t, err, ErrNoBucket)

	_, err = NewService(newMemObjects(), "b", []byte("pw"), store, logging.Discard()).Export(context.Background(), "x")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestNewS3Client_AppliesOptions(t *testing.T) {
	origLoad := loadDefaultAWSConfig
	origNew := newS3ClientFromConfig
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newS3ClientFromConfig = origNew
	})

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		assert.Equal(t, "eu-west-1", lo.Region)
		creds, err := lo.Credentials.Retrieve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "minio", creds.AccessKeyID)
		return aws.Config{Region: lo.Region}, nil
	}
	var opts s3.Options
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		for _, fn := range optFns {
			fn(&opts)
		}
		return s3.NewFromConfig(cfg)
	}

	c, err := NewS3Client(context.Background(), S3Config{
		Region:       "eu-west-1",
		Endpoint:     "http://127.0.0.1:9000",
		AccessKey:    "minio",
		SecretKey:    "minio123",
		UsePathStyle: true,
	})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "http://127.0.0.1:9000", aws.ToString(opts.BaseEndpoint))
	assert.True(t, opts.UsePathStyle)

	loadDefaultAWSConfig = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no config")
	}
	_, err = NewS3Client(context.Background(), S3Config{})
	require.Error(t, err)
}

type fakePresigner struct {
	bucket, key string
	expires     time.Duration
}

func (f *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.bucket, f.key, f.expires = aws.ToString(in.Bucket), aws.ToString(in.Key), opts.Expires
	return &v4.PresignedHTTPRequest{URL: "https://s3.test/" + f.bucket + "/" + f.key + "?sig=1", Method: "GET"}, nil
}

func TestPresignAndImportURL(t *testing.T) {
	objects := newMemObjects()
	src := &memStore{states: map[string]*models.AuthState{"old": sampleState()}, phones: map[string]string{}}
	dst := &memStore{states: map[string]*models.AuthState{}, phones: map[string]string{}}
	pass := []byte("pw")

	svc := NewService(objects, "bucket", pass, src, logging.Discard())
	key, err := svc.Export(context.Background(), "old")
	require.NoError(t, err)

	p := &fakePresigner{}
	url, err := svc.Presign(context.Background(), p, key, 0)
	require.NoError(t, err)
	assert.Equal(t, "https://s3.test/bucket/"+key+"?sig=1", url)
	assert.Equal(t, DefaultPresignTTL, p.expires)

	orig := downloadPresigned
	t.Cleanup(func() { downloadPresigned = orig })
	downloadPresigned = func(_ context.Context, got string, limit int64) ([]byte, error) {
		assert.Equal(t, url, got)
		return objects.objects["bucket/"+key], nil
	}

	// the importing side has no bucket of its own
	importer := NewService(nil, "", pass, dst, logging.Discard())
	require.NoError(t, importer.ImportURL(context.Background(), url, "new", "15550001111"))
	assert.Equal(t, 1234, dst.states["new"].Creds.RegistrationID)
	assert.Len(t, objects.objects, 1, "presigned import leaves the object")

	downloadPresigned = func(context.Context, string, int64) ([]byte, error) { return nil, errors.New("403") }
	require.Error(t, importer.ImportURL(context.Background(), url, "other", ""))
	require.ErrorIs(t, importer.ImportURL(context.Background(), url, "a/b", ""), common.ErrInvalidSessionID)

	_, err = importer.Presign(context.Background(), p, key, time.Minute)
	require.ErrorIs(t, err, ErrNoBucket)
}
