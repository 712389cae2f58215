package storage

import (
	"compliance-chat-go/internal/model"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptKey(t *testing.T) {
	at := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "transcripts/c1/1710504000.json", TranscriptKey("c1", at))
}

func TestEncodeTranscript(t *testing.T) {
	at := time.Date(2024, 3, 15, 20, 0, 0, 0, time.FixedZone("CST", 8*3600))
	body, err := EncodeTranscript("c1", []model.Message{
		{ID: "m1", ConversationID: "c1", Role: model.RoleUser, Content: "hi"},
	}, at)
	require.NoError(t, err)

	var got Transcript
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "c1", got.ConversationID)
	assert.True(t, got.ArchivedAt.Equal(at))
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hi", got.Messages[0].Content)
}

func TestEncodeTranscript_NilMessages(t *testing.T) {
	body, err := EncodeTranscript("c1", nil, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Contains(t, string(body), `"messages":[]`)
}

func TestPresignedURL(t *testing.T) {
	client, err := minio.New("localhost:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("key", "secret", ""),
		Region: "us-east-1",
	})
	require.NoError(t, err)

	a := NewTranscriptArchive(client, "transcripts", time.Hour)
	url, err := a.PresignedURL(context.Background(), "transcripts/c1/1.json")
	require.NoError(t, err)
	assert.Contains(t, url, "/transcripts/transcripts/c1/1.json")
	assert.Contains(t, url, "X-Amz-Expires=3600")
}
