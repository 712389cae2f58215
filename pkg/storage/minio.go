// Package storage提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"bytes"
	"compliance-chat-go/internal/config"
	"compliance-chat-go/internal/model"
	"compliance-chat-go/pkg/log"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient 是一个全局的 MinIO 客户端实例。
var MinioClient *minio.Client

// InitMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func InitMinIO(cfg config.MinIOConfig) {
	var err error

	// 1. 初始化 MinIO 客户端
	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}

	log.Info("MinIO 客户端初始化成功")

	// 2. 检查存储桶 (Bucket) 是否存在，如果不存在则创建
	ctx := context.Background()
	bucketName := cfg.BucketName
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}

	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
		if err = MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			log.Fatal("创建 MinIO 存储桶失败", err)
		}
		log.Infof("存储桶 '%s' 创建成功", bucketName)
	}
}

// Transcript 是归档到对象存储中的会话记录。
type Transcript struct {
	ConversationID string          `json:"conversationId"`
	ArchivedAt     time.Time       `json:"archivedAt"`
	Messages       []model.Message `json:"messages"`
}

// TranscriptArchive 将批量保存的会话记录写入 MinIO。
type TranscriptArchive struct {
	client *minio.Client
	bucket string
	expiry time.Duration
	now    func() time.Time
}

// NewTranscriptArchive 创建归档器，expiry 为预签名下载链接的有效期。
func NewTranscriptArchive(client *minio.Client, bucket string, expiry time.Duration) *TranscriptArchive {
	return &TranscriptArchive{client: client, bucket: bucket, expiry: expiry, now: time.Now}
}

// TranscriptKey 返回会话记录的对象名：transcripts/<会话ID>/<unix秒>.json。
func TranscriptKey(conversationID string, at time.Time) string {
	return fmt.Sprintf("transcripts/%s/%d.json", conversationID, at.Unix())
}

// EncodeTranscript 将消息列表编码为归档 JSON。
func EncodeTranscript(conversationID string, msgs []model.Message, at time.Time) ([]byte, error) {
	if msgs == nil {
		msgs = []model.Message{}
	}
	return json.Marshal(Transcript{ConversationID: conversationID, ArchivedAt: at.UTC(), Messages: msgs})
}

// Archive 上传一份会话记录并返回对象名。
func (a *TranscriptArchive) Archive(ctx context.Context, conversationID string, msgs []model.Message) (string, error) {
	at := a.now()
	body, err := EncodeTranscript(conversationID, msgs, at)
	if err != nil {
		return "", err
	}
	key := TranscriptKey(conversationID, at)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("upload transcript %s: %w", key, err)
	}
	return key, nil
}

// PresignedURL generates a presigned URL for an archived transcript.
func (a *TranscriptArchive) PresignedURL(ctx context.Context, key string) (string, error) {
	presignedURL, err := a.client.PresignedGetObject(ctx, a.bucket, key, a.expiry, nil)
	if err != nil {
		log.Errorf("Error generating presigned URL: %s", err)
		return "", err
	}
	return presignedURL.String(), nil
}
