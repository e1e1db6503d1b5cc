package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/hitoshi/loandesk/internal/model"
)

// DynamoAPI はDynamoStoreが使用するDynamoDBクライアントの部分集合。
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoConfig はDynamoDB接続の設定。
type DynamoConfig struct {
	Region   string
	Endpoint string // ローカルDynamoDB用。空の場合はAWSのエンドポイント
	Table    string
	// Retention はDynamoDBのTTL属性（expires_at）に設定する保持期間。
	Retention time.Duration
}

// dynamoItem はテーブルの1アイテム。
//
// Table requirements:
//   - PK: id (string)
//   - TTL attribute: expires_at
type dynamoItem struct {
	ID        string `dynamodbav:"id"`
	Source    string `dynamodbav:"source"`
	EventID   string `dynamodbav:"event_id,omitempty"`
	Payload   string `dynamodbav:"payload"`
	Error     string `dynamodbav:"error"`
	CreatedAt string `dynamodbav:"created_at"`
	ExpiresAt int64  `dynamodbav:"expires_at,omitempty"`
}

// DynamoStore はDynamoDBに保存するStore。
type DynamoStore struct {
	client    DynamoAPI
	table     string
	retention time.Duration
}

// NewDynamoClient は設定からDynamoDBクライアントを生成する。
// 認証情報は標準のAWS認証チェーンから解決し、ローカルエンドポイント指定時は固定値を使う。
func NewDynamoClient(ctx context.Context, cfg DynamoConfig) (*dynamodb.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		// ローカルDynamoDBは認証情報を検証しないが、SDKは要求する
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("AWS設定の読み込みに失敗しました: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// NewDynamoStore はDynamoStoreを生成する。
func NewDynamoStore(client DynamoAPI, table string, retention time.Duration) *DynamoStore {
	return &DynamoStore{client: client, table: table, retention: retention}
}

// Save はdead letterを条件付きPutItemで保存する。同じIDのアイテムは上書きしない。
func (s *DynamoStore) Save(ctx context.Context, letter *model.DeadLetter) error {
	item := dynamoItem{
		ID:        letter.ID,
		Source:    letter.Source,
		EventID:   letter.EventID,
		Payload:   string(letter.Payload),
		Error:     letter.Error,
		CreatedAt: letter.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if s.retention > 0 {
		item.ExpiresAt = letter.CreatedAt.Add(s.retention).Unix()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("dead letterのマーシャルに失敗しました: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{
			"#id": "id",
		},
	})
	if err != nil {
		return fmt.Errorf("dead letterのPutItemに失敗しました: %w", err)
	}
	return nil
}

var _ Store = (*DynamoStore)(nil)
