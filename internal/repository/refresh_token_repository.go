package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"
	"github.com/tokenguard/tokenguard/internal/models"
)

const refreshTokenPrefix = "REFRESH_TOKEN#"

type RefreshTokenRepository struct {
	client    *dynamodb.Client
	tableName string
	logger    *logrus.Logger
}

func NewRefreshTokenRepository(client *dynamodb.Client, tableName string, logger *logrus.Logger) *RefreshTokenRepository {
	return &RefreshTokenRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

// Store inserts a refresh-token record. The token value is the primary key
// and must not already exist.
func (r *RefreshTokenRepository) Store(ctx context.Context, token *models.RefreshToken) error {
	item, err := attributevalue.MarshalMap(token)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: refreshTokenPrefix + token.Token}
	item["SK"] = &types.AttributeValueMemberS{Value: "METADATA"}
	// DynamoDB native TTL as a backstop behind the cleanup sweep.
	item["TTL"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", token.ExpiresAt.Unix())}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})

	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrDuplicateToken
		}
		r.logger.WithError(err).Error("Failed to store refresh token in DynamoDB")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	return nil
}

// GetByToken retrieves the record for a presented token value.
func (r *RefreshTokenRepository) GetByToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: refreshTokenPrefix + token},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
		ConsistentRead: aws.Bool(true),
	})

	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	if result.Item == nil {
		return nil, ErrRecordNotFound
	}

	var record models.RefreshToken
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}

	return &record, nil
}

// Claim revokes the record for token as a single conditional write: it
// succeeds only if the record was still unrevoked at the moment of the write.
// Two racing callers therefore cannot both claim the same token; the loser
// gets ErrAlreadyRevoked. ErrRecordNotFound is returned when no record
// exists at all.
func (r *RefreshTokenRepository) Claim(ctx context.Context, token string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: refreshTokenPrefix + token},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
		ConditionExpression: aws.String("attribute_exists(PK) AND Revoked = :false"),
		UpdateExpression:    aws.String("SET Revoked = :true, RevokedAt = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":true":  &types.AttributeValueMemberBOOL{Value: true},
			":now":   &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})

	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return ErrRecordNotFound
			}
			return ErrAlreadyRevoked
		}
		r.logger.WithError(err).Error("Failed to claim refresh token in DynamoDB")
		return fmt.Errorf("failed to claim refresh token: %w", err)
	}

	return nil
}

// RevokeFamily marks every record in the family revoked, regardless of
// individual revoked or expiry state, and returns how many writes were made.
func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	tokens, err := r.GetByFamily(ctx, familyID)
	if err != nil {
		return 0, err
	}

	return r.revokeAll(ctx, tokens)
}

// RevokeAllForUser marks every refresh-token record owned by the user
// revoked, across all families. Used for forced logout-everywhere.
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	result, err := r.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(r.tableName),
		FilterExpression: aws.String("begins_with(PK, :pk_prefix) AND UserID = :user_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk_prefix": &types.AttributeValueMemberS{Value: refreshTokenPrefix},
			":user_id":   &types.AttributeValueMemberS{Value: userID},
		},
	})

	if err != nil {
		return 0, fmt.Errorf("failed to query tokens by user: %w", err)
	}

	var tokens []models.RefreshToken
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &tokens); err != nil {
		return 0, fmt.Errorf("failed to unmarshal tokens: %w", err)
	}

	return r.revokeAll(ctx, tokens)
}

// GetByFamily retrieves all records sharing a family ID.
// TODO: switch the Scan to a FamilyID GSI query once the table gets one.
func (r *RefreshTokenRepository) GetByFamily(ctx context.Context, familyID string) ([]models.RefreshToken, error) {
	result, err := r.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(r.tableName),
		FilterExpression: aws.String("begins_with(PK, :pk_prefix) AND FamilyID = :family_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk_prefix": &types.AttributeValueMemberS{Value: refreshTokenPrefix},
			":family_id": &types.AttributeValueMemberS{Value: familyID},
		},
	})

	if err != nil {
		return nil, fmt.Errorf("failed to query tokens by family ID: %w", err)
	}

	var tokens []models.RefreshToken
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &tokens); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tokens: %w", err)
	}

	return tokens, nil
}

// DeleteExpired removes records whose hard expiry has passed. Records with a
// future ExpiresAt are never touched.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := r.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(r.tableName),
		FilterExpression: aws.String("begins_with(PK, :pk_prefix) AND #ttl <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "TTL",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk_prefix": &types.AttributeValueMemberS{Value: refreshTokenPrefix},
			":now":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
		},
		ProjectionExpression: aws.String("PK, SK"),
	})

	if err != nil {
		return 0, fmt.Errorf("failed to scan expired refresh tokens: %w", err)
	}

	deleted := 0
	for _, item := range result.Items {
		_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				"PK": item["PK"],
				"SK": item["SK"],
			},
		})
		if err != nil {
			r.logger.WithError(err).Error("Failed to delete expired refresh token")
			return deleted, fmt.Errorf("failed to delete expired refresh token: %w", err)
		}
		deleted++
	}

	return deleted, nil
}

func (r *RefreshTokenRepository) revokeAll(ctx context.Context, tokens []models.RefreshToken) (int, error) {
	revoked := 0
	for _, t := range tokens {
		if t.Revoked {
			continue
		}

		_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: refreshTokenPrefix + t.Token},
				"SK": &types.AttributeValueMemberS{Value: "METADATA"},
			},
			UpdateExpression: aws.String("SET Revoked = :true, RevokedAt = :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":true": &types.AttributeValueMemberBOOL{Value: true},
				":now":  &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			},
		})
		if err != nil {
			r.logger.WithError(err).WithField("family_id", t.FamilyID).Error("Failed to revoke refresh token")
			return revoked, fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		revoked++
	}

	return revoked, nil
}
