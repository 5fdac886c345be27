// Package adapters provides AWS-backed implementations of the state stores
// for the Lambda deployment. Conditional writes replace the process-local
// locking the file stores rely on: Lambda workers racing on the same pair are
// serialized by DynamoDB condition expressions.
package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/models"
)

// DynamoLinkStore persists sync links in a table keyed by
// (local_id, partner).
type DynamoLinkStore struct {
	client    *dynamodb.Client
	tableName string
	logger    *events.Logger
}

// DynamoConflictStore persists the conflict log in a table keyed by
// conflict id, with local_id carried for per-record queries.
type DynamoConflictStore struct {
	client    *dynamodb.Client
	tableName string
	logger    *events.Logger
}

// NewDynamoStores creates both stores on one shared client. Table names fall
// back to the LINK_TABLE_NAME and CONFLICT_TABLE_NAME environment variables.
func NewDynamoStores(ctx context.Context, linkTable, conflictTable string, logger *events.Logger) (*DynamoLinkStore, *DynamoConflictStore, error) {
	if linkTable == "" {
		linkTable = os.Getenv("LINK_TABLE_NAME")
	}
	if conflictTable == "" {
		conflictTable = os.Getenv("CONFLICT_TABLE_NAME")
	}
	if linkTable == "" || conflictTable == "" {
		return nil, nil, fmt.Errorf("link and conflict table names are required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg)

	links := &DynamoLinkStore{
		client:    client,
		tableName: linkTable,
		logger:    logger.WithField("component", "dynamo_link_store"),
	}
	conflicts := &DynamoConflictStore{
		client:    client,
		tableName: conflictTable,
		logger:    logger.WithField("component", "dynamo_conflict_store"),
	}
	return links, conflicts, nil
}

func linkKey(localID string, partner models.Partner) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"local_id": &types.AttributeValueMemberS{Value: localID},
		"partner":  &types.AttributeValueMemberS{Value: string(partner)},
	}
}

func linkItem(link *models.SyncLink) (map[string]types.AttributeValue, error) {
	doc, err := json.Marshal(link)
	if err != nil {
		return nil, fmt.Errorf("marshal link: %w", err)
	}
	return map[string]types.AttributeValue{
		"local_id":       &types.AttributeValueMemberS{Value: link.LocalID},
		"partner":        &types.AttributeValueMemberS{Value: string(link.Partner)},
		"remote_id":      &types.AttributeValueMemberS{Value: link.RemoteID},
		"remote_version": &types.AttributeValueMemberS{Value: link.RemoteVersion},
		"doc":            &types.AttributeValueMemberS{Value: string(doc)},
	}, nil
}

func parseLink(item map[string]types.AttributeValue) (*models.SyncLink, error) {
	doc, ok := item["doc"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("link item missing doc attribute")
	}
	var link models.SyncLink
	if err := json.Unmarshal([]byte(doc.Value), &link); err != nil {
		return nil, fmt.Errorf("unmarshal link: %w", err)
	}
	return &link, nil
}

func (s *DynamoLinkStore) Get(ctx context.Context, localID string, partner models.Partner) (*models.SyncLink, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            linkKey(localID, partner),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get: %w", err)
	}
	if result.Item == nil {
		return nil, models.ErrLinkNotFound
	}
	return parseLink(result.Item)
}

func (s *DynamoLinkStore) Create(ctx context.Context, link *models.SyncLink) error {
	if err := link.Validate(); err != nil {
		return err
	}
	item, err := linkItem(link)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(local_id)"),
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return models.ErrAlreadyLinked
		}
		return fmt.Errorf("dynamodb put: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"local_id": link.LocalID,
		"partner":  string(link.Partner),
	}).Debug("Created link")
	return nil
}

func (s *DynamoLinkStore) Update(ctx context.Context, link *models.SyncLink, expectedRemoteVersion string) error {
	if err := link.Validate(); err != nil {
		return err
	}
	item, err := linkItem(link)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(local_id) AND remote_version = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberS{Value: expectedRemoteVersion},
		},
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			// Distinguish a missing link from a stale token.
			if _, gerr := s.Get(ctx, link.LocalID, link.Partner); errors.Is(gerr, models.ErrLinkNotFound) {
				return models.ErrLinkNotFound
			}
			return models.ErrVersionConflict
		}
		return fmt.Errorf("dynamodb put: %w", err)
	}
	return nil
}

func (s *DynamoLinkStore) SetStatus(ctx context.Context, localID string, partner models.Partner, status models.SyncStatus, lastError string) error {
	link, err := s.Get(ctx, localID, partner)
	if err != nil {
		return err
	}
	link.Status = status
	link.LastError = lastError

	// Guarded on the current token so a concurrent commit is not clobbered.
	return s.Update(ctx, link, link.RemoteVersion)
}

func (s *DynamoLinkStore) FindByRemoteID(ctx context.Context, partner models.Partner, remoteID string) (*models.SyncLink, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("partner = :partner AND remote_id = :remote_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":partner":   &types.AttributeValueMemberS{Value: string(partner)},
			":remote_id": &types.AttributeValueMemberS{Value: remoteID},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb scan: %w", err)
		}
		for _, item := range page.Items {
			return parseLink(item)
		}
	}
	return nil, models.ErrLinkNotFound
}

func (s *DynamoLinkStore) List(ctx context.Context) ([]*models.SyncLink, error) {
	var links []*models.SyncLink
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.tableName),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb scan: %w", err)
		}
		for _, item := range page.Items {
			link, err := parseLink(item)
			if err != nil {
				return nil, err
			}
			links = append(links, link)
		}
	}
	return links, nil
}

func (s *DynamoLinkStore) Close() error {
	return nil
}

func conflictItem(conflict *models.ConflictRecord) (map[string]types.AttributeValue, error) {
	doc, err := json.Marshal(conflict)
	if err != nil {
		return nil, fmt.Errorf("marshal conflict: %w", err)
	}
	return map[string]types.AttributeValue{
		"id":          &types.AttributeValueMemberS{Value: conflict.ID},
		"local_id":    &types.AttributeValueMemberS{Value: conflict.LocalID},
		"status":      &types.AttributeValueMemberS{Value: string(conflict.Status)},
		"detected_at": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", conflict.DetectedAt.UnixNano())},
		"doc":         &types.AttributeValueMemberS{Value: string(doc)},
	}, nil
}

func parseConflict(item map[string]types.AttributeValue) (*models.ConflictRecord, error) {
	doc, ok := item["doc"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("conflict item missing doc attribute")
	}
	var conflict models.ConflictRecord
	if err := json.Unmarshal([]byte(doc.Value), &conflict); err != nil {
		return nil, fmt.Errorf("unmarshal conflict: %w", err)
	}
	return &conflict, nil
}

func (s *DynamoConflictStore) Append(ctx context.Context, conflict *models.ConflictRecord) error {
	item, err := conflictItem(conflict)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return fmt.Errorf("dynamodb put: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"conflict_id": conflict.ID,
		"local_id":    conflict.LocalID,
		"field":       conflict.Field,
	}).Debug("Appended conflict")
	return nil
}

func (s *DynamoConflictStore) Get(ctx context.Context, id string) (*models.ConflictRecord, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get: %w", err)
	}
	if result.Item == nil {
		return nil, models.ErrConflictNotFound
	}
	return parseConflict(result.Item)
}

func (s *DynamoConflictStore) ListPending(ctx context.Context) ([]*models.ConflictRecord, error) {
	// "status" is a reserved word in DynamoDB expressions.
	return s.scan(ctx, "#status = :pending",
		map[string]string{"#status": "status"},
		map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: string(models.ResolutionPending)},
		})
}

func (s *DynamoConflictStore) ListByRecord(ctx context.Context, localID string) ([]*models.ConflictRecord, error) {
	return s.scan(ctx, "local_id = :local_id", nil, map[string]types.AttributeValue{
		":local_id": &types.AttributeValueMemberS{Value: localID},
	})
}

func (s *DynamoConflictStore) scan(ctx context.Context, filter string, names map[string]string, values map[string]types.AttributeValue) ([]*models.ConflictRecord, error) {
	input := &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}

	var conflicts []*models.ConflictRecord
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb scan: %w", err)
		}
		for _, item := range page.Items {
			conflict, err := parseConflict(item)
			if err != nil {
				return nil, err
			}
			conflicts = append(conflicts, conflict)
		}
	}

	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].DetectedAt.Before(conflicts[j].DetectedAt)
	})
	return conflicts, nil
}

func (s *DynamoConflictStore) Resolve(ctx context.Context, id string, resolution models.Resolution) (*models.ConflictRecord, error) {
	conflict, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conflict.Resolved() {
		return nil, models.ErrAlreadyResolved
	}

	conflict.Status = models.ResolutionResolved
	conflict.Resolution = &resolution
	item, err := conflictItem(conflict)
	if err != nil {
		return nil, err
	}

	// Write-once: the put only lands while the stored item is still pending,
	// so two racing resolvers cannot both win.
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("#status = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: string(models.ResolutionPending)},
		},
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return nil, models.ErrAlreadyResolved
		}
		return nil, fmt.Errorf("dynamodb put: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"conflict_id": id,
		"winner":      string(resolution.Winner),
	}).Info("Resolved conflict")
	return conflict, nil
}

func (s *DynamoConflictStore) Close() error {
	return nil
}
